package mime

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"
	"go.uber.org/zap"
)

// DefaultMaxDepth 嵌套 multipart 的最大深度
const DefaultMaxDepth = 32

// 在 BODY 上下文中也视为附件的文本类型
var bodyTextExceptions = map[string]bool{
	"text/calendar": true,
}

// 无论上下文都视为附件的类型
var alwaysAttachmentTypes = map[string]bool{
	"application/pgp-signature":        true,
	"message/disposition-notification": true,
	"text/calendar":                    true,
}

// 需要重新序列化的嵌入邮件类型
var compositeTypes = map[string]bool{
	"message/rfc822": true,
	"message/global": true,
}

type partContext int

const (
	contextOther partContext = iota
	contextBody
)

func contextFromMediaType(mt string) partContext {
	if mt == "multipart/alternative" {
		return contextBody
	}
	return contextOther
}

// FailureRecorder 单个部分解析失败时回调，用于计数
type FailureRecorder interface {
	AttachmentParseFailed()
}

// MessageParser 从 MIME 树中识别并提取附件。
type MessageParser struct {
	reader   *enmime.Parser
	bodies   *BufferedBodyFactory
	log      *zap.Logger
	maxDepth int
	failures FailureRecorder
}

// ParserOption 解析器选项
type ParserOption func(*MessageParser)

// WithMaxDepth 限制嵌套深度
func WithMaxDepth(depth int) ParserOption {
	return func(p *MessageParser) {
		if depth > 0 {
			p.maxDepth = depth
		}
	}
}

// WithFailureRecorder 记录部分解析失败
func WithFailureRecorder(r FailureRecorder) ParserOption {
	return func(p *MessageParser) { p.failures = r }
}

// NewMessageParser 创建解析器
func NewMessageParser(bodies *BufferedBodyFactory, log *zap.Logger, opts ...ParserOption) *MessageParser {
	if log == nil {
		log = zap.NewNop()
	}
	p := &MessageParser{
		reader:   enmime.NewParser(enmime.SkipMalformedParts(true), enmime.DisableCharacterDetection(true)),
		bodies:   bodies,
		log:      log,
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RetrieveAttachments 按出现顺序返回附件。头部格式错误、坏的 base64 等局部问题
// 尽量容忍：出错的部分按可恢复的内容保留，严重错误记录 WARN 并计数。只有读取
// 失败时才返回错误。调用方负责 CloseAll。
func (p *MessageParser) RetrieveAttachments(r io.Reader) ([]ParsedAttachment, error) {
	root, err := p.reader.ReadParts(r)
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	if isContainer(root) {
		p.reportErrors(root)
		mt, _ := mediaType(partHeader(root))
		return p.walk(root, contextFromMediaType(mt), 1), nil
	}

	att, ok, err := p.extract(root, contextBody)
	if err != nil {
		p.partFailed(err, partHeader(root))
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	return []ParsedAttachment{att}, nil
}

func (p *MessageParser) walk(parent *enmime.Part, ctx partContext, depth int) []ParsedAttachment {
	var attachments []ParsedAttachment
	for part := parent.FirstChild; part != nil; part = part.NextSibling {
		if isContainer(part) {
			if depth >= p.maxDepth {
				p.log.Warn("multipart nesting too deep, skipping", zap.Int("depth", depth))
				continue
			}
			p.reportErrors(part)
			mt, _ := mediaType(partHeader(part))
			attachments = append(attachments, p.walk(part, contextFromMediaType(mt), depth+1)...)
			continue
		}

		att, ok, err := p.extract(part, ctx)
		if err != nil {
			p.partFailed(err, partHeader(part))
			continue
		}
		if ok {
			attachments = append(attachments, att)
		}
	}
	return attachments
}

// reportErrors 输出解析过程中累积的问题。严重错误意味着内容有丢失
// （子部分被丢弃或正文无法解码），按一次失败计数。
func (p *MessageParser) reportErrors(part *enmime.Part) {
	for _, perr := range part.Errors {
		if !perr.Severe {
			p.log.Debug("mime part warning",
				zap.String("part_id", part.PartID),
				zap.String("problem", perr.Name),
				zap.String("detail", perr.Detail),
			)
			continue
		}
		p.partFailed(perr, partHeader(part))
	}
}

func (p *MessageParser) partFailed(err error, h message.Header) {
	p.log.Warn("failed to parse mime part",
		zap.String("content_type", rawContentType(h)),
		zap.Error(err),
	)
	if p.failures != nil {
		p.failures.AttachmentParseFailed()
	}
}

// extract 判定并捕获单个叶子部分
func (p *MessageParser) extract(part *enmime.Part, ctx partContext) (ParsedAttachment, bool, error) {
	h := partHeader(part)
	if !isAttachment(h, ctx) {
		return ParsedAttachment{}, false, nil
	}
	p.reportErrors(part)

	mt, ctParams := mediaType(h)
	disp, dispParams := disposition(h)

	att := ParsedAttachment{
		ContentType: rawContentType(h),
		Name:        attachmentName(ctParams, dispParams),
	}
	if att.ContentType == "" {
		att.ContentType = DefaultContentType
	}
	if cid, ok := ParseCid(h.Get("Content-Id")); ok {
		att.Cid = &cid
	}
	att.Inline = disp == "inline" && att.Cid != nil

	body, err := p.bodies.ReadFrom(bytes.NewReader(part.Content))
	if err != nil {
		return ParsedAttachment{}, false, fmt.Errorf("buffer part body: %w", err)
	}
	att.content = &attachmentContent{body: body, composite: compositeTypes[mt], bodies: p.bodies}
	return att, true, nil
}

// isContainer 部分是否为 multipart 容器（边界存在即按容器解析）
func isContainer(part *enmime.Part) bool {
	return part.FirstChild != nil || (part.Boundary != "" && part.Content == nil)
}

func partHeader(part *enmime.Part) message.Header {
	return message.Header{Header: textproto.HeaderFromMap(part.Header)}
}

// isAttachment 判定顺序：BODY 中的文本 → 否；显式 disposition → 是；
// 固定附件类型 → 是；存在 Content-ID → 是；否则否。
func isAttachment(h message.Header, ctx partContext) bool {
	mt, _ := mediaType(h)
	if ctx == contextBody && strings.HasPrefix(mt, "text/") && !bodyTextExceptions[mt] {
		return false
	}
	if disp, _ := disposition(h); disp == "attachment" || disp == "inline" {
		return true
	}
	if alwaysAttachmentTypes[mt] {
		return true
	}
	return h.Has("Content-Id")
}

func attachmentName(ctParams, dispParams map[string]string) string {
	name := strings.TrimSpace(ctParams["name"])
	if name == "" {
		name = strings.TrimSpace(dispParams["filename"])
	}
	if name == "" {
		return ""
	}
	return DecodeHeaderValue(name)
}
