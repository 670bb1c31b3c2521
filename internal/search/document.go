package search

import (
	"fmt"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"go.uber.org/zap"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/logger"
	"mailindex/backend/internal/mime"
)

// Document 索引文档
type Document struct {
	MailboxID       string    `json:"mailbox_id"`
	UID             float64   `json:"uid"`
	MessageID       string    `json:"message_id"`
	ModSeq          float64   `json:"modseq"`
	Flags           []string  `json:"flags"`
	Subject         string    `json:"subject"`
	From            []string  `json:"from"`
	To              []string  `json:"to"`
	Text            string    `json:"text"`
	Attachments     []string  `json:"attachments"`
	AttachmentTypes []string  `json:"attachment_types"`
	InternalDate    time.Time `json:"internal_date"`
	Size            float64   `json:"size"`
}

// DocType 文档类型，供 bleve 映射分类
const DocType = "mail"

// Type 实现 bleve 的 mapping.Classifier
func (d *Document) Type() string { return DocType }

// DocumentBuilder 由存储中的邮件构建索引文档
type DocumentBuilder struct {
	parser *mime.MessageParser
	logger *zap.Logger
}

// NewDocumentBuilder 创建文档构建器
func NewDocumentBuilder(parser *mime.MessageParser, log *zap.Logger) *DocumentBuilder {
	return &DocumentBuilder{parser: parser, logger: logger.OrNop(log)}
}

// Build 解析邮件正文与附件生成文档
func (b *DocumentBuilder) Build(msg *domain.MailboxMessage) (*Document, error) {
	env, err := enmime.ReadEnvelope(msg.FullContent())
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	for _, perr := range env.Errors {
		b.logger.Debug("Lenient MIME error",
			zap.String("mailbox_id", msg.MailboxID.String()),
			zap.Stringer("uid", msg.UID),
			zap.String("error", perr.Error()))
	}

	text := env.Text
	if strings.TrimSpace(text) == "" && env.HTML != "" {
		text = env.HTML
	}

	doc := &Document{
		MailboxID:    msg.MailboxID.String(),
		UID:          float64(msg.UID),
		MessageID:    msg.ID.String(),
		ModSeq:       float64(msg.ModSeq),
		Flags:        append([]string{}, msg.Flags...),
		Subject:      env.GetHeader("Subject"),
		From:         addresses(env, "From"),
		To:           append(addresses(env, "To"), addresses(env, "Cc")...),
		Text:         text,
		InternalDate: msg.InternalDate,
		Size:         float64(msg.Size()),
	}

	attachments, err := b.parser.RetrieveAttachments(msg.FullContent())
	if err != nil {
		return nil, fmt.Errorf("retrieve attachments: %w", err)
	}
	defer mime.CloseAll(attachments)
	for _, att := range attachments {
		if att.Name != "" {
			doc.Attachments = append(doc.Attachments, att.Name)
		}
		doc.AttachmentTypes = append(doc.AttachmentTypes, att.ContentType)
	}
	return doc, nil
}

func addresses(env *enmime.Envelope, header string) []string {
	list, err := env.AddressList(header)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Name != "" {
			out = append(out, a.Name+" <"+a.Address+">")
		} else {
			out = append(out, a.Address)
		}
	}
	return out
}
