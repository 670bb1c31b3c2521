package mime

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"

	"mailindex/backend/internal/domain"
)

// Structure 原始邮件的顶层结构信息
type Structure struct {
	BodyStartOctet int64
	Properties     domain.Properties
	Header         message.Header
}

// Analyze 定位头部与正文的分界，解析顶层头部并生成 MIME 属性。
// 头部损坏时按空头部处理，不返回错误。
func Analyze(content domain.SharedContent) (*Structure, error) {
	bodyStart, err := FindBodyStart(io.NewSectionReader(content, 0, content.Size()))
	if err != nil {
		return nil, err
	}

	header := message.Header{}
	hr := bufio.NewReader(io.NewSectionReader(content, 0, bodyStart))
	if h, err := textproto.ReadHeader(hr); err == nil {
		header = message.Header{Header: h}
	}

	props, err := ExtractProperties(header, io.NewSectionReader(content, bodyStart, content.Size()-bodyStart))
	if err != nil {
		return nil, err
	}
	return &Structure{BodyStartOctet: bodyStart, Properties: props, Header: header}, nil
}

// FindBodyStart 返回第一个空行之后的偏移；没有空行时整封邮件都是头部。
func FindBodyStart(r io.Reader) (int64, error) {
	br := bufio.NewReader(r)
	var offset int64
	lineStart := true
	for {
		line, err := br.ReadSlice('\n')
		offset += int64(len(line))
		if errors.Is(err, bufio.ErrBufferFull) {
			lineStart = false
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return offset, nil
			}
			return 0, err
		}
		if lineStart && (bytes.Equal(line, []byte("\r\n")) || bytes.Equal(line, []byte("\n"))) {
			return offset, nil
		}
		lineStart = true
	}
}

// ExtractProperties 从顶层头部生成属性；文本类正文同时统计行数。
func ExtractProperties(h message.Header, body io.Reader) (domain.Properties, error) {
	b := domain.NewPropertyBuilder()

	mt, params := mediaType(h)
	top, sub := splitMediaType(mt)
	b.SetMediaType(top)
	b.SetSubType(sub)
	b.SetContentTypeParameters(params)

	if cid, ok := ParseCid(h.Get("Content-Id")); ok {
		b.SetContentID(cid.Value())
	}
	b.SetContentDescription(DecodeHeaderValue(strings.TrimSpace(h.Get("Content-Description"))))
	b.SetContentTransferEncoding(strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding"))))
	b.SetContentLocation(strings.TrimSpace(h.Get("Content-Location")))
	b.SetContentMD5(strings.TrimSpace(h.Get("Content-MD5")))
	b.SetContentLanguage(splitLanguages(h.Get("Content-Language")))

	disp, dispParams := disposition(h)
	b.SetContentDispositionType(disp)
	b.SetContentDispositionParameters(dispParams)

	if top == "text" {
		lines, err := countLines(body)
		if err != nil {
			return domain.Properties{}, err
		}
		b.SetTextualLineCount(lines)
	}
	return b.Build(), nil
}

func splitLanguages(value string) []string {
	var out []string
	for _, lang := range strings.Split(value, ",") {
		if lang = strings.TrimSpace(lang); lang != "" {
			out = append(out, lang)
		}
	}
	return out
}

// countLines 换行符个数，末尾不完整的行也计入
func countLines(r io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var lines, total int64
	var last byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines += int64(bytes.Count(buf[:n], []byte{'\n'}))
			total += int64(n)
			last = buf[n-1]
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if total > 0 && last != '\n' {
		lines++
	}
	return lines, nil
}
