package storage

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/mime"
)

// MessageFactory 将写入的原始内容缓冲并解析为不可变的 domain.Message。
type MessageFactory struct {
	bodies *mime.BufferedBodyFactory
	parser *mime.MessageParser
}

// NewMessageFactory 创建邮件工厂，parser 可为 nil（不计算附件引用）
func NewMessageFactory(bodies *mime.BufferedBodyFactory, parser *mime.MessageParser) *MessageFactory {
	return &MessageFactory{bodies: bodies, parser: parser}
}

// Build 读取全部内容。返回的 BufferedBody 即邮件内容，调用方在不再需要时 Close。
func (f *MessageFactory) Build(content io.Reader, internalDate time.Time) (*domain.Message, *mime.BufferedBody, error) {
	body, err := f.bodies.ReadFrom(content)
	if err != nil {
		return nil, nil, fmt.Errorf("buffer message content: %w", err)
	}

	structure, err := mime.Analyze(body)
	if err != nil {
		body.Close()
		return nil, nil, fmt.Errorf("analyze message: %w", err)
	}

	if internalDate.IsZero() {
		internalDate = time.Now()
	}
	id := domain.NewMessageID()
	msg := domain.NewMessage(id, internalDate, body, structure.BodyStartOctet, structure.Properties, f.attachmentIDs(id, body))
	return msg, body, nil
}

// Rebuild 用已持久化的字节和属性恢复邮件，不重新解析
func Rebuild(id domain.MessageID, internalDate time.Time, raw []byte, bodyStart int64, props domain.Properties, attachmentIDs []string) *domain.Message {
	return domain.NewMessage(id, internalDate, domain.BytesContent(raw), bodyStart, props, attachmentIDs)
}

// ReadAll 把共享内容读成字节，供持久化使用
func ReadAll(content domain.SharedContent) ([]byte, error) {
	return io.ReadAll(io.NewSectionReader(content, 0, content.Size()))
}

func (f *MessageFactory) attachmentIDs(id domain.MessageID, body *mime.BufferedBody) []string {
	if f.parser == nil {
		return nil
	}
	attachments, err := f.parser.RetrieveAttachments(body.Reader())
	if err != nil {
		return nil
	}
	defer mime.CloseAll(attachments)

	ids := make([]string, 0, len(attachments))
	for i := range attachments {
		ids = append(ids, id.String()+"-"+strconv.Itoa(i))
	}
	return ids
}
