package postgres

import (
	"encoding/json"
	"time"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/storage"
)

// mailboxModel 文件夹表，附带 UID 与 modseq 计数器
type mailboxModel struct {
	domain.Mailbox `gorm:"embedded"`
	NextUID        uint32 `gorm:"not null;default:1"`
	HighestModSeq  uint64 `gorm:"not null;default:0"`
}

func (mailboxModel) TableName() string { return "mailboxes" }

// messageContentModel 不可变的邮件内容，多个文件夹实例共享一行
type messageContentModel struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)"`
	InternalDate   time.Time `gorm:"not null"`
	BodyStartOctet int64     `gorm:"not null"`
	Size           int64     `gorm:"not null"`
	Raw            []byte    `gorm:"not null"`
	Properties     string    `gorm:"type:text"`
	AttachmentIDs  string    `gorm:"type:text"`
	CreatedAt      time.Time
}

func (messageContentModel) TableName() string { return "message_contents" }

// mailboxMessageModel 邮件在文件夹中的实例（信封）
type mailboxMessageModel struct {
	MailboxID    string    `gorm:"primaryKey;type:varchar(36)"`
	UID          uint32    `gorm:"primaryKey;autoIncrement:false"`
	MessageID    string    `gorm:"type:varchar(36);not null;index"`
	ModSeq       uint64    `gorm:"not null"`
	Flags        string    `gorm:"type:text"`
	Size         int64     `gorm:"not null"`
	InternalDate time.Time `gorm:"not null"`
}

func (mailboxMessageModel) TableName() string { return "mailbox_messages" }

func (m *mailboxMessageModel) toMetadata() domain.MessageMetadata {
	return domain.MessageMetadata{
		MailboxID:    domain.MailboxID(m.MailboxID),
		UID:          domain.MessageUID(m.UID),
		ModSeq:       domain.ModSeq(m.ModSeq),
		Flags:        domain.ParseFlags(m.Flags),
		MessageID:    domain.MessageID(m.MessageID),
		Size:         m.Size,
		InternalDate: m.InternalDate,
	}
}

func newContentModel(msg *domain.Message) (*messageContentModel, error) {
	raw, err := storage.ReadAll(msg.Content())
	if err != nil {
		return nil, err
	}
	props, err := json.Marshal(msg.Properties)
	if err != nil {
		return nil, err
	}
	attachments, err := json.Marshal(msg.AttachmentIDs)
	if err != nil {
		return nil, err
	}
	return &messageContentModel{
		ID:             msg.ID.String(),
		InternalDate:   msg.InternalDate,
		BodyStartOctet: msg.BodyStartOctet,
		Size:           msg.Size(),
		Raw:            raw,
		Properties:     string(props),
		AttachmentIDs:  string(attachments),
	}, nil
}

func (c *messageContentModel) toMessage() (*domain.Message, error) {
	var props domain.Properties
	if c.Properties != "" {
		if err := json.Unmarshal([]byte(c.Properties), &props); err != nil {
			return nil, err
		}
	}
	var attachments []string
	if c.AttachmentIDs != "" {
		if err := json.Unmarshal([]byte(c.AttachmentIDs), &attachments); err != nil {
			return nil, err
		}
	}
	return storage.Rebuild(domain.MessageID(c.ID), c.InternalDate, c.Raw, c.BodyStartOctet, props, attachments), nil
}

func toMailboxMessage(row *mailboxMessageModel, msg *domain.Message) *domain.MailboxMessage {
	mailboxID := domain.MailboxID(row.MailboxID)
	return domain.NewMailboxMessage(mailboxID, msg, domain.ParseFlags(row.Flags)).
		CopyTo(mailboxID, domain.MessageUID(row.UID), domain.ModSeq(row.ModSeq))
}
