package domain

import (
	"bytes"
	"io"
	"time"
)

// SharedContent 可并发随机读取的邮件原始内容，多个邮箱文件夹中的副本共享同一份数据。
type SharedContent interface {
	io.ReaderAt
	Size() int64
}

// BytesContent 内存中的原始内容
type BytesContent []byte

// ReadAt 实现 io.ReaderAt
func (b BytesContent) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(b).ReadAt(p, off)
}

// Size 内容字节数
func (b BytesContent) Size() int64 { return int64(len(b)) }

// Message 不可变的邮件内容：原始字节、头部/正文分界、MIME 属性与附件引用。
type Message struct {
	ID             MessageID
	InternalDate   time.Time
	BodyStartOctet int64
	Properties     Properties
	AttachmentIDs  []string

	content SharedContent
}

// NewMessage 创建邮件内容
func NewMessage(id MessageID, internalDate time.Time, content SharedContent, bodyStartOctet int64, props Properties, attachmentIDs []string) *Message {
	if bodyStartOctet > content.Size() {
		bodyStartOctet = content.Size()
	}
	return &Message{
		ID:             id,
		InternalDate:   internalDate,
		BodyStartOctet: bodyStartOctet,
		Properties:     props,
		AttachmentIDs:  attachmentIDs,
		content:        content,
	}
}

// Content 返回共享的原始内容
func (m *Message) Content() SharedContent { return m.content }

// Size 原始邮件字节数
func (m *Message) Size() int64 { return m.content.Size() }

// HeaderOctets 头部字节数（含空行分隔符）
func (m *Message) HeaderOctets() int64 { return m.BodyStartOctet }

// BodyOctets 正文字节数
func (m *Message) BodyOctets() int64 { return m.content.Size() - m.BodyStartOctet }

// FullContent 每次调用返回独立的读取器，互不影响读取位置。
func (m *Message) FullContent() io.ReadSeeker {
	return io.NewSectionReader(m.content, 0, m.content.Size())
}

// HeaderContent 仅头部
func (m *Message) HeaderContent() io.ReadSeeker {
	return io.NewSectionReader(m.content, 0, m.BodyStartOctet)
}

// BodyContent 仅正文
func (m *Message) BodyContent() io.ReadSeeker {
	return io.NewSectionReader(m.content, m.BodyStartOctet, m.BodyOctets())
}

// MessageMetadata 枚举邮箱文件夹时返回的轻量信息，不含内容。
type MessageMetadata struct {
	MailboxID    MailboxID  `json:"mailboxId"`
	UID          MessageUID `json:"uid"`
	ModSeq       ModSeq     `json:"modSeq"`
	Flags        Flags      `json:"flags"`
	MessageID    MessageID  `json:"messageId"`
	Size         int64      `json:"size"`
	InternalDate time.Time  `json:"internalDate"`
}

// MailboxMessage 邮件在某个文件夹中的一份实例：可变的信封（UID、modseq、标记）
// 包裹不可变的共享内容。
type MailboxMessage struct {
	*Message

	MailboxID MailboxID
	UID       MessageUID
	ModSeq    ModSeq
	Flags     Flags
}

// NewMailboxMessage 创建尚未分配 UID 的文件夹邮件
func NewMailboxMessage(mailboxID MailboxID, message *Message, flags Flags) *MailboxMessage {
	return &MailboxMessage{
		Message:   message,
		MailboxID: mailboxID,
		Flags:     NewFlags(flags...),
	}
}

// CopyTo 复制到另一个文件夹，内容共享，信封独立。
func (m *MailboxMessage) CopyTo(mailboxID MailboxID, uid MessageUID, modSeq ModSeq) *MailboxMessage {
	return &MailboxMessage{
		Message:   m.Message,
		MailboxID: mailboxID,
		UID:       uid,
		ModSeq:    modSeq,
		Flags:     append(Flags(nil), m.Flags...),
	}
}

// Metadata 提取元数据
func (m *MailboxMessage) Metadata() MessageMetadata {
	return MessageMetadata{
		MailboxID:    m.MailboxID,
		UID:          m.UID,
		ModSeq:       m.ModSeq,
		Flags:        append(Flags(nil), m.Flags...),
		MessageID:    m.ID,
		Size:         m.Size(),
		InternalDate: m.InternalDate,
	}
}
