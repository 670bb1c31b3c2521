package mime

import (
	"fmt"
	"io"
	"sync"

	"github.com/emersion/go-message"
)

// ParsedAttachment 从 MIME 部分提取出的附件。
type ParsedAttachment struct {
	ContentType string
	Name        string // 空表示未命名
	Cid         *Cid
	Inline      bool

	content *attachmentContent
}

// Content 返回附件内容。离散正文直接读取缓冲；嵌入邮件在首次访问时重新序列化。
func (a ParsedAttachment) Content() (io.ReadSeeker, error) {
	if a.content == nil {
		return nil, ErrBodyClosed
	}
	return a.content.open()
}

// Size 附件解码后的字节数
func (a ParsedAttachment) Size() int64 {
	if a.content == nil {
		return 0
	}
	return a.content.size()
}

// Close 释放附件占用的缓冲
func (a ParsedAttachment) Close() error {
	if a.content == nil {
		return nil
	}
	return a.content.close()
}

// CloseAll 释放一组附件
func CloseAll(attachments []ParsedAttachment) {
	for _, a := range attachments {
		_ = a.Close()
	}
}

type attachmentContent struct {
	body      *BufferedBody
	composite bool
	bodies    *BufferedBodyFactory

	once       sync.Once
	mu         sync.Mutex
	serialized *BufferedBody
	err        error
}

func (c *attachmentContent) open() (io.ReadSeeker, error) {
	if !c.composite {
		return c.body.Reader(), nil
	}
	c.once.Do(func() {
		serialized, err := c.reserialize()
		c.mu.Lock()
		c.serialized, c.err = serialized, err
		c.mu.Unlock()
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if c.serialized == nil {
		return c.body.Reader(), nil
	}
	return c.serialized.Reader(), nil
}

// reserialize 无法解析的嵌入邮件返回 nil，按原始字节提供
func (c *attachmentContent) reserialize() (*BufferedBody, error) {
	embedded, err := message.Read(c.body.Reader())
	if err != nil && !isLenientError(err) {
		return nil, nil
	}
	out := c.bodies.New()
	if err := embedded.WriteTo(out); err != nil {
		out.Close()
		return nil, fmt.Errorf("serialize embedded message: %w", err)
	}
	if err := out.seal(); err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

func (c *attachmentContent) size() int64 {
	return c.body.Size()
}

func (c *attachmentContent) close() error {
	err := c.body.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serialized != nil {
		if serr := c.serialized.Close(); err == nil {
			err = serr
		}
	}
	return err
}
