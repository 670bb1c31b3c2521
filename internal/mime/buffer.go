package mime

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
)

// DefaultFileThreshold 超过该大小的正文写入临时文件
const DefaultFileThreshold = 100 * 1024

var (
	ErrWriteAfterRead = errors.New("write is unsupported after a read operation")
	ErrBodyClosed     = errors.New("buffered body is closed")
)

// BufferOptions 缓冲配置
type BufferOptions struct {
	FileThreshold int64  // 内存上限（字节），0 表示始终落盘
	TempDir       string // 临时文件目录，空表示系统默认
}

// BufferedBodyFactory 按阈值生成内存或磁盘缓冲的正文。
type BufferedBodyFactory struct {
	threshold int64
	tempDir   string
}

// NewBufferedBodyFactory 创建缓冲工厂
func NewBufferedBodyFactory(opts BufferOptions) *BufferedBodyFactory {
	threshold := opts.FileThreshold
	if threshold < 0 {
		threshold = DefaultFileThreshold
	}
	return &BufferedBodyFactory{threshold: threshold, tempDir: opts.TempDir}
}

// Threshold 返回内存上限
func (f *BufferedBodyFactory) Threshold() int64 { return f.threshold }

// New 创建空缓冲，写入完成后即可随机读取
func (f *BufferedBodyFactory) New() *BufferedBody {
	return &BufferedBody{maxMemorySize: f.threshold, tempDir: f.tempDir}
}

// ReadFrom 读取全部数据并封存
func (f *BufferedBodyFactory) ReadFrom(r io.Reader) (*BufferedBody, error) {
	body := f.New()
	if _, err := io.Copy(body, r); err != nil {
		body.Close()
		return nil, err
	}
	if err := body.seal(); err != nil {
		body.Close()
		return nil, err
	}
	return body, nil
}

// BufferedBody 先写后读的正文缓冲：小于阈值时保存在内存，超过后转存临时文件。
// 首次读取后不可再写；Close 删除临时文件。读取可并发进行。
type BufferedBody struct {
	mu            sync.Mutex
	maxMemorySize int64
	size          int64
	buffer        bytes.Buffer
	tempDir       string
	file          *os.File
	reader        io.ReaderAt
	closed        bool
}

// Write 实现 io.Writer
func (b *BufferedBody) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrBodyClosed
	}
	if b.reader != nil {
		return 0, ErrWriteAfterRead
	}
	return b.write(p)
}

func (b *BufferedBody) write(p []byte) (int, error) {
	var n int
	var err error

	if b.file != nil {
		n, err = b.file.Write(p)
	} else {
		if b.size+int64(len(p)) > b.maxMemorySize {
			b.file, err = os.CreateTemp(b.tempDir, "mailindex-body-")
			if err != nil {
				return 0, err
			}
			if _, err = io.Copy(b.file, &b.buffer); err != nil {
				return 0, err
			}
			b.buffer = bytes.Buffer{}
			return b.write(p)
		}
		n, err = b.buffer.Write(p)
	}

	if err != nil {
		return n, err
	}
	b.size += int64(n)
	return n, nil
}

// Size 已写入的字节数
func (b *BufferedBody) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// InMemory 数据是否仍在内存中
func (b *BufferedBody) InMemory() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file == nil
}

func (b *BufferedBody) seal() error {
	_, err := b.readerAt()
	return err
}

func (b *BufferedBody) readerAt() (io.ReaderAt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBodyClosed
	}
	if b.reader != nil {
		return b.reader, nil
	}
	if b.file != nil {
		if err := b.file.Sync(); err != nil {
			return nil, err
		}
		b.reader = b.file
	} else {
		b.reader = bytes.NewReader(b.buffer.Bytes())
	}
	return b.reader, nil
}

// ReadAt 实现 io.ReaderAt，首次调用时封存缓冲
func (b *BufferedBody) ReadAt(p []byte, off int64) (int, error) {
	r, err := b.readerAt()
	if err != nil {
		return 0, err
	}
	return r.ReadAt(p, off)
}

// Reader 返回独立读取位置的读取器
func (b *BufferedBody) Reader() io.ReadSeeker {
	return io.NewSectionReader(b, 0, b.Size())
}

// Close 释放缓冲，删除临时文件。可重复调用。
func (b *BufferedBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.reader = nil
	b.buffer = bytes.Buffer{}
	if b.file != nil {
		err := b.file.Close()
		_ = os.Remove(b.file.Name())
		b.file = nil
		return err
	}
	return nil
}
