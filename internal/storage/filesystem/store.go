package filesystem

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/storage"
)

const (
	mailboxesDir    = "mailboxes"
	messagesDir     = "messages"
	mailboxFile     = "mailbox.json"
	rawFile         = "raw.eml"
	metadataFile    = "metadata.json"
	filePermission  = 0644
	dirPermission   = 0755
	tempFilePattern = ".tmp-*"
)

// mailboxRecord mailbox.json 的内容
type mailboxRecord struct {
	Mailbox domain.Mailbox    `json:"mailbox"`
	NextUID domain.MessageUID `json:"nextUid"`
	ModSeq  domain.ModSeq     `json:"modSeq"`
}

// messageRecord metadata.json 的内容
type messageRecord struct {
	MessageID      domain.MessageID  `json:"messageId"`
	UID            domain.MessageUID `json:"uid"`
	ModSeq         domain.ModSeq     `json:"modSeq"`
	Flags          domain.Flags      `json:"flags"`
	InternalDate   time.Time         `json:"internalDate"`
	Size           int64             `json:"size"`
	BodyStartOctet int64             `json:"bodyStartOctet"`
	Properties     domain.Properties `json:"properties"`
	AttachmentIDs  []string          `json:"attachmentIds,omitempty"`
}

// Store 文件系统存储实现
//
// 目录结构: {base}/mailboxes/{mailboxID}/mailbox.json
//
//	{base}/mailboxes/{mailboxID}/messages/{uid}/raw.eml
//	{base}/mailboxes/{mailboxID}/messages/{uid}/metadata.json
type Store struct {
	basePath      string
	platformUtils *PlatformUtils
	factory       *storage.MessageFactory

	mu        sync.RWMutex
	mailboxes map[domain.MailboxID]*mailboxRecord
	byPath    map[domain.MailboxPath]domain.MailboxID
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建文件系统存储实例并加载已有的文件夹
func NewStore(basePath string, factory *storage.MessageFactory) (*Store, error) {
	platformUtils := NewPlatformUtils()

	if err := platformUtils.ValidatePath(basePath); err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}
	normalizedPath := platformUtils.NormalizePath(basePath)

	if err := os.MkdirAll(filepath.Join(normalizedPath, mailboxesDir), dirPermission); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	s := &Store{
		basePath:      normalizedPath,
		platformUtils: platformUtils,
		factory:       factory,
		mailboxes:     make(map[domain.MailboxID]*mailboxRecord),
		byPath:        make(map[domain.MailboxPath]domain.MailboxID),
	}
	if err := s.loadMailboxes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadMailboxes() error {
	entries, err := os.ReadDir(filepath.Join(s.basePath, mailboxesDir))
	if err != nil {
		return fmt.Errorf("failed to list mailboxes: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var record mailboxRecord
		if err := readJSON(filepath.Join(s.basePath, mailboxesDir, entry.Name(), mailboxFile), &record); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load mailbox %s: %w", entry.Name(), err)
		}
		s.mailboxes[record.Mailbox.ID] = &record
		s.byPath[record.Mailbox.Path()] = record.Mailbox.ID
	}
	return nil
}

// ========== 文件夹 ==========

// CreateMailbox 创建文件夹目录并写入 mailbox.json
func (s *Store) CreateMailbox(ctx context.Context, path domain.MailboxPath) (*domain.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPath[path]; ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrMailboxExists, path)
	}
	mailbox := domain.NewMailbox(path)
	record := &mailboxRecord{Mailbox: *mailbox, NextUID: 1}

	dir, err := s.mailboxPath(mailbox.ID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, messagesDir), dirPermission); err != nil {
		return nil, fmt.Errorf("failed to create mailbox directory: %w", err)
	}
	if err := s.writeMailboxLocked(record); err != nil {
		return nil, err
	}

	s.mailboxes[mailbox.ID] = record
	s.byPath[path] = mailbox.ID
	return mailbox, nil
}

// GetMailbox 根据 ID 获取文件夹
func (s *Store) GetMailbox(ctx context.Context, id domain.MailboxID) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.mailboxes[id]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	mailbox := record.Mailbox
	return &mailbox, nil
}

// FindMailboxByPath 根据路径获取文件夹
func (s *Store) FindMailboxByPath(ctx context.Context, path domain.MailboxPath) (*domain.Mailbox, error) {
	s.mu.RLock()
	id, ok := s.byPath[path]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	return s.GetMailbox(ctx, id)
}

// ListMailboxes 返回全部文件夹
func (s *Store) ListMailboxes(ctx context.Context) ([]domain.Mailbox, error) {
	return s.collect(func(domain.Mailbox) bool { return true }), nil
}

// ListUserMailboxes 返回某个用户的文件夹
func (s *Store) ListUserMailboxes(ctx context.Context, user domain.Username) ([]domain.Mailbox, error) {
	return s.collect(func(mb domain.Mailbox) bool { return mb.User == user }), nil
}

func (s *Store) collect(match func(domain.Mailbox) bool) []domain.Mailbox {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Mailbox, 0, len(s.mailboxes))
	for _, record := range s.mailboxes {
		if match(record.Mailbox) {
			result = append(result, record.Mailbox)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].User != result[j].User {
			return result[i].User < result[j].User
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// DeleteMailbox 删除文件夹目录
func (s *Store) DeleteMailbox(ctx context.Context, id domain.MailboxID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	dir, err := s.mailboxPath(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete mailbox directory: %w", err)
	}
	delete(s.byPath, record.Mailbox.Path())
	delete(s.mailboxes, id)
	return nil
}

// ========== 邮件 ==========

// AppendMessage 保存原始内容与元数据
func (s *Store) AppendMessage(ctx context.Context, mailboxID domain.MailboxID, content io.Reader, flags domain.Flags, internalDate time.Time) (*domain.MailboxMessage, error) {
	if _, err := s.GetMailbox(ctx, mailboxID); err != nil {
		return nil, err
	}

	msg, body, err := s.factory.Build(content, internalDate)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.mailboxes[mailboxID]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	uid, modSeq := record.NextUID, record.ModSeq+1

	dir, err := s.messagePath(mailboxID, uid)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, dirPermission); err != nil {
		return nil, fmt.Errorf("failed to create message directory: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, rawFile), body.Reader()); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write raw message: %w", err)
	}

	meta := &messageRecord{
		MessageID:      msg.ID,
		UID:            uid,
		ModSeq:         modSeq,
		Flags:          domain.NewFlags(flags...),
		InternalDate:   msg.InternalDate,
		Size:           msg.Size(),
		BodyStartOctet: msg.BodyStartOctet,
		Properties:     msg.Properties,
		AttachmentIDs:  msg.AttachmentIDs,
	}
	if err := s.commitLocked(record, dir, meta); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return s.loadMessage(mailboxID, uid)
}

// CopyMessage 复制邮件；原始文件优先使用硬链接共享
func (s *Store) CopyMessage(ctx context.Context, from domain.MailboxID, uid domain.MessageUID, to domain.MailboxID) (*domain.MailboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mailboxes[from]; !ok {
		return nil, storage.ErrMailboxNotFound
	}
	target, ok := s.mailboxes[to]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}

	sourceDir, err := s.messagePath(from, uid)
	if err != nil {
		return nil, err
	}
	var meta messageRecord
	if err := readJSON(filepath.Join(sourceDir, metadataFile), &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	newUID := target.NextUID
	targetDir, err := s.messagePath(to, newUID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(targetDir, dirPermission); err != nil {
		return nil, fmt.Errorf("failed to create message directory: %w", err)
	}
	if err := linkOrCopy(filepath.Join(sourceDir, rawFile), filepath.Join(targetDir, rawFile)); err != nil {
		os.RemoveAll(targetDir)
		return nil, fmt.Errorf("failed to copy raw message: %w", err)
	}

	meta.UID = newUID
	meta.ModSeq = target.ModSeq + 1
	if err := s.commitLocked(target, targetDir, &meta); err != nil {
		os.RemoveAll(targetDir)
		return nil, err
	}
	return s.loadMessage(to, newUID)
}

// commitLocked 写入邮件元数据并推进文件夹计数器
func (s *Store) commitLocked(record *mailboxRecord, dir string, meta *messageRecord) error {
	if err := writeJSON(filepath.Join(dir, metadataFile), meta); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	updated := *record
	updated.NextUID = meta.UID + 1
	updated.ModSeq = meta.ModSeq
	if err := s.writeMailboxLocked(&updated); err != nil {
		return err
	}
	*record = updated
	return nil
}

// ListMessages 按 UID 升序枚举，每次读取一个 metadata.json
func (s *Store) ListMessages(ctx context.Context, mailboxID domain.MailboxID, visit storage.MessageVisitor) error {
	s.mu.RLock()
	_, ok := s.mailboxes[mailboxID]
	s.mu.RUnlock()
	if !ok {
		return storage.ErrMailboxNotFound
	}

	uids, err := s.listUIDs(mailboxID)
	if err != nil {
		return err
	}
	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return err
		}
		meta, err := s.readMetadata(mailboxID, uid)
		if errors.Is(err, storage.ErrMessageNotFound) {
			// 枚举期间被删除
			continue
		}
		if err != nil {
			return err
		}
		if err := visit(meta.toMetadata(mailboxID)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) listUIDs(mailboxID domain.MailboxID) ([]domain.MessageUID, error) {
	dir, err := s.mailboxPath(mailboxID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, messagesDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	uids := make([]domain.MessageUID, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		uid, err := domain.ParseMessageUID(entry.Name())
		if err != nil {
			continue
		}
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// GetMessage 读取完整邮件
func (s *Store) GetMessage(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) (*domain.MailboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.mailboxes[mailboxID]; !ok {
		return nil, storage.ErrMailboxNotFound
	}
	return s.loadMessage(mailboxID, uid)
}

// GetMessagesByID 扫描全部文件夹查找同一内容的实例
func (s *Store) GetMessagesByID(ctx context.Context, id domain.MessageID) ([]*domain.MailboxMessage, error) {
	mailboxes, _ := s.ListMailboxes(ctx)

	result := make([]*domain.MailboxMessage, 0)
	for _, mb := range mailboxes {
		err := s.ListMessages(ctx, mb.ID, func(md domain.MessageMetadata) error {
			if md.MessageID != id {
				return nil
			}
			msg, err := s.GetMessage(ctx, mb.ID, md.UID)
			if err != nil {
				return err
			}
			result = append(result, msg)
			return nil
		})
		if err != nil && !errors.Is(err, storage.ErrMailboxNotFound) && !errors.Is(err, storage.ErrMessageNotFound) {
			return nil, err
		}
	}
	return result, nil
}

// SetFlags 替换标记
func (s *Store) SetFlags(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID, flags domain.Flags) (*domain.MessageMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.mailboxes[mailboxID]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	meta, err := s.readMetadata(mailboxID, uid)
	if err != nil {
		return nil, err
	}
	dir, err := s.messagePath(mailboxID, uid)
	if err != nil {
		return nil, err
	}

	meta.Flags = domain.NewFlags(flags...)
	meta.ModSeq = record.ModSeq + 1
	if err := writeJSON(filepath.Join(dir, metadataFile), meta); err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}
	updated := *record
	updated.ModSeq = meta.ModSeq
	if err := s.writeMailboxLocked(&updated); err != nil {
		return nil, err
	}
	*record = updated

	md := meta.toMetadata(mailboxID)
	return &md, nil
}

// DeleteMessage 删除邮件目录
func (s *Store) DeleteMessage(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.mailboxes[mailboxID]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	dir, err := s.messagePath(mailboxID, uid)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return storage.ErrMessageNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	updated := *record
	updated.ModSeq++
	if err := s.writeMailboxLocked(&updated); err != nil {
		return err
	}
	*record = updated
	return nil
}

// Health 检查根目录可写
func (s *Store) Health(ctx context.Context) error {
	f, err := os.CreateTemp(s.basePath, tempFilePattern)
	if err != nil {
		return fmt.Errorf("storage directory not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Close 文件系统存储没有需要释放的资源
func (s *Store) Close() error {
	return nil
}

// ========== 辅助方法 ==========

func (s *Store) mailboxPath(id domain.MailboxID) (string, error) {
	return s.platformUtils.JoinPath(s.basePath, mailboxesDir, id.String())
}

func (s *Store) messagePath(id domain.MailboxID, uid domain.MessageUID) (string, error) {
	return s.platformUtils.JoinPath(s.basePath, mailboxesDir, id.String(), messagesDir, strconv.FormatUint(uint64(uid), 10))
}

func (s *Store) writeMailboxLocked(record *mailboxRecord) error {
	dir, err := s.mailboxPath(record.Mailbox.ID)
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, mailboxFile), record); err != nil {
		return fmt.Errorf("failed to write mailbox: %w", err)
	}
	return nil
}

func (s *Store) readMetadata(mailboxID domain.MailboxID, uid domain.MessageUID) (*messageRecord, error) {
	dir, err := s.messagePath(mailboxID, uid)
	if err != nil {
		return nil, err
	}
	var meta messageRecord
	if err := readJSON(filepath.Join(dir, metadataFile), &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	return &meta, nil
}

func (s *Store) loadMessage(mailboxID domain.MailboxID, uid domain.MessageUID) (*domain.MailboxMessage, error) {
	meta, err := s.readMetadata(mailboxID, uid)
	if err != nil {
		return nil, err
	}
	dir, err := s.messagePath(mailboxID, uid)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, rawFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to read raw message: %w", err)
	}

	msg := storage.Rebuild(meta.MessageID, meta.InternalDate, raw, meta.BodyStartOctet, meta.Properties, meta.AttachmentIDs)
	return domain.NewMailboxMessage(mailboxID, msg, meta.Flags).CopyTo(mailboxID, meta.UID, meta.ModSeq), nil
}

func (m *messageRecord) toMetadata(mailboxID domain.MailboxID) domain.MessageMetadata {
	return domain.MessageMetadata{
		MailboxID:    mailboxID,
		UID:          m.UID,
		ModSeq:       m.ModSeq,
		Flags:        m.Flags,
		MessageID:    m.MessageID,
		Size:         m.Size,
		InternalDate: m.InternalDate,
	}
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, bytes.NewReader(data))
}

// writeAtomic 先写临时文件再重命名，读者不会看到写了一半的文件
func writeAtomic(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), filePermission); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeAtomic(dst, in)
}
