package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/mime"
	"mailindex/backend/internal/storage"
)

// mailboxState 单个文件夹的邮件与计数器
type mailboxState struct {
	mailbox  domain.Mailbox
	nextUID  domain.MessageUID
	modSeq   domain.ModSeq
	messages map[domain.MessageUID]*domain.MailboxMessage
}

// Store 使用内存保存邮箱文件夹与邮件，主要用于开发验证和测试。
type Store struct {
	mu        sync.RWMutex
	mailboxes map[domain.MailboxID]*mailboxState
	byPath    map[domain.MailboxPath]domain.MailboxID
	// 同一内容的所有实例：messageID -> mailboxID -> uid
	instances map[domain.MessageID]map[domain.MailboxID]domain.MessageUID
	bodies    map[domain.MessageID]*mime.BufferedBody

	factory *storage.MessageFactory
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建一个内存存储实例。
func NewStore(factory *storage.MessageFactory) *Store {
	return &Store{
		mailboxes: make(map[domain.MailboxID]*mailboxState),
		byPath:    make(map[domain.MailboxPath]domain.MailboxID),
		instances: make(map[domain.MessageID]map[domain.MailboxID]domain.MessageUID),
		bodies:    make(map[domain.MessageID]*mime.BufferedBody),
		factory:   factory,
	}
}

// CreateMailbox 创建文件夹，路径重复时返回 ErrMailboxExists。
func (s *Store) CreateMailbox(ctx context.Context, path domain.MailboxPath) (*domain.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPath[path]; ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrMailboxExists, path)
	}
	mailbox := domain.NewMailbox(path)
	s.mailboxes[mailbox.ID] = &mailboxState{
		mailbox:  *mailbox,
		nextUID:  1,
		messages: make(map[domain.MessageUID]*domain.MailboxMessage),
	}
	s.byPath[path] = mailbox.ID
	copied := *mailbox
	return &copied, nil
}

// GetMailbox 根据 ID 获取文件夹。
func (s *Store) GetMailbox(ctx context.Context, id domain.MailboxID) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.mailboxes[id]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	mailbox := state.mailbox
	return &mailbox, nil
}

// FindMailboxByPath 根据路径获取文件夹。
func (s *Store) FindMailboxByPath(ctx context.Context, path domain.MailboxPath) (*domain.Mailbox, error) {
	s.mu.RLock()
	id, ok := s.byPath[path]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	return s.GetMailbox(ctx, id)
}

// ListMailboxes 返回全部文件夹的快照，按用户与名称排序。
func (s *Store) ListMailboxes(ctx context.Context) ([]domain.Mailbox, error) {
	return s.collectMailboxes(func(domain.Mailbox) bool { return true }), nil
}

// ListUserMailboxes 返回某个用户的文件夹。
func (s *Store) ListUserMailboxes(ctx context.Context, user domain.Username) ([]domain.Mailbox, error) {
	return s.collectMailboxes(func(mb domain.Mailbox) bool { return mb.User == user }), nil
}

func (s *Store) collectMailboxes(match func(domain.Mailbox) bool) []domain.Mailbox {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Mailbox, 0, len(s.mailboxes))
	for _, state := range s.mailboxes {
		if match(state.mailbox) {
			result = append(result, state.mailbox)
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

// DeleteMailbox 删除文件夹及其中的全部邮件。
func (s *Store) DeleteMailbox(ctx context.Context, id domain.MailboxID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	for uid := range state.messages {
		s.removeMessageLocked(state, uid)
	}
	delete(s.byPath, state.mailbox.Path())
	delete(s.mailboxes, id)
	return nil
}

// AppendMessage 写入一封新邮件并分配 UID 与 modseq。
func (s *Store) AppendMessage(ctx context.Context, mailboxID domain.MailboxID, content io.Reader, flags domain.Flags, internalDate time.Time) (*domain.MailboxMessage, error) {
	s.mu.RLock()
	_, ok := s.mailboxes[mailboxID]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}

	// 解析放在锁外，大邮件不阻塞其他读者
	msg, body, err := s.factory.Build(content, internalDate)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.mailboxes[mailboxID]
	if !ok {
		body.Close()
		return nil, storage.ErrMailboxNotFound
	}
	s.bodies[msg.ID] = body
	stored := s.insertLocked(state, domain.NewMailboxMessage(mailboxID, msg, flags))
	return snapshot(stored), nil
}

// CopyMessage 把邮件复制到另一个文件夹，内容共享。
func (s *Store) CopyMessage(ctx context.Context, from domain.MailboxID, uid domain.MessageUID, to domain.MailboxID) (*domain.MailboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.mailboxes[from]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	target, ok := s.mailboxes[to]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	original, ok := source.messages[uid]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	stored := s.insertLocked(target, original)
	return snapshot(stored), nil
}

func (s *Store) insertLocked(state *mailboxState, msg *domain.MailboxMessage) *domain.MailboxMessage {
	state.modSeq++
	stored := msg.CopyTo(state.mailbox.ID, state.nextUID, state.modSeq)
	state.nextUID++
	state.messages[stored.UID] = stored

	refs, ok := s.instances[stored.ID]
	if !ok {
		refs = make(map[domain.MailboxID]domain.MessageUID)
		s.instances[stored.ID] = refs
	}
	refs[state.mailbox.ID] = stored.UID
	return stored
}

// ListMessages 按 UID 升序枚举元数据。回调在锁外执行，看到的是调用时刻的快照。
func (s *Store) ListMessages(ctx context.Context, mailboxID domain.MailboxID, visit storage.MessageVisitor) error {
	s.mu.RLock()
	state, ok := s.mailboxes[mailboxID]
	if !ok {
		s.mu.RUnlock()
		return storage.ErrMailboxNotFound
	}
	metadata := make([]domain.MessageMetadata, 0, len(state.messages))
	for _, msg := range state.messages {
		metadata = append(metadata, msg.Metadata())
	}
	s.mu.RUnlock()

	sort.Slice(metadata, func(i, j int) bool { return metadata[i].UID < metadata[j].UID })
	for _, md := range metadata {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := visit(md); err != nil {
			return err
		}
	}
	return nil
}

// GetMessage 获取单封邮件。
func (s *Store) GetMessage(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) (*domain.MailboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.mailboxes[mailboxID]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	msg, ok := state.messages[uid]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	return snapshot(msg), nil
}

// GetMessagesByID 返回该内容在各文件夹中的实例。
func (s *Store) GetMessagesByID(ctx context.Context, id domain.MessageID) ([]*domain.MailboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := s.instances[id]
	result := make([]*domain.MailboxMessage, 0, len(refs))
	for mailboxID, uid := range refs {
		if state, ok := s.mailboxes[mailboxID]; ok {
			if msg, ok := state.messages[uid]; ok {
				result = append(result, snapshot(msg))
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MailboxID < result[j].MailboxID })
	return result, nil
}

// SetFlags 替换邮件标记并递增 modseq。
func (s *Store) SetFlags(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID, flags domain.Flags) (*domain.MessageMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.mailboxes[mailboxID]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	msg, ok := state.messages[uid]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	state.modSeq++
	updated := msg.CopyTo(mailboxID, uid, state.modSeq)
	updated.Flags = domain.NewFlags(flags...)
	state.messages[uid] = updated
	md := updated.Metadata()
	return &md, nil
}

// DeleteMessage 删除单封邮件。
func (s *Store) DeleteMessage(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.mailboxes[mailboxID]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	if _, ok := state.messages[uid]; !ok {
		return storage.ErrMessageNotFound
	}
	s.removeMessageLocked(state, uid)
	state.modSeq++
	return nil
}

// removeMessageLocked 最后一个实例被删除时释放内容缓冲
func (s *Store) removeMessageLocked(state *mailboxState, uid domain.MessageUID) {
	msg := state.messages[uid]
	delete(state.messages, uid)

	refs := s.instances[msg.ID]
	delete(refs, state.mailbox.ID)
	if len(refs) == 0 {
		delete(s.instances, msg.ID)
		if body, ok := s.bodies[msg.ID]; ok {
			body.Close()
			delete(s.bodies, msg.ID)
		}
	}
}

// Health 内存存储始终可用
func (s *Store) Health(ctx context.Context) error {
	return nil
}

// Close 释放所有内容缓冲。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, body := range s.bodies {
		body.Close()
		delete(s.bodies, id)
	}
	return nil
}

func snapshot(msg *domain.MailboxMessage) *domain.MailboxMessage {
	return msg.CopyTo(msg.MailboxID, msg.UID, msg.ModSeq)
}
