package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"mailindex/backend/internal/config"
	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/storage"
)

// listBatchSize 无 pgx 连接池时按 UID 分页枚举的批大小
const listBatchSize = 500

// Store 关系型数据库存储实现（PostgreSQL 或 MySQL）
type Store struct {
	db      *gorm.DB
	client  *Client
	factory *storage.MessageFactory
	log     *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore 按驱动类型创建存储。PostgreSQL 额外建立 pgx 连接池用于流式枚举。
func NewStore(ctx context.Context, cfg config.DatabaseConfig, factory *storage.MessageFactory, log *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres", "":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	store, err := NewStoreWithDialector(dialector, cfg, factory, log)
	if err != nil {
		return nil, err
	}
	if cfg.Driver != "mysql" {
		client, err := NewClient(ctx, cfg, log)
		if err != nil {
			store.Close()
			return nil, err
		}
		store.client = client
	}
	return store, nil
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, cfg config.DatabaseConfig, factory *storage.MessageFactory, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		TranslateError: true,
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &Store{db: db, factory: factory, log: log}
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&mailboxModel{},
		&messageContentModel{},
		&mailboxMessageModel{},
	)
}

// ========== Mailbox Repository ==========

// CreateMailbox 创建文件夹
func (s *Store) CreateMailbox(ctx context.Context, path domain.MailboxPath) (*domain.Mailbox, error) {
	model := &mailboxModel{Mailbox: *domain.NewMailbox(path), NextUID: 1}
	err := s.db.WithContext(ctx).Create(model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("%w: %s", storage.ErrMailboxExists, path)
	}
	if err != nil {
		return nil, err
	}
	return &model.Mailbox, nil
}

// GetMailbox 根据 ID 获取文件夹
func (s *Store) GetMailbox(ctx context.Context, id domain.MailboxID) (*domain.Mailbox, error) {
	var model mailboxModel
	err := s.db.WithContext(ctx).Where(map[string]any{"id": id.String()}).First(&model).Error
	if err != nil {
		return nil, mapNotFound(err, storage.ErrMailboxNotFound)
	}
	return &model.Mailbox, nil
}

// FindMailboxByPath 根据路径获取文件夹
func (s *Store) FindMailboxByPath(ctx context.Context, path domain.MailboxPath) (*domain.Mailbox, error) {
	var model mailboxModel
	err := s.db.WithContext(ctx).
		Where(map[string]any{"namespace": path.Namespace, "user": string(path.User), "name": path.Name}).
		First(&model).Error
	if err != nil {
		return nil, mapNotFound(err, storage.ErrMailboxNotFound)
	}
	return &model.Mailbox, nil
}

// ListMailboxes 返回全部文件夹
func (s *Store) ListMailboxes(ctx context.Context) ([]domain.Mailbox, error) {
	return s.findMailboxes(s.db.WithContext(ctx))
}

// ListUserMailboxes 返回某个用户的文件夹
func (s *Store) ListUserMailboxes(ctx context.Context, user domain.Username) ([]domain.Mailbox, error) {
	return s.findMailboxes(s.db.WithContext(ctx).Where(map[string]any{"user": string(user)}))
}

func (s *Store) findMailboxes(query *gorm.DB) ([]domain.Mailbox, error) {
	var models []mailboxModel
	if err := query.Order(clause.OrderByColumn{Column: clause.Column{Name: "user"}}).Order("name").Find(&models).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Mailbox, 0, len(models))
	for _, m := range models {
		result = append(result, m.Mailbox)
	}
	return result, nil
}

// DeleteMailbox 删除文件夹、其中的实例以及不再被引用的内容
func (s *Store) DeleteMailbox(ctx context.Context, id domain.MailboxID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockMailbox(tx, id); err != nil {
			return err
		}

		var messageIDs []string
		if err := tx.Model(&mailboxMessageModel{}).Where("mailbox_id = ?", id.String()).
			Distinct().Pluck("message_id", &messageIDs).Error; err != nil {
			return err
		}
		if err := tx.Where("mailbox_id = ?", id.String()).Delete(&mailboxMessageModel{}).Error; err != nil {
			return err
		}
		if err := deleteOrphanContents(tx, messageIDs...); err != nil {
			return err
		}
		return tx.Where(map[string]any{"id": id.String()}).Delete(&mailboxModel{}).Error
	})
}

// ========== Message Repository ==========

// AppendMessage 写入内容与实例，分配 UID 与 modseq
func (s *Store) AppendMessage(ctx context.Context, mailboxID domain.MailboxID, content io.Reader, flags domain.Flags, internalDate time.Time) (*domain.MailboxMessage, error) {
	if _, err := s.GetMailbox(ctx, mailboxID); err != nil {
		return nil, err
	}

	msg, body, err := s.factory.Build(content, internalDate)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	contentModel, err := newContentModel(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare message content: %w", err)
	}
	// 内容行持有独立的字节副本，缓冲可以随即释放
	stored, err := contentModel.toMessage()
	if err != nil {
		return nil, err
	}

	var row *mailboxMessageModel
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(contentModel).Error; err != nil {
			return err
		}
		row, err = s.insertInstance(tx, mailboxID, contentModel, domain.NewFlags(flags...))
		return err
	})
	if err != nil {
		return nil, err
	}
	return toMailboxMessage(row, stored), nil
}

// CopyMessage 在目标文件夹中新建一个引用同一内容的实例
func (s *Store) CopyMessage(ctx context.Context, from domain.MailboxID, uid domain.MessageUID, to domain.MailboxID) (*domain.MailboxMessage, error) {
	var row *mailboxMessageModel
	var content messageContentModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(map[string]any{"id": from.String()}).First(&mailboxModel{}).Error; err != nil {
			return mapNotFound(err, storage.ErrMailboxNotFound)
		}
		source, err := findInstance(tx, from, uid)
		if err != nil {
			return err
		}
		if err := tx.Where("id = ?", source.MessageID).First(&content).Error; err != nil {
			return mapNotFound(err, storage.ErrMessageNotFound)
		}
		row, err = s.insertInstance(tx, to, &content, domain.ParseFlags(source.Flags))
		return err
	})
	if err != nil {
		return nil, err
	}
	msg, err := content.toMessage()
	if err != nil {
		return nil, err
	}
	return toMailboxMessage(row, msg), nil
}

func (s *Store) insertInstance(tx *gorm.DB, mailboxID domain.MailboxID, content *messageContentModel, flags domain.Flags) (*mailboxMessageModel, error) {
	mailbox, err := lockMailbox(tx, mailboxID)
	if err != nil {
		return nil, err
	}
	row := &mailboxMessageModel{
		MailboxID:    mailboxID.String(),
		UID:          mailbox.NextUID,
		MessageID:    content.ID,
		ModSeq:       mailbox.HighestModSeq + 1,
		Flags:        flags.String(),
		Size:         content.Size,
		InternalDate: content.InternalDate,
	}
	if err := tx.Create(row).Error; err != nil {
		return nil, err
	}
	if err := bumpCounters(tx, mailboxID, map[string]any{
		"next_uid":        row.UID + 1,
		"highest_mod_seq": row.ModSeq,
	}); err != nil {
		return nil, err
	}
	return row, nil
}

// ListMessages 按 UID 升序枚举元数据。PostgreSQL 下通过 pgx 游标流式读取。
func (s *Store) ListMessages(ctx context.Context, mailboxID domain.MailboxID, visit storage.MessageVisitor) error {
	if _, err := s.GetMailbox(ctx, mailboxID); err != nil {
		return err
	}
	if s.client != nil {
		return s.streamMessages(ctx, mailboxID, visit)
	}
	return s.pageMessages(ctx, mailboxID, visit)
}

func (s *Store) streamMessages(ctx context.Context, mailboxID domain.MailboxID, visit storage.MessageVisitor) error {
	rows, err := s.client.Pool().Query(ctx,
		`SELECT uid, message_id, mod_seq, flags, size, internal_date
		   FROM mailbox_messages WHERE mailbox_id = $1 ORDER BY uid`, mailboxID.String())
	if err != nil {
		return fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		row := mailboxMessageModel{MailboxID: mailboxID.String()}
		var uid int64
		var modSeq int64
		if err := rows.Scan(&uid, &row.MessageID, &modSeq, &row.Flags, &row.Size, &row.InternalDate); err != nil {
			return fmt.Errorf("failed to scan message: %w", err)
		}
		row.UID = uint32(uid)
		row.ModSeq = uint64(modSeq)
		if err := visit(row.toMetadata()); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) pageMessages(ctx context.Context, mailboxID domain.MailboxID, visit storage.MessageVisitor) error {
	var after uint32
	for {
		var batch []mailboxMessageModel
		err := s.db.WithContext(ctx).
			Where("mailbox_id = ? AND uid > ?", mailboxID.String(), after).
			Order("uid").Limit(listBatchSize).Find(&batch).Error
		if err != nil {
			return fmt.Errorf("failed to query messages: %w", err)
		}
		for i := range batch {
			if err := visit(batch[i].toMetadata()); err != nil {
				return err
			}
		}
		if len(batch) < listBatchSize {
			return nil
		}
		after = batch[len(batch)-1].UID
	}
}

// GetMessage 读取完整邮件
func (s *Store) GetMessage(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) (*domain.MailboxMessage, error) {
	db := s.db.WithContext(ctx)
	row, err := findInstance(db, mailboxID, uid)
	if errors.Is(err, storage.ErrMessageNotFound) {
		if _, mbErr := s.GetMailbox(ctx, mailboxID); mbErr != nil {
			return nil, mbErr
		}
	}
	if err != nil {
		return nil, err
	}
	msg, err := s.loadContent(db, row.MessageID)
	if err != nil {
		return nil, err
	}
	return toMailboxMessage(row, msg), nil
}

// GetMessagesByID 返回同一内容在各文件夹中的实例
func (s *Store) GetMessagesByID(ctx context.Context, id domain.MessageID) ([]*domain.MailboxMessage, error) {
	db := s.db.WithContext(ctx)
	var rows []mailboxMessageModel
	if err := db.Where("message_id = ?", id.String()).Order("mailbox_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]*domain.MailboxMessage, 0, len(rows))
	if len(rows) == 0 {
		return result, nil
	}
	msg, err := s.loadContent(db, id.String())
	if errors.Is(err, storage.ErrMessageNotFound) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	for i := range rows {
		result = append(result, toMailboxMessage(&rows[i], msg))
	}
	return result, nil
}

// SetFlags 替换标记并递增 modseq
func (s *Store) SetFlags(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID, flags domain.Flags) (*domain.MessageMetadata, error) {
	var row *mailboxMessageModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mailbox, err := lockMailbox(tx, mailboxID)
		if err != nil {
			return err
		}
		row, err = findInstance(tx, mailboxID, uid)
		if err != nil {
			return err
		}
		row.Flags = domain.NewFlags(flags...).String()
		row.ModSeq = mailbox.HighestModSeq + 1
		if err := tx.Model(&mailboxMessageModel{}).
			Where("mailbox_id = ? AND uid = ?", mailboxID.String(), uint32(uid)).
			Updates(map[string]any{"flags": row.Flags, "mod_seq": row.ModSeq}).Error; err != nil {
			return err
		}
		return bumpCounters(tx, mailboxID, map[string]any{"highest_mod_seq": row.ModSeq})
	})
	if err != nil {
		return nil, err
	}
	md := row.toMetadata()
	return &md, nil
}

// DeleteMessage 删除实例，内容不再被引用时一并删除
func (s *Store) DeleteMessage(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mailbox, err := lockMailbox(tx, mailboxID)
		if err != nil {
			return err
		}
		row, err := findInstance(tx, mailboxID, uid)
		if err != nil {
			return err
		}
		if err := tx.Where("mailbox_id = ? AND uid = ?", mailboxID.String(), uint32(uid)).
			Delete(&mailboxMessageModel{}).Error; err != nil {
			return err
		}
		if err := deleteOrphanContents(tx, row.MessageID); err != nil {
			return err
		}
		return bumpCounters(tx, mailboxID, map[string]any{"highest_mod_seq": mailbox.HighestModSeq + 1})
	})
}

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return err
	}
	if s.client != nil {
		return s.client.Ping(ctx)
	}
	return nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ========== 辅助方法 ==========

func (s *Store) loadContent(db *gorm.DB, messageID string) (*domain.Message, error) {
	var content messageContentModel
	if err := db.Where("id = ?", messageID).First(&content).Error; err != nil {
		return nil, mapNotFound(err, storage.ErrMessageNotFound)
	}
	msg, err := content.toMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", messageID, err)
	}
	return msg, nil
}

// lockMailbox 在事务内锁定文件夹行，串行化计数器分配
func lockMailbox(tx *gorm.DB, id domain.MailboxID) (*mailboxModel, error) {
	var model mailboxModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(map[string]any{"id": id.String()}).First(&model).Error
	if err != nil {
		return nil, mapNotFound(err, storage.ErrMailboxNotFound)
	}
	return &model, nil
}

func findInstance(db *gorm.DB, mailboxID domain.MailboxID, uid domain.MessageUID) (*mailboxMessageModel, error) {
	var row mailboxMessageModel
	err := db.Where("mailbox_id = ? AND uid = ?", mailboxID.String(), uint32(uid)).First(&row).Error
	if err != nil {
		return nil, mapNotFound(err, storage.ErrMessageNotFound)
	}
	return &row, nil
}

func bumpCounters(tx *gorm.DB, id domain.MailboxID, updates map[string]any) error {
	return tx.Model(&mailboxModel{}).Where(map[string]any{"id": id.String()}).Updates(updates).Error
}

func deleteOrphanContents(tx *gorm.DB, messageIDs ...string) error {
	for _, id := range messageIDs {
		var remaining int64
		if err := tx.Model(&mailboxMessageModel{}).Where("message_id = ?", id).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining > 0 {
			continue
		}
		if err := tx.Where("id = ?", id).Delete(&messageContentModel{}).Error; err != nil {
			return err
		}
	}
	return nil
}

func mapNotFound(err, notFound error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound
	}
	return err
}
