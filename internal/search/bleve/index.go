// Package bleve 基于 bleve v2 的邮件检索索引
package bleve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/logger"
	"mailindex/backend/internal/search"
)

const (
	maxBatchSize = 64
	pageSize     = 500
)

// Hit 检索命中
type Hit struct {
	MailboxID domain.MailboxID
	UID       domain.MessageUID
}

// Index bleve 检索索引
type Index struct {
	index   bleve.Index
	builder *search.DocumentBuilder
	logger  *zap.Logger
}

var (
	_ search.Index          = (*Index)(nil)
	_ search.FlagsRetriever = (*Index)(nil)
)

// generateMapping 生成邮件文档映射
func generateMapping() mapping.IndexMapping {
	m := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	keywordField := bleve.NewKeywordFieldMapping()
	keywordField.Analyzer = keyword.Name
	keywordField.IncludeInAll = false
	doc.AddFieldMappingsAt("mailbox_id", keywordField)
	doc.AddFieldMappingsAt("message_id", keywordField)
	doc.AddFieldMappingsAt("attachment_types", keywordField)

	storedKeyword := bleve.NewKeywordFieldMapping()
	storedKeyword.Analyzer = keyword.Name
	storedKeyword.Store = true
	storedKeyword.IncludeInAll = false
	doc.AddFieldMappingsAt("flags", storedKeyword)

	numeric := bleve.NewNumericFieldMapping()
	numeric.IncludeInAll = false
	doc.AddFieldMappingsAt("uid", numeric)
	doc.AddFieldMappingsAt("modseq", numeric)
	doc.AddFieldMappingsAt("size", numeric)

	date := bleve.NewDateTimeFieldMapping()
	date.IncludeInAll = false
	doc.AddFieldMappingsAt("internal_date", date)

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.Store = false
	doc.AddFieldMappingsAt("subject", text)
	doc.AddFieldMappingsAt("from", text)
	doc.AddFieldMappingsAt("to", text)
	doc.AddFieldMappingsAt("text", text)
	doc.AddFieldMappingsAt("attachments", text)

	m.AddDocumentMapping(search.DocType, doc)
	m.DefaultMapping = bleve.NewDocumentDisabledMapping()
	m.DefaultAnalyzer = standard.Name
	return m
}

// NewMemoryIndex 创建内存索引
func NewMemoryIndex(builder *search.DocumentBuilder, log *zap.Logger) (*Index, error) {
	idx, err := bleve.NewMemOnly(generateMapping())
	if err != nil {
		return nil, err
	}
	return &Index{index: idx, builder: builder, logger: logger.OrNop(log)}, nil
}

// Open 打开磁盘索引，目录不存在时创建
func Open(path string, builder *search.DocumentBuilder, log *zap.Logger) (*Index, error) {
	log = logger.OrNop(log)
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o755); err != nil {
			return nil, err
		}
		log.Info("Creating search index", zap.String("path", path))
		idx, err = bleve.New(path, generateMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open search index %s: %w", path, err)
	}
	return &Index{index: idx, builder: builder, logger: log}, nil
}

// DocumentID 索引文档 ID
func DocumentID(mailboxID domain.MailboxID, uid domain.MessageUID) string {
	return mailboxID.String() + ":" + uid.String()
}

// Add 添加或覆盖邮件条目
func (i *Index) Add(ctx context.Context, _ domain.MailboxSession, mailbox *domain.Mailbox, msg *domain.MailboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := i.builder.Build(msg)
	if err != nil {
		return fmt.Errorf("build document %s: %w", DocumentID(mailbox.ID, msg.UID), err)
	}
	doc.MailboxID = mailbox.ID.String()
	return i.index.Index(DocumentID(mailbox.ID, msg.UID), doc)
}

// DeleteAll 删除文件夹下的全部条目
func (i *Index) DeleteAll(ctx context.Context, _ domain.MailboxSession, mailbox *domain.Mailbox) error {
	for {
		ids, err := i.documentIDs(ctx, mailboxQuery(mailbox.ID), 0, pageSize)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		batch := i.index.NewBatch()
		for _, id := range ids {
			batch.Delete(id)
			if batch.Size() >= maxBatchSize {
				if err := i.index.Batch(batch); err != nil {
					return err
				}
				batch.Reset()
			}
		}
		if batch.Size() > 0 {
			if err := i.index.Batch(batch); err != nil {
				return err
			}
		}
	}
}

// RetrieveIndexedFlags 读取已索引的标记
func (i *Index) RetrieveIndexedFlags(ctx context.Context, mailbox *domain.Mailbox, uid domain.MessageUID) (domain.Flags, bool, error) {
	req := bleve.NewSearchRequestOptions(bleve.NewDocIDQuery([]string{DocumentID(mailbox.ID, uid)}), 1, 0, false)
	req.Fields = []string{"flags"}
	res, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if len(res.Hits) == 0 {
		return nil, false, nil
	}

	var flags []string
	switch v := res.Hits[0].Fields["flags"].(type) {
	case string:
		flags = []string{v}
	case []interface{}:
		for _, f := range v {
			if s, ok := f.(string); ok {
				flags = append(flags, s)
			}
		}
	}
	return domain.NewFlags(flags...), true, nil
}

// Search 在文件夹内全文检索，mailboxID 为空时检索全部
func (i *Index) Search(ctx context.Context, mailboxID domain.MailboxID, text string, limit int) ([]Hit, error) {
	var q query.Query = bleve.NewMatchAllQuery()
	if text != "" {
		q = bleve.NewQueryStringQuery(text)
	}
	if mailboxID != "" {
		q = bleve.NewConjunctionQuery(mailboxQuery(mailboxID), q)
	}
	ids, err := i.documentIDs(ctx, q, 0, limit)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(ids))
	for _, id := range ids {
		hit, err := parseDocumentID(id)
		if err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Count 文件夹内的条目数
func (i *Index) Count(ctx context.Context, mailboxID domain.MailboxID) (uint64, error) {
	req := bleve.NewSearchRequestOptions(mailboxQuery(mailboxID), 0, 0, false)
	res, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return 0, err
	}
	return res.Total, nil
}

// Health 检查索引可用
func (i *Index) Health(_ context.Context) error {
	_, err := i.index.DocCount()
	return err
}

// Close 关闭索引
func (i *Index) Close() error {
	return i.index.Close()
}

func (i *Index) documentIDs(ctx context.Context, q query.Query, from, size int) ([]string, error) {
	req := bleve.NewSearchRequestOptions(q, size, from, false)
	req.SortBy([]string{"_id"})
	res, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

func mailboxQuery(id domain.MailboxID) query.Query {
	q := bleve.NewTermQuery(id.String())
	q.SetField("mailbox_id")
	return q
}

func parseDocumentID(id string) (Hit, error) {
	sep := strings.LastIndexByte(id, ':')
	if sep < 0 {
		return Hit{}, fmt.Errorf("malformed document id %q", id)
	}
	uid, err := domain.ParseMessageUID(id[sep+1:])
	if err != nil {
		return Hit{}, fmt.Errorf("malformed document id %q: %w", id, err)
	}
	return Hit{MailboxID: domain.MailboxID(id[:sep]), UID: uid}, nil
}
