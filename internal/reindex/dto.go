package reindex

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/task"
)

// AdditionalInformation 任务进度快照
type AdditionalInformation struct {
	Type                             task.Type
	MailboxID                        domain.MailboxID
	UID                              domain.MessageUID
	MessageID                        domain.MessageID
	Username                         domain.Username
	RunningOptions                   *RunningOptions
	SuccessfullyReprocessedMailCount int64
	FailedReprocessedMailCount       int64
	Failures                         Failures
	Timestamp                        time.Time
}

type mailboxFailuresDTO struct {
	MailboxID string   `json:"mailboxId"`
	UIDs      []uint32 `json:"uids"`
}

type additionalInformationDTO struct {
	Type                             task.Type            `json:"type,omitempty"`
	MailboxID                        string               `json:"mailboxId,omitempty"`
	UID                              uint32               `json:"uid,omitempty"`
	MessageID                        string               `json:"messageId,omitempty"`
	Username                         string               `json:"username,omitempty"`
	RunningOptions                   *RunningOptions      `json:"runningOptions,omitempty"`
	SuccessfullyReprocessedMailCount int64                `json:"successfullyReprocessedMailCount"`
	FailedReprocessedMailCount       int64                `json:"failedReprocessedMailCount"`
	MessageFailures                  []mailboxFailuresDTO `json:"messageFailures"`
	MailboxFailures                  []string             `json:"mailboxFailures"`
	Timestamp                        time.Time            `json:"timestamp"`

	// 旧格式
	LegacyFailures json.RawMessage `json:"failures,omitempty"`
}

// MarshalJSON 输出 messageFailures/mailboxFailures
func (a AdditionalInformation) MarshalJSON() ([]byte, error) {
	messages, mailboxes := failuresToDTO(a.Failures)
	return json.Marshal(additionalInformationDTO{
		Type:                             a.Type,
		MailboxID:                        a.MailboxID.String(),
		UID:                              uint32(a.UID),
		MessageID:                        a.MessageID.String(),
		Username:                         string(a.Username),
		RunningOptions:                   a.RunningOptions,
		SuccessfullyReprocessedMailCount: a.SuccessfullyReprocessedMailCount,
		FailedReprocessedMailCount:       a.FailedReprocessedMailCount,
		MessageFailures:                  messages,
		MailboxFailures:                  mailboxes,
		Timestamp:                        a.Timestamp,
	})
}

// UnmarshalJSON 同时接受旧格式的 failures 字段
func (a *AdditionalInformation) UnmarshalJSON(data []byte) error {
	var dto additionalInformationDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}

	failures, err := failuresFromDTO(dto.MessageFailures, dto.MailboxFailures)
	if err != nil {
		return err
	}
	if len(dto.LegacyFailures) > 0 {
		legacy, err := decodeLegacyFailures(dto.LegacyFailures)
		if err != nil {
			return err
		}
		failures = failures.Merge(legacy)
	}

	*a = AdditionalInformation{
		Type:                             dto.Type,
		MailboxID:                        domain.MailboxID(dto.MailboxID),
		UID:                              domain.MessageUID(dto.UID),
		MessageID:                        domain.MessageID(dto.MessageID),
		Username:                         domain.Username(dto.Username),
		RunningOptions:                   dto.RunningOptions,
		SuccessfullyReprocessedMailCount: dto.SuccessfullyReprocessedMailCount,
		FailedReprocessedMailCount:       dto.FailedReprocessedMailCount,
		Failures:                         failures,
		Timestamp:                        dto.Timestamp,
	}
	return nil
}

// DecodeAdditionalInformation 解析任务详情中的附加信息
func DecodeAdditionalInformation(data []byte) (AdditionalInformation, error) {
	var info AdditionalInformation
	if len(data) == 0 {
		return info, nil
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("%w: %w", ErrInvalidTaskPayload, err)
	}
	return info, nil
}

func failuresToDTO(f Failures) ([]mailboxFailuresDTO, []string) {
	messages := make([]mailboxFailuresDTO, 0)
	for _, id := range f.FailedMailboxIDs() {
		uids := f.UIDs(id)
		dto := mailboxFailuresDTO{MailboxID: id.String(), UIDs: make([]uint32, 0, len(uids))}
		for _, uid := range uids {
			dto.UIDs = append(dto.UIDs, uint32(uid))
		}
		messages = append(messages, dto)
	}
	mailboxes := make([]string, 0)
	for _, id := range f.MailboxFailures() {
		mailboxes = append(mailboxes, id.String())
	}
	return messages, mailboxes
}

func failuresFromDTO(messages []mailboxFailuresDTO, mailboxes []string) (Failures, error) {
	b := newFailuresBuilder()
	for _, m := range messages {
		id, err := domain.ParseMailboxID(m.MailboxID)
		if err != nil {
			return Failures{}, err
		}
		for _, uid := range m.UIDs {
			if uid == 0 {
				return Failures{}, fmt.Errorf("%w: 0", domain.ErrInvalidUID)
			}
			b.addMessage(id, domain.MessageUID(uid))
		}
	}
	for _, raw := range mailboxes {
		id, err := domain.ParseMailboxID(raw)
		if err != nil {
			return Failures{}, err
		}
		b.addMailbox(id)
	}
	return b.build(), nil
}

// decodeLegacyFailures 旧格式：[{mailboxId, uids}] 或 {mailboxId: [{uid}]}
func decodeLegacyFailures(raw json.RawMessage) (Failures, error) {
	var list []mailboxFailuresDTO
	if err := json.Unmarshal(raw, &list); err == nil {
		return failuresFromDTO(list, nil)
	}

	var byMailbox map[string][]struct {
		UID uint32 `json:"uid"`
	}
	if err := json.Unmarshal(raw, &byMailbox); err != nil {
		return Failures{}, fmt.Errorf("unsupported failures format: %w", err)
	}
	keys := make([]string, 0, len(byMailbox))
	for k := range byMailbox {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list = make([]mailboxFailuresDTO, 0, len(keys))
	for _, k := range keys {
		dto := mailboxFailuresDTO{MailboxID: k}
		for _, entry := range byMailbox[k] {
			dto.UIDs = append(dto.UIDs, entry.UID)
		}
		list = append(list, dto)
	}
	return failuresFromDTO(list, nil)
}

// taskDTO 任务的持久化形式
type taskDTO struct {
	Type                    task.Type            `json:"type"`
	MailboxID               string               `json:"mailboxId,omitempty"`
	UID                     uint32               `json:"uid,omitempty"`
	MessageID               string               `json:"messageId,omitempty"`
	Username                string               `json:"username,omitempty"`
	RunningOptions          *RunningOptions      `json:"runningOptions,omitempty"`
	PreviousMessageFailures []mailboxFailuresDTO `json:"previousMessageFailures,omitempty"`
	PreviousMailboxFailures []string             `json:"previousMailboxFailures,omitempty"`

	// 旧格式
	PreviousFailures json.RawMessage `json:"previousFailures,omitempty"`
}

// Codec 任务 JSON 编解码，解码出的任务绑定到同一个 Performer
type Codec struct {
	performer *Performer
}

// NewCodec 创建编解码器
func NewCodec(p *Performer) *Codec {
	return &Codec{performer: p}
}

// Encode 序列化任务
func (c *Codec) Encode(t *ReIndexingTask) ([]byte, error) {
	opts := t.opts
	dto := taskDTO{Type: t.Type(), RunningOptions: &opts}
	switch s := t.scope.(type) {
	case UserScope:
		dto.Username = string(s.User)
	case MailboxScope:
		dto.MailboxID = s.MailboxID.String()
	case MessageScope:
		dto.MailboxID = s.MailboxID.String()
		dto.UID = uint32(s.UID)
		dto.RunningOptions = nil
	case MessageIDScope:
		dto.MessageID = s.MessageID.String()
		dto.RunningOptions = nil
	case ErrorRecoveryScope:
		dto.PreviousMessageFailures, dto.PreviousMailboxFailures = failuresToDTO(s.Failures)
	}
	return json.Marshal(dto)
}

// Decode 反序列化任务；缺少 runningOptions 时使用默认参数
func (c *Codec) Decode(data []byte) (*ReIndexingTask, error) {
	var dto taskDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTaskPayload, err)
	}

	opts := DefaultRunningOptions()
	if dto.RunningOptions != nil {
		opts = *dto.RunningOptions
	}

	invalid := func(err error) (*ReIndexingTask, error) {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidTaskPayload, dto.Type, err)
	}

	switch dto.Type {
	case FullReindexingType:
		return NewFullReindexingTask(c.performer, opts), nil

	case UserReindexingType:
		user, err := domain.ParseUsername(dto.Username)
		if err != nil {
			return invalid(err)
		}
		return NewUserReindexingTask(c.performer, user, opts), nil

	case MailboxReindexingType:
		id, err := domain.ParseMailboxID(dto.MailboxID)
		if err != nil {
			return invalid(err)
		}
		return NewMailboxReindexingTask(c.performer, id, opts), nil

	case MessageReindexingType:
		id, err := domain.ParseMailboxID(dto.MailboxID)
		if err != nil {
			return invalid(err)
		}
		if dto.UID == 0 {
			return invalid(domain.ErrInvalidUID)
		}
		return NewMessageReindexingTask(c.performer, id, domain.MessageUID(dto.UID)), nil

	case MessageIDReindexingType:
		id, err := domain.ParseMessageID(dto.MessageID)
		if err != nil {
			return invalid(err)
		}
		return NewMessageIDReindexingTask(c.performer, id), nil

	case ErrorRecoveryType:
		failures, err := failuresFromDTO(dto.PreviousMessageFailures, dto.PreviousMailboxFailures)
		if err != nil {
			return invalid(err)
		}
		if len(dto.PreviousFailures) > 0 {
			legacy, err := decodeLegacyFailures(dto.PreviousFailures)
			if err != nil {
				return invalid(err)
			}
			failures = failures.Merge(legacy)
		}
		return NewErrorRecoveryTask(c.performer, failures, opts), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, dto.Type)
}
