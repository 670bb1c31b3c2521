package monitoring

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordHTTPRequest("GET", "/", "200", time.Millisecond)
		m.RecordReindexedMessage(OutcomeFailure, time.Millisecond)
		m.RecordMailboxFailure()
		m.TaskStarted("full-reindexing")
		m.TaskFinished("full-reindexing", "completed", time.Second)
		m.AttachmentParseFailed()
		m.RecordPanic()
	})
	assert.Zero(t, m.FailedMessages())
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.RecordReindexedMessage(OutcomeSuccess, time.Millisecond)
	m.RecordReindexedMessage(OutcomeFailure, time.Millisecond)
	m.RecordReindexedMessage(OutcomeFailure, time.Millisecond)
	m.RecordMailboxFailure()
	m.TaskStarted("full-reindexing")
	m.TaskFinished("full-reindexing", "partial", time.Second)

	out := scrape(t, m)
	assert.Contains(t, out, `mailindex_reindex_messages_total{outcome="success"} 1`)
	assert.Contains(t, out, `mailindex_reindex_messages_total{outcome="failure"} 2`)
	assert.Contains(t, out, "mailindex_reindex_mailbox_failures_total 1")
	assert.Contains(t, out, `mailindex_tasks_total{status="partial",type="full-reindexing"} 1`)
	assert.Contains(t, out, "mailindex_tasks_in_flight 0")
	assert.Equal(t, uint64(2), m.FailedMessages())
}

func TestMetrics_InstancesAreIndependent(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.AttachmentParseFailed()
	assert.Contains(t, scrape(t, a), "mailindex_attachment_parse_failures_total 1")
	assert.Contains(t, scrape(t, b), "mailindex_attachment_parse_failures_total 0")
}

type recordingReceiver struct {
	count atomic.Int32
}

func (r *recordingReceiver) SendAlert(*Alert) error {
	r.count.Add(1)
	return nil
}

func TestAlertManager_TriggerAndResolve(t *testing.T) {
	am := NewAlertManager(nil)
	receiver := &recordingReceiver{}
	am.AddReceiver(receiver)

	var failing atomic.Bool
	failing.Store(true)
	am.AddRule(ComponentHealthRule("storage", func(context.Context) error {
		if failing.Load() {
			return errors.New("down")
		}
		return nil
	}))

	am.CheckRules(context.Background())
	am.CheckRules(context.Background())
	assert.Equal(t, int32(1), receiver.count.Load())
	require.Len(t, am.GetActiveAlerts(), 1)
	assert.Equal(t, AlertLevelCritical, am.GetActiveAlerts()[0].Level)

	failing.Store(false)
	am.CheckRules(context.Background())
	assert.Empty(t, am.GetActiveAlerts())
}

func TestAlertManager_Cooldown(t *testing.T) {
	am := NewAlertManager(nil)
	receiver := &recordingReceiver{}
	am.AddReceiver(receiver)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	am.now = func() time.Time { return now }

	var firing atomic.Bool
	am.AddRule(AlertRule{
		ID:        "flaky",
		Condition: func(context.Context) bool { return firing.Load() },
		Cooldown:  time.Minute,
	})

	firing.Store(true)
	am.CheckRules(context.Background())
	firing.Store(false)
	am.CheckRules(context.Background())
	firing.Store(true)
	am.CheckRules(context.Background())
	assert.Equal(t, int32(1), receiver.count.Load())

	now = now.Add(2 * time.Minute)
	am.CheckRules(context.Background())
	assert.Equal(t, int32(2), receiver.count.Load())
}

func TestReindexFailureRule(t *testing.T) {
	m := NewMetrics()
	rule := ReindexFailureRule(m, 1)
	ctx := context.Background()

	assert.False(t, rule.Condition(ctx))
	m.RecordReindexedMessage(OutcomeFailure, 0)
	m.RecordReindexedMessage(OutcomeFailure, 0)
	assert.True(t, rule.Condition(ctx))
	assert.False(t, rule.Condition(ctx))
}
