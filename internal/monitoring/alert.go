package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string     `json:"id"`
	RuleID     string     `json:"ruleId"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// AlertRule 告警规则
//
// Condition 返回 true 时触发告警；返回 false 时自动解决该规则的活跃告警。
type AlertRule struct {
	ID        string
	Name      string
	Condition func(ctx context.Context) bool
	Level     AlertLevel
	Component string
	Message   string
	Cooldown  time.Duration

	lastTriggered time.Time
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// AlertManager 告警管理器
type AlertManager struct {
	alerts    map[string]*Alert
	rules     []*AlertRule
	receivers []AlertReceiver
	logger    *zap.Logger
	now       func() time.Time
	mu        sync.Mutex
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		alerts: make(map[string]*Alert),
		logger: logger,
		now:    time.Now,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	r := rule
	am.rules = append(am.rules, &r)
}

// GetActiveAlerts 获取未解决的告警
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()

	alerts := make([]Alert, 0)
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// CheckRules 检查告警规则
//
// 条件在锁外求值，规则可能访问存储等慢操作。
func (am *AlertManager) CheckRules(ctx context.Context) {
	am.mu.Lock()
	rules := make([]*AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.Unlock()

	for _, rule := range rules {
		firing := rule.Condition(ctx)

		am.mu.Lock()
		now := am.now()
		active, exists := am.alerts[rule.ID]
		switch {
		case firing && exists && !active.Resolved:
			// 仍在触发，不重复发送
		case firing && now.Sub(rule.lastTriggered) < rule.Cooldown:
		case firing:
			rule.lastTriggered = now
			alert := &Alert{
				ID:        fmt.Sprintf("%s_%d", rule.ID, now.Unix()),
				RuleID:    rule.ID,
				Title:     rule.Name,
				Message:   rule.Message,
				Level:     rule.Level,
				Component: rule.Component,
				Timestamp: now,
			}
			am.alerts[rule.ID] = alert
			am.dispatchLocked(alert)
		case exists && !active.Resolved:
			active.Resolved = true
			active.ResolvedAt = &now
			am.logger.Info("Alert resolved", zap.String("alert_id", active.ID))
		}
		am.mu.Unlock()
	}
}

func (am *AlertManager) dispatchLocked(alert *Alert) {
	for _, receiver := range am.receivers {
		if err := receiver.SendAlert(alert); err != nil {
			am.logger.Error("Failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}
	am.logger.Info("Alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
}

// StartMonitoring 启动监控，阻塞直到 ctx 取消
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckRules(ctx)
		}
	}
}

// ========== 内置告警规则 ==========

// HighMemoryUsageRule 高内存使用告警规则
func HighMemoryUsageRule(thresholdMB float64) AlertRule {
	return AlertRule{
		ID:   "high_memory_usage",
		Name: "High Memory Usage",
		Condition: func(context.Context) bool {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return float64(m.Alloc)/1024/1024 > thresholdMB
		},
		Level:     AlertLevelWarning,
		Component: "memory",
		Message:   fmt.Sprintf("Memory usage exceeds %.0f MB", thresholdMB),
		Cooldown:  5 * time.Minute,
	}
}

// ComponentHealthRule 组件健康检查失败时告警
func ComponentHealthRule(component string, check func(ctx context.Context) error) AlertRule {
	return AlertRule{
		ID:   component + "_unhealthy",
		Name: "Component Unhealthy",
		Condition: func(ctx context.Context) bool {
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return check(checkCtx) != nil
		},
		Level:     AlertLevelCritical,
		Component: component,
		Message:   component + " health check failed",
		Cooldown:  time.Minute,
	}
}

// ReindexFailureRule 两次检查之间新增的索引失败邮件数超过阈值时告警
func ReindexFailureRule(metrics *Metrics, threshold uint64) AlertRule {
	var last uint64
	var mu sync.Mutex
	return AlertRule{
		ID:   "reindex_failures",
		Name: "Reindexing Failures",
		Condition: func(context.Context) bool {
			mu.Lock()
			defer mu.Unlock()
			current := metrics.FailedMessages()
			delta := current - last
			last = current
			return delta > threshold
		},
		Level:     AlertLevelWarning,
		Component: "reindex",
		Message:   fmt.Sprintf("More than %d messages failed to index since last check", threshold),
		Cooldown:  5 * time.Minute,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}
	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}
