package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// CheckFunc 组件健康检查函数
type CheckFunc func(ctx context.Context) error

// HealthChecker 健康检查器
//
// 存储、检索索引、任务存储在就绪检查中注册，协程数量作为存活检查。
type HealthChecker struct {
	health  healthcheck.Handler
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health:  healthcheck.NewHandler(),
		logger:  logger,
		timeout: 5 * time.Second,
		checks:  make(map[string]CheckFunc),
	}
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	return hc
}

// AddComponent 注册组件就绪检查
func (hc *HealthChecker) AddComponent(name string, check CheckFunc) {
	hc.mu.Lock()
	hc.checks[name] = check
	hc.mu.Unlock()

	hc.health.AddReadinessCheck(name, healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
		defer cancel()
		err := check(ctx)
		if err != nil {
			hc.logger.Warn("Health check failed", zap.String("component", name), zap.Error(err))
		}
		return err
	}, hc.timeout))
}

// Handler 返回健康检查处理器，提供 /live 与 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// CheckHealth 执行全部组件检查并返回结果
func (hc *HealthChecker) CheckHealth(ctx context.Context) (map[string]string, bool) {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names)+1)
	healthy := true
	for _, name := range names {
		hc.mu.RLock()
		check := hc.checks[name]
		hc.mu.RUnlock()

		checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
		err := check(checkCtx)
		cancel()
		if err != nil {
			healthy = false
			results[name] = fmt.Sprintf("ERROR: %v", err)
		} else {
			results[name] = "OK"
		}
	}
	results["timestamp"] = time.Now().Format(time.RFC3339)
	return results, healthy
}
