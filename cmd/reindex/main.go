package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"mailindex/backend/internal/bootstrap"
	"mailindex/backend/internal/config"
	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/logger"
	"mailindex/backend/internal/reindex"
	"mailindex/backend/internal/task"
)

// request 命令行参数
type request struct {
	scope             string
	user              string
	mailbox           string
	uid               string
	messageID         string
	previous          string
	taskFile          string
	messagesPerSecond int
	mode              string
}

// main 在当前进程内执行一次重建任务，结束后打印执行详情。
//
// 退出码: 0 completed，2 partial，1 其他。
func main() {
	var req request
	flag.StringVar(&req.scope, "scope", "all", "范围: all、user、mailbox、message、messageId、errors 或 task")
	flag.StringVar(&req.user, "user", "", "用户名 (scope=user，或与 -mailbox 名称一起定位文件夹)")
	flag.StringVar(&req.mailbox, "mailbox", "", "文件夹 ID；指定 -user 时为文件夹名称")
	flag.StringVar(&req.uid, "uid", "", "邮件 UID (scope=message)")
	flag.StringVar(&req.messageID, "message-id", "", "邮件 ID (scope=messageId)")
	flag.StringVar(&req.previous, "previous", "", "逗号分隔的历史任务 ID (scope=errors，需要持久化任务存储)")
	flag.StringVar(&req.taskFile, "file", "", "任务 JSON 文件，- 表示标准输入 (scope=task)")
	flag.IntVar(&req.messagesPerSecond, "messages-per-second", 0, "每秒处理邮件数，默认使用配置")
	flag.StringVar(&req.mode, "mode", "", "REBUILD_ALL 或 FIX_OUTDATED，默认使用配置")
	flag.Parse()

	os.Exit(run(req))
}

func run(req request) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comp, err := bootstrap.New(ctx, cfg, log, nil)
	if err != nil {
		log.Error("failed to initialize components", zap.Error(err))
		return 1
	}
	defer comp.Close()

	defaults, err := comp.DefaultRunningOptions()
	if err != nil {
		log.Error("invalid reindex defaults", zap.Error(err))
		return 1
	}

	manager := task.NewManager(comp.TaskStore, task.Options{Workers: 1, QueueSize: 1}, log.Named("task"), nil)
	manager.Start()
	defer manager.Stop()

	reIndexer := reindex.NewReIndexer(comp.Performer, comp.Store, reindex.NewPreviousReIndexingService(manager))
	t, err := buildTask(ctx, req, reIndexer, reindex.NewCodec(comp.Performer), defaults)
	if err != nil {
		log.Error("invalid request", zap.String("scope", req.scope), zap.Error(err))
		return 1
	}

	id, err := manager.Submit(ctx, t)
	if err != nil {
		log.Error("failed to submit task", zap.Error(err))
		return 1
	}
	log.Info("task submitted", zap.String("task_id", id.String()), zap.String("type", string(t.Type())))

	// 中断时取消任务，再等待其记录最终状态
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		if err := manager.Cancel(context.Background(), id); err != nil && !errors.Is(err, task.ErrTaskNotCancellable) {
			log.Warn("failed to cancel task", zap.Error(err))
		}
	}()

	details, err := manager.Await(context.Background(), id)
	if err != nil {
		log.Error("failed to await task", zap.Error(err))
		return 1
	}

	out, err := json.MarshalIndent(details, "", "  ")
	if err != nil {
		log.Error("failed to encode execution details", zap.Error(err))
		return 1
	}
	fmt.Println(string(out))

	switch details.Status {
	case task.StatusCompleted:
		return 0
	case task.StatusPartial:
		return 2
	}
	return 1
}

// buildTask 按范围参数构造任务
func buildTask(ctx context.Context, req request, r *reindex.ReIndexer, codec *reindex.Codec, defaults reindex.RunningOptions) (*reindex.ReIndexingTask, error) {
	opts, err := runningOptions(req, defaults)
	if err != nil {
		return nil, err
	}

	switch req.scope {
	case "all":
		return r.ReIndex(opts)

	case "user":
		user, err := domain.ParseUsername(req.user)
		if err != nil {
			return nil, err
		}
		return r.ReIndexUser(user, opts)

	case "mailbox":
		if req.user != "" {
			user, err := domain.ParseUsername(req.user)
			if err != nil {
				return nil, err
			}
			return r.ReIndexMailboxPath(ctx, domain.NewMailboxPath(user, req.mailbox), opts)
		}
		id, err := domain.ParseMailboxID(req.mailbox)
		if err != nil {
			return nil, err
		}
		return r.ReIndexMailbox(ctx, id, opts)

	case "message":
		id, err := domain.ParseMailboxID(req.mailbox)
		if err != nil {
			return nil, err
		}
		uid, err := domain.ParseMessageUID(req.uid)
		if err != nil {
			return nil, err
		}
		return r.ReIndexMessage(ctx, id, uid)

	case "messageId":
		id, err := domain.ParseMessageID(req.messageID)
		if err != nil {
			return nil, err
		}
		return r.ReIndexMessageID(id), nil

	case "errors":
		var ids []task.ID
		for _, raw := range strings.Split(req.previous, ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			id, err := task.ParseID(strings.TrimSpace(raw))
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return nil, errors.New("-previous is required for scope=errors")
		}
		return r.ReIndexPreviousFailures(ctx, opts, ids...)

	case "task":
		data, err := readTaskFile(req.taskFile)
		if err != nil {
			return nil, err
		}
		return codec.Decode(data)
	}
	return nil, fmt.Errorf("unknown scope %q", req.scope)
}

// runningOptions 用命令行参数覆盖配置中的默认值
func runningOptions(req request, defaults reindex.RunningOptions) (reindex.RunningOptions, error) {
	opts := defaults
	if req.messagesPerSecond != 0 {
		opts.MessagesPerSecond = req.messagesPerSecond
	}
	if req.mode != "" {
		mode, err := reindex.ParseMode(req.mode)
		if err != nil {
			return opts, err
		}
		opts.Mode = mode
	}
	return opts, opts.Validate()
}

func readTaskFile(path string) ([]byte, error) {
	switch path {
	case "":
		return nil, errors.New("-file is required for scope=task")
	case "-":
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
