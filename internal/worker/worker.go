package worker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/flow-music/flow-worker/internal/lifecycle"
	"github.com/flow-music/flow-worker/internal/logging"
	"github.com/flow-music/flow-worker/internal/notify"
	"github.com/flow-music/flow-worker/internal/routing"
)

const (
	// MessageSkipWaiting 是页面请求立即激活新缓存代的消息类型。
	MessageSkipWaiting = "SKIP_WAITING"
	// SyncTagBackground 是唯一处理的后台同步标签。
	SyncTagBackground = "background-sync"
)

// Message 是页面发来的控制消息。
type Message struct {
	Type string `json:"type"`
}

// Options 汇总 Worker 依赖。
type Options struct {
	Lifecycle   *lifecycle.Manager
	Router      *routing.Router
	Deliverer   *notify.Deliverer
	SkipWaiting bool
	Logger      *logrus.Logger
}

// Worker 持有分发表以及生命周期、路由、通知三个组件。
type Worker struct {
	dispatcher  *Dispatcher
	lifecycle   *lifecycle.Manager
	router      *routing.Router
	deliverer   *notify.Deliverer
	skipWaiting bool
	logger      *logrus.Logger
}

// New 构造 Worker 并注册全部事件处理函数。
func New(opts Options) (*Worker, error) {
	if opts.Lifecycle == nil {
		return nil, errors.New("lifecycle manager is required")
	}
	if opts.Router == nil {
		return nil, errors.New("router is required")
	}
	if opts.Deliverer == nil {
		return nil, errors.New("notification deliverer is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}

	w := &Worker{
		dispatcher:  NewDispatcher(),
		lifecycle:   opts.Lifecycle,
		router:      opts.Router,
		deliverer:   opts.Deliverer,
		skipWaiting: opts.SkipWaiting,
		logger:      opts.Logger,
	}
	w.dispatcher.MustRegister(KindInstall, w.handleInstall)
	w.dispatcher.MustRegister(KindActivate, w.handleActivate)
	w.dispatcher.MustRegister(KindFetch, w.handleFetch)
	w.dispatcher.MustRegister(KindPush, w.handlePush)
	w.dispatcher.MustRegister(KindNotificationClick, w.handleNotificationClick)
	w.dispatcher.MustRegister(KindMessage, w.handleMessage)
	w.dispatcher.MustRegister(KindSync, w.handleSync)
	return w, nil
}

// Dispatch 分发单个事件。
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	return w.dispatcher.Dispatch(ctx, ev)
}

// Dispatcher 返回底层分发表。
func (w *Worker) Dispatcher() *Dispatcher {
	return w.dispatcher
}

// Lifecycle 返回生命周期管理器。
func (w *Worker) Lifecycle() *lifecycle.Manager {
	return w.lifecycle
}

// Policy 返回路由策略表。
func (w *Worker) Policy() routing.Policy {
	return w.router.Policy()
}

// Start 在进程启动时执行 install，并在允许时立即 activate。
// 安装失败只记录日志，进程继续以纯网络方式提供服务。
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Update(ctx); err != nil {
		var installErr *lifecycle.InstallError
		if errors.As(err, &installErr) {
			w.logger.WithFields(w.eventFields(KindInstall)).Warn("serving_network_only")
			return nil
		}
		return err
	}
	return nil
}

// Update 重新执行 install，随后在已请求 skip-waiting 时执行 activate。
func (w *Worker) Update(ctx context.Context) error {
	if _, err := w.Dispatch(ctx, Event{Kind: KindInstall}); err != nil {
		return err
	}
	if !w.lifecycle.ReadyToActivate() {
		w.logger.WithFields(w.eventFields(KindInstall)).Info("waiting_for_skip_waiting")
		return nil
	}
	_, err := w.Dispatch(ctx, Event{Kind: KindActivate})
	return err
}

// Drain 等待后台缓存写入完成。
func (w *Worker) Drain() {
	w.router.Drain()
}

// Close 用于进程退出：拒绝新的缓存写入，并等待已有写入完成。
func (w *Worker) Close() {
	w.router.Close()
}

func (w *Worker) handleInstall(ctx context.Context, ev Event) (Result, error) {
	if err := w.lifecycle.Install(ctx); err != nil {
		return Result{Lifecycle: w.lifecycle.Snapshot()}, err
	}
	if w.skipWaiting {
		w.lifecycle.SkipWaiting()
	}
	return Result{Handled: true, Lifecycle: w.lifecycle.Snapshot()}, nil
}

func (w *Worker) handleActivate(ctx context.Context, ev Event) (Result, error) {
	if err := w.lifecycle.Activate(ctx); err != nil {
		return Result{Lifecycle: w.lifecycle.Snapshot()}, err
	}
	return Result{Handled: true, Lifecycle: w.lifecycle.Snapshot()}, nil
}

func (w *Worker) handleFetch(ctx context.Context, ev Event) (Result, error) {
	if ev.Request == nil {
		return Result{}, errors.New("fetch event without request")
	}
	res, err := w.router.Respond(ctx, ev.Request)
	return Result{Handled: res.Handled, Fetch: res}, err
}

func (w *Worker) handlePush(ctx context.Context, ev Event) (Result, error) {
	n, shown, err := w.deliverer.OnPush(ctx, ev.Data)
	if err != nil || !shown {
		return Result{}, err
	}
	return Result{Handled: true, Notification: &n}, nil
}

func (w *Worker) handleNotificationClick(ctx context.Context, ev Event) (Result, error) {
	outcome, err := w.deliverer.OnClick(ctx, ev.Click)
	if err != nil {
		return Result{}, err
	}
	return Result{Handled: true, Click: outcome}, nil
}

func (w *Worker) handleMessage(ctx context.Context, ev Event) (Result, error) {
	var msg Message
	if err := json.Unmarshal(ev.Data, &msg); err != nil || msg.Type != MessageSkipWaiting {
		w.logger.WithFields(w.eventFields(KindMessage)).Debug("message_ignored")
		return Result{Lifecycle: w.lifecycle.Snapshot()}, nil
	}

	w.lifecycle.SkipWaiting()
	if w.lifecycle.Waiting() {
		if err := w.lifecycle.Activate(ctx); err != nil {
			return Result{Lifecycle: w.lifecycle.Snapshot()}, err
		}
	}
	return Result{Handled: true, Lifecycle: w.lifecycle.Snapshot()}, nil
}

func (w *Worker) handleSync(ctx context.Context, ev Event) (Result, error) {
	if ev.Tag != SyncTagBackground {
		return Result{}, nil
	}
	w.logger.WithFields(w.eventFields(KindSync)).WithField("tag", ev.Tag).Info("background_sync")
	return Result{Handled: true}, nil
}

func (w *Worker) eventFields(kind Kind) logrus.Fields {
	return logging.EventFields(string(kind), w.lifecycle.CacheName())
}
