// Package worker 用显式的分发表把事件类型映射到处理函数。
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/flow-music/flow-worker/internal/fetch"
	"github.com/flow-music/flow-worker/internal/lifecycle"
	"github.com/flow-music/flow-worker/internal/notify"
	"github.com/flow-music/flow-worker/internal/routing"
)

// Kind 是事件类型。
type Kind string

const (
	KindInstall           Kind = "install"
	KindActivate          Kind = "activate"
	KindFetch             Kind = "fetch"
	KindPush              Kind = "push"
	KindNotificationClick Kind = "notificationclick"
	KindMessage           Kind = "message"
	KindSync              Kind = "sync"
)

var (
	// ErrNoHandler 表示事件类型没有注册处理函数。
	ErrNoHandler = errors.New("no handler registered for event kind")
	// ErrDuplicateHandler 表示同一事件类型重复注册。
	ErrDuplicateHandler = errors.New("handler already registered for event kind")
)

// Event 是一次待处理的事件，按 Kind 只使用对应字段。
type Event struct {
	Kind    Kind
	Request *fetch.Request
	Data    []byte
	Click   notify.ClickEvent
	Tag     string
}

// Result 汇总各类事件的处理结果。Handled=false 表示事件被忽略。
type Result struct {
	Handled      bool
	Fetch        routing.Result
	Notification *notify.Notification
	Click        notify.ClickOutcome
	Lifecycle    lifecycle.Snapshot
}

// Handler 处理单个事件，返回前完成全部后续工作。
type Handler func(ctx context.Context, ev Event) (Result, error)

// Dispatcher 是事件类型到处理函数的分发表。
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewDispatcher 创建空分发表。
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Kind]Handler)}
}

// Register 注册处理函数，同一类型只能注册一次。
func (d *Dispatcher) Register(kind Kind, handler Handler) error {
	if kind == "" {
		return errors.New("event kind is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, kind)
	}
	d.handlers[kind] = handler
	return nil
}

// MustRegister 与 Register 相同，失败时 panic，便于在初始化阶段使用。
func (d *Dispatcher) MustRegister(kind Kind, handler Handler) {
	if err := d.Register(kind, handler); err != nil {
		panic(err)
	}
}

// Dispatch 把事件交给对应处理函数。
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (Result, error) {
	d.mu.RLock()
	handler, ok := d.handlers[ev.Kind]
	d.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoHandler, ev.Kind)
	}
	return handler(ctx, ev)
}

// Kinds 返回已注册的事件类型，按名称排序。
func (d *Dispatcher) Kinds() []Kind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	kinds := make([]Kind, 0, len(d.handlers))
	for kind := range d.handlers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
