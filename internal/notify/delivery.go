package notify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// Action 是通知上的一个按钮。
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification 是展示给用户的通知，Data 保存点击后要打开的地址。
type Notification struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Icon    string   `json:"icon"`
	Badge   string   `json:"badge"`
	Vibrate []int    `json:"vibrate"`
	Data    string   `json:"data"`
	Actions []Action `json:"actions"`
}

// DefaultActions 返回固定的两个通知按钮。
func DefaultActions() []Action {
	return []Action{
		{Action: ActionPlay, Title: "🎵 Воспроизвести"},
		{Action: ActionClose, Title: "❌ Закрыть"},
	}
}

// Registration 负责展示与关闭通知。
type Registration interface {
	ShowNotification(ctx context.Context, n Notification) (string, error)
	CloseNotification(ctx context.Context, id string) error
}

// Clients 是已打开的页面窗口集合，MatchAll 按最近活跃排序返回窗口 ID。
type Clients interface {
	MatchAll(ctx context.Context) ([]string, error)
	Focus(ctx context.Context, id string) error
	OpenWindow(ctx context.Context, url string) (string, error)
}

// ClickEvent 描述一次通知点击，Action 为空表示点击通知本体。
type ClickEvent struct {
	NotificationID string
	Action         string
	URL            string
}

// ClickOutcome 记录点击的处理结果，便于日志与接口返回。
type ClickOutcome struct {
	Focused  string `json:"focused,omitempty"`
	Opened   string `json:"opened,omitempty"`
	OpenedAt string `json:"opened_url,omitempty"`
}

// Deliverer 处理 push 与 notificationclick 事件，两者都在返回前完成全部后续操作。
type Deliverer struct {
	defaults     Defaults
	registration Registration
	clients      Clients
	logger       *logrus.Logger
}

// NewDeliverer 构造 Deliverer。
func NewDeliverer(defaults Defaults, registration Registration, clients Clients, logger *logrus.Logger) (*Deliverer, error) {
	if registration == nil {
		return nil, errors.New("notification registration is required")
	}
	if clients == nil {
		return nil, errors.New("clients are required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Deliverer{
		defaults:     defaults,
		registration: registration,
		clients:      clients,
		logger:       logger,
	}, nil
}

// Build 把 Payload 转换为通知。
func (d *Deliverer) Build(payload Payload) Notification {
	return Notification{
		Title:   payload.Title,
		Body:    payload.Body,
		Icon:    d.defaults.Icon,
		Badge:   d.defaults.Badge,
		Vibrate: append([]int(nil), d.defaults.Vibrate...),
		Data:    payload.URL,
		Actions: DefaultActions(),
	}
}

// OnPush 解析推送数据并展示通知；空数据直接忽略并返回 false。
func (d *Deliverer) OnPush(ctx context.Context, data []byte) (Notification, bool, error) {
	payload, ok := ParsePayload(data, d.defaults)
	if !ok {
		d.logger.WithField("action", "push").Debug("push_ignored_empty")
		return Notification{}, false, nil
	}

	n := d.Build(payload)
	id, err := d.registration.ShowNotification(ctx, n)
	if err != nil {
		return Notification{}, false, err
	}
	n.ID = id

	d.logger.WithFields(logrus.Fields{
		"action":          "push",
		"notification_id": id,
		"target_url":      n.Data,
	}).Info("notification_shown")
	return n, true, nil
}

// OnClick 先关闭通知，再按按钮决定聚焦已有窗口或打开新窗口。
func (d *Deliverer) OnClick(ctx context.Context, event ClickEvent) (ClickOutcome, error) {
	var outcome ClickOutcome

	if event.NotificationID != "" {
		if err := d.registration.CloseNotification(ctx, event.NotificationID); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"action":          "notificationclick",
				"notification_id": event.NotificationID,
			}).Warn("notification_close_failed")
		}
	}

	if event.Action == ActionClose {
		return outcome, nil
	}

	windows, err := d.clients.MatchAll(ctx)
	if err != nil {
		return outcome, err
	}
	if len(windows) > 0 {
		if err := d.clients.Focus(ctx, windows[0]); err != nil {
			return outcome, err
		}
		outcome.Focused = windows[0]
		return outcome, nil
	}

	target := event.URL
	if target == "" {
		target = d.defaults.URL
	}
	opened, err := d.clients.OpenWindow(ctx, target)
	if err != nil {
		return outcome, err
	}
	outcome.Opened = opened
	outcome.OpenedAt = target

	d.logger.WithFields(logrus.Fields{
		"action":          "notificationclick",
		"notification_id": event.NotificationID,
		"target_url":      target,
	}).Info("window_opened")
	return outcome, nil
}
