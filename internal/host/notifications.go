package host

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/flow-music/flow-worker/internal/notify"
)

// ErrNotificationNotFound 表示通知已关闭或已过期。
var ErrNotificationNotFound = errors.New("notification not found")

// ShownNotification 是通知中心保存的一条记录。
type ShownNotification struct {
	notify.Notification
	ShownAt time.Time `json:"shown_at"`
}

// NotificationCenter 保存已展示但尚未关闭的通知。
type NotificationCenter struct {
	items *ttlcache.Cache[string, ShownNotification]
}

// NewNotificationCenter 创建通知中心，ttl<=0 时保留 24 小时。
func NewNotificationCenter(ttl time.Duration) *NotificationCenter {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &NotificationCenter{
		items: ttlcache.New[string, ShownNotification](
			ttlcache.WithTTL[string, ShownNotification](ttl),
			ttlcache.WithDisableTouchOnHit[string, ShownNotification](),
		),
	}
}

// Start 启动过期清理循环，直到 ctx 结束。
func (n *NotificationCenter) Start(ctx context.Context) {
	go n.items.Start()
	go func() {
		<-ctx.Done()
		n.items.Stop()
	}()
}

// ShowNotification 保存通知并分配 ID。
func (n *NotificationCenter) ShowNotification(ctx context.Context, notification notify.Notification) (string, error) {
	id := uuid.NewString()
	notification.ID = id
	n.items.Set(id, ShownNotification{Notification: notification, ShownAt: time.Now()}, ttlcache.DefaultTTL)
	return id, nil
}

// CloseNotification 移除通知。
func (n *NotificationCenter) CloseNotification(ctx context.Context, id string) error {
	if n.items.Get(id) == nil {
		return ErrNotificationNotFound
	}
	n.items.Delete(id)
	return nil
}

// Get 返回单条通知。
func (n *NotificationCenter) Get(id string) (ShownNotification, bool) {
	item := n.items.Get(id)
	if item == nil {
		return ShownNotification{}, false
	}
	return item.Value(), true
}

// List 返回全部未关闭通知，最新的排在前面。
func (n *NotificationCenter) List() []ShownNotification {
	items := n.items.Items()
	list := make([]ShownNotification, 0, len(items))
	for _, item := range items {
		if item.IsExpired() {
			continue
		}
		list = append(list, item.Value())
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].ShownAt.Equal(list[j].ShownAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].ShownAt.After(list[j].ShownAt)
	})
	return list
}
