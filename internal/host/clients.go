// Package host 在服务端扮演浏览器宿主：记录已打开的页面窗口与已展示的通知。
package host

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// ErrClientNotFound 表示窗口不存在或心跳已过期。
var ErrClientNotFound = errors.New("client not found")

// Command 是下发给页面的指令，在下一次心跳时取走。
type Command struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

const (
	CommandFocus    = "focus"
	CommandNavigate = "navigate"
)

// Client 是一个已打开的页面窗口。
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Controller string    `json:"controller,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
	Commands   []Command `json:"-"`
}

// Clients 维护窗口注册表，窗口在 ttl 内没有心跳即视为关闭。
type Clients struct {
	mu         sync.Mutex
	items      *ttlcache.Cache[string, Client]
	controller string
	now        func() time.Time
}

// NewClients 创建注册表，ttl<=0 时使用两分钟。
func NewClients(ttl time.Duration) *Clients {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Clients{
		items: ttlcache.New[string, Client](
			ttlcache.WithTTL[string, Client](ttl),
			ttlcache.WithDisableTouchOnHit[string, Client](),
		),
		now: time.Now,
	}
}

// Start 启动过期清理循环，直到 ctx 结束。
func (c *Clients) Start(ctx context.Context) {
	go c.items.Start()
	go func() {
		<-ctx.Done()
		c.items.Stop()
	}()
}

// Heartbeat 登记或续期窗口，返回最新状态与待执行的指令。id 为空时分配新 ID。
func (c *Clients) Heartbeat(ctx context.Context, id, url string) (Client, []Command) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	client := Client{ID: id, Controller: c.controller}
	if item := c.items.Get(id); item != nil {
		client = item.Value()
	}
	if url != "" {
		client.URL = url
	}
	if client.Controller == "" {
		client.Controller = c.controller
	}
	client.LastSeen = c.now()
	commands := client.Commands
	client.Commands = nil
	c.items.Set(id, client, ttlcache.DefaultTTL)
	return client, commands
}

// MatchAll 返回全部窗口 ID，最近活跃的排在前面。
func (c *Clients) MatchAll(ctx context.Context) ([]string, error) {
	clients := c.List()
	ids := make([]string, 0, len(clients))
	for _, client := range clients {
		ids = append(ids, client.ID)
	}
	return ids, nil
}

// List 返回全部窗口快照，最近活跃的排在前面。
func (c *Clients) List() []Client {
	items := c.items.Items()
	clients := make([]Client, 0, len(items))
	for _, item := range items {
		if item.IsExpired() {
			continue
		}
		clients = append(clients, item.Value())
	}
	sort.SliceStable(clients, func(i, j int) bool {
		if clients[i].LastSeen.Equal(clients[j].LastSeen) {
			return clients[i].ID < clients[j].ID
		}
		return clients[i].LastSeen.After(clients[j].LastSeen)
	})
	return clients
}

// Focus 给窗口下发聚焦指令。
func (c *Clients) Focus(ctx context.Context, id string) error {
	return c.enqueue(id, Command{Type: CommandFocus})
}

// Navigate 让窗口跳转到指定地址。
func (c *Clients) Navigate(ctx context.Context, id, url string) error {
	return c.enqueue(id, Command{Type: CommandNavigate, URL: url})
}

// OpenWindow 登记一个待打开的新窗口，页面首次心跳时沿用返回的 ID。
func (c *Clients) OpenWindow(ctx context.Context, url string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	c.items.Set(id, Client{
		ID:         id,
		URL:        url,
		Controller: c.controller,
		LastSeen:   c.now(),
		Commands:   []Command{{Type: CommandNavigate, URL: url}},
	}, ttlcache.DefaultTTL)
	return id, nil
}

// Claim 让全部已打开窗口改由 cacheName 对应的缓存代控制，返回接管数量。
func (c *Clients) Claim(ctx context.Context, cacheName string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.controller = cacheName
	claimed := 0
	for id, item := range c.items.Items() {
		if item.IsExpired() {
			continue
		}
		client := item.Value()
		client.Controller = cacheName
		c.items.Set(id, client, remaining(item))
		claimed++
	}
	return claimed, nil
}

// Controller 返回最近一次 Claim 的缓存代名称。
func (c *Clients) Controller() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

func (c *Clients) enqueue(id string, cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := c.items.Get(id)
	if item == nil {
		return ErrClientNotFound
	}
	client := item.Value()
	client.Commands = append(append([]Command(nil), client.Commands...), cmd)
	c.items.Set(id, client, remaining(item))
	return nil
}

// remaining 返回条目的剩余寿命，更新条目时沿用。
func remaining(item *ttlcache.Item[string, Client]) time.Duration {
	left := time.Until(item.ExpiresAt())
	if left <= 0 {
		return time.Millisecond
	}
	return left
}
