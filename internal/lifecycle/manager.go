package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/flow-music/flow-worker/internal/cache"
	"github.com/flow-music/flow-worker/internal/fetch"
)

// State 对应 worker 的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	// ErrNotInstalled 表示激活前没有成功安装的缓存代。
	ErrNotInstalled = errors.New("no installed cache generation to activate")
	// ErrBusy 表示另一轮安装或激活仍在进行。
	ErrBusy = errors.New("lifecycle transition already in progress")
)

// InstallError 描述 manifest 中某个资源预取失败，整轮安装因此作废。
type InstallError struct {
	URL    string
	Status int
	Err    error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("install %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("install %s: unexpected status %d", e.URL, e.Status)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// ClientClaimer 在激活后接管所有已打开的页面。
type ClientClaimer interface {
	Claim(ctx context.Context, cacheName string) (int, error)
}

// Options 汇总 Manager 依赖。Manifest 必须是已解析的绝对地址。
type Options struct {
	CacheName    string
	Manifest     []string
	Storage      cache.Storage
	Fetcher      fetch.Fetcher
	Clients      ClientClaimer
	ClaimClients bool
	Logger       *logrus.Logger
}

// Manager 负责缓存代的建立（install）与旧代清理（activate）。
type Manager struct {
	cacheName    string
	manifest     []string
	storage      cache.Storage
	fetcher      fetch.Fetcher
	clients      ClientClaimer
	claimClients bool
	logger       *logrus.Logger

	mu          sync.RWMutex
	state       State
	installed   cache.Cache
	active      cache.Cache
	skipWaiting bool
}

// NewManager 构造 Manager，初始状态为 parsed，尚无生效的缓存代。
func NewManager(opts Options) (*Manager, error) {
	if opts.CacheName == "" {
		return nil, errors.New("cache name is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Manager{
		cacheName:    opts.CacheName,
		manifest:     append([]string(nil), opts.Manifest...),
		storage:      opts.Storage,
		fetcher:      opts.Fetcher,
		clients:      opts.Clients,
		claimClients: opts.ClaimClients,
		logger:       opts.Logger,
		state:        StateParsed,
	}, nil
}

// CacheName 返回当前版本的缓存代名称。
func (m *Manager) CacheName() string {
	return m.cacheName
}

// Install 打开当前缓存代并预取全部 manifest 资源；任一失败则整轮失败且不写入任何条目。
func (m *Manager) Install(ctx context.Context) error {
	if err := m.transition(StateInstalling, StateParsed, StateInstalled, StateActivated, StateRedundant); err != nil {
		return err
	}

	generation, err := m.populate(ctx)
	if err != nil {
		m.setState(StateRedundant)
		m.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "install",
			"cache_name": m.cacheName,
		}).Error("install_failed")
		return err
	}

	m.mu.Lock()
	m.installed = generation
	m.state = StateInstalled
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"action":     "install",
		"cache_name": m.cacheName,
		"assets":     len(m.manifest),
	}).Info("install_complete")
	return nil
}

func (m *Manager) populate(ctx context.Context) (cache.Cache, error) {
	generation, err := m.storage.Open(ctx, m.cacheName)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", m.cacheName, err)
	}

	requests := make([]*fetch.Request, len(m.manifest))
	responses := make([]*fetch.Response, len(m.manifest))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, raw := range m.manifest {
		req, err := fetch.NewRequest(raw, fetch.DestinationEmpty)
		if err != nil {
			return nil, &InstallError{URL: raw, Err: err}
		}
		requests[i] = req
		group.Go(func() error {
			resp, err := m.fetcher.Fetch(groupCtx, req)
			if err != nil {
				return &InstallError{URL: raw, Err: err}
			}
			if !resp.OK() {
				return &InstallError{URL: raw, Status: resp.Status}
			}
			responses[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	for i, req := range requests {
		if err := generation.Put(ctx, req, responses[i]); err != nil {
			return nil, &InstallError{URL: req.CacheURL(), Err: err}
		}
	}
	return generation, nil
}

// SkipWaiting 记录“立即激活”请求，安装完成后无需等待旧实例卸载。
func (m *Manager) SkipWaiting() {
	m.mu.Lock()
	m.skipWaiting = true
	m.mu.Unlock()
}

// Waiting 表示新缓存代已安装、正在等待激活。
func (m *Manager) Waiting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateInstalled
}

// ReadyToActivate 表示已安装且收到 skip-waiting 请求。
func (m *Manager) ReadyToActivate() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateInstalled && m.skipWaiting
}

// Activate 删除名称不等于当前版本的全部缓存代，随后让新缓存代生效并接管页面。
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateInstalled || m.installed == nil {
		m.mu.Unlock()
		return ErrNotInstalled
	}
	m.state = StateActivating
	installed := m.installed
	m.mu.Unlock()

	removed, err := m.purgeStale(ctx)
	if err != nil {
		m.setState(StateInstalled)
		return err
	}

	m.mu.Lock()
	m.active = installed
	m.state = StateActivated
	m.skipWaiting = false
	m.mu.Unlock()

	fields := logrus.Fields{
		"action":     "activate",
		"cache_name": m.cacheName,
		"purged":     removed,
	}
	if m.claimClients && m.clients != nil {
		claimed, err := m.clients.Claim(ctx, m.cacheName)
		if err != nil {
			m.logger.WithError(err).WithFields(fields).Warn("clients_claim_failed")
		}
		fields["claimed"] = claimed
	}
	m.logger.WithFields(fields).Info("activate_complete")
	return nil
}

func (m *Manager) purgeStale(ctx context.Context) ([]string, error) {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	var removed []string
	for _, name := range names {
		if name == m.cacheName {
			continue
		}
		if _, err := m.storage.Delete(ctx, name); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"action":     "activate",
				"cache_name": name,
			}).Warn("cache_delete_failed")
			continue
		}
		m.logger.WithFields(logrus.Fields{
			"action":     "activate",
			"cache_name": name,
		}).Info("stale_cache_deleted")
		removed = append(removed, name)
	}
	return removed, nil
}

// Active 返回当前生效的缓存代；激活完成前返回 false。
func (m *Manager) Active(ctx context.Context) (cache.Cache, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, m.active != nil
}

// Snapshot 是生命周期状态的只读视图，供 /-/status 输出。
type Snapshot struct {
	State       State  `json:"state"`
	CacheName   string `json:"cache_name"`
	ActiveCache string `json:"active_cache,omitempty"`
	SkipWaiting bool   `json:"skip_waiting"`
}

// Snapshot 返回当前状态。
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := Snapshot{
		State:       m.state,
		CacheName:   m.cacheName,
		SkipWaiting: m.skipWaiting,
	}
	if m.active != nil {
		snap.ActiveCache = m.active.Name()
	}
	return snap
}

func (m *Manager) transition(to State, from ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range from {
		if m.state == allowed {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: state %s", ErrBusy, m.state)
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}
