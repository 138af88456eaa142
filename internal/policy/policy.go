// Package policy provides hot-reloadable operational policy: per-account
// daily limit overrides and upload pacing. Defaults are compiled in; an
// optional YAML file overrides them at runtime without a restart.
package policy

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Policy is one immutable policy snapshot. Readers get a snapshot from
// Manager.Get and must not mutate it.
type Policy struct {
	// DefaultDailyLimit applies to accounts without an override.
	DefaultDailyLimit int `yaml:"default_daily_limit"`

	// DailyLimitOverrides maps account id to a custom daily limit.
	DailyLimitOverrides map[string]int `yaml:"daily_limit_overrides"`

	// RateWindow and RateBurst pace upload starts per account: at most
	// RateBurst starts within RateWindow.
	RateWindow time.Duration `yaml:"rate_window"`
	RateBurst  int           `yaml:"rate_burst"`
}

// defaultPolicy is the compiled-in baseline.
func defaultPolicy() *Policy {
	return &Policy{
		DefaultDailyLimit:   2,
		DailyLimitOverrides: map[string]int{},
		RateWindow:          time.Hour,
		RateBurst:           2,
	}
}

// DailyLimit resolves the effective limit for an account.
func (p *Policy) DailyLimit(accountID string) int {
	if limit, ok := p.DailyLimitOverrides[accountID]; ok {
		return limit
	}
	return p.DefaultDailyLimit
}

// Validate rejects snapshots that would stall the system.
func (p *Policy) Validate() error {
	if p.DefaultDailyLimit < 0 {
		return fmt.Errorf("default_daily_limit must not be negative")
	}
	for id, limit := range p.DailyLimitOverrides {
		if limit < 0 {
			return fmt.Errorf("daily limit override for %s must not be negative", id)
		}
	}
	if p.RateBurst < 0 {
		return fmt.Errorf("rate_burst must not be negative")
	}
	return nil
}

// ReloadStats tracks policy reload activity.
type ReloadStats struct {
	LastReloadTime time.Time
	ReloadCount    int64
	LastError      error
}

// Manager serves the current policy. Reads are lock-free via atomic.Value;
// file changes are picked up by fsnotify with debouncing, and a broken file
// never replaces a good snapshot.
type Manager struct {
	defaults *Policy
	current  atomic.Value // *Policy
	path     string
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex // protects reloads and stats
	stats    ReloadStats
	closed   bool
}

// NewManager creates a policy manager. An empty path serves only defaults.
// With hotReload, writes to the file swap the snapshot in place.
func NewManager(path string, hotReload bool) (*Manager, error) {
	m := &Manager{
		defaults: defaultPolicy(),
		path:     path,
		stopCh:   make(chan struct{}),
	}
	m.current.Store(m.defaults)

	if path == "" {
		return m, nil
	}

	if err := m.Reload(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to load policy file, using defaults")
	} else {
		log.Info().Str("path", path).Msg("Loaded policy file")
	}

	if hotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to start policy watcher, hot-reload disabled")
		} else {
			log.Info().Str("path", path).Msg("Hot-reload enabled for policy file")
		}
	}
	return m, nil
}

// Get returns the current policy snapshot. Lock-free.
func (m *Manager) Get() *Policy {
	return m.current.Load().(*Policy)
}

// Reload re-reads the policy file. On failure the previous snapshot stays
// in effect.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.path == "" {
		return fmt.Errorf("no policy path configured")
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("read policy file: %w", err)
	}

	loaded, err := parseAndValidate(data)
	if err != nil {
		m.stats.LastError = err
		return err
	}

	m.current.Store(m.mergeWithDefaults(loaded))
	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil

	log.Info().Int64("reload_count", m.stats.ReloadCount).Msg("Policy hot-reloaded")
	return nil
}

// Stats returns reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close stops the watcher. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func parseAndValidate(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid policy YAML: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// mergeWithDefaults fills unset fields from the compiled-in baseline.
func (m *Manager) mergeWithDefaults(loaded *Policy) *Policy {
	merged := &Policy{
		DefaultDailyLimit:   loaded.DefaultDailyLimit,
		DailyLimitOverrides: loaded.DailyLimitOverrides,
		RateWindow:          loaded.RateWindow,
		RateBurst:           loaded.RateBurst,
	}
	if merged.DefaultDailyLimit == 0 {
		merged.DefaultDailyLimit = m.defaults.DefaultDailyLimit
	}
	if merged.DailyLimitOverrides == nil {
		merged.DailyLimitOverrides = m.defaults.DailyLimitOverrides
	}
	if merged.RateWindow == 0 {
		merged.RateWindow = m.defaults.RateWindow
	}
	if merged.RateBurst == 0 {
		merged.RateBurst = m.defaults.RateBurst
	}
	return merged
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch policy file: %w", err)
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()
	return nil
}

func (m *Manager) watchFile() {
	defer m.wg.Done()

	// Editors fire bursts of events per save; coalesce them.
	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer
	var debouncing bool

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Debug().Str("event", event.Op.String()).Str("file", event.Name).Msg("Policy file changed")

			if debouncing {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(debounceDelay)
			} else {
				debouncing = true
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := m.Reload(); err != nil {
						log.Warn().Err(err).Str("path", m.path).Msg("Policy hot-reload failed, keeping previous snapshot")
					}
					debouncing = false
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Policy watcher error")

		case <-m.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}
