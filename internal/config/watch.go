package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/astropicam/astropicam/internal/log"
)

// Holder hands out the active configuration and reloads it when the
// file changes on disk. A reload that fails to parse or validate keeps
// the previous configuration in place.
type Holder struct {
	path string
	log  zerolog.Logger

	mu      sync.RWMutex
	current *Config

	notifyMu  sync.RWMutex
	listeners []chan<- *Config
}

// NewHolder wraps an already loaded configuration.
func NewHolder(initial *Config, path string) *Holder {
	return &Holder{
		path:    path,
		log:     log.WithComponent("config"),
		current: initial,
	}
}

// Current returns the active configuration.
func (h *Holder) Current() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the file and swaps the active configuration. On any
// load error the previous configuration stays active.
func (h *Holder) Reload() error {
	cfg, err := Load(h.path)
	if err != nil {
		h.log.Error().Err(err).Str("path", h.path).Msg("config reload failed, keeping previous")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	h.current = cfg
	h.mu.Unlock()

	h.notify(cfg)
	h.log.Info().Str("path", h.path).Msg("configuration reloaded")
	return nil
}

// RegisterListener adds a channel that receives every successfully
// reloaded configuration. Sends are non-blocking; a full channel is
// skipped.
func (h *Holder) RegisterListener(ch chan<- *Config) {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notify(cfg *Config) {
	h.notifyMu.RLock()
	defer h.notifyMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.log.Warn().Msg("config listener not keeping up, update skipped")
		}
	}
}

// Watch reloads the configuration whenever the file is rewritten. It
// returns once the watcher is installed; watching stops when ctx is
// cancelled.
func (h *Holder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}

	h.log.Info().Str("path", h.path).Msg("watching config file")
	go h.watchLoop(ctx, watcher)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()

	// Editors fire several events per save; collapse them into one
	// reload.
	var debounce *time.Timer
	const settle = 250 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(settle, func() { _ = h.Reload() })
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.log.Error().Err(err).Msg("config watcher error")
		}
	}
}
