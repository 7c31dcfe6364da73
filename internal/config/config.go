// Package config loads server/tunnel settings from defaults, an optional
// YAML file, and TERMBRIDGE_-prefixed environment variables via
// spf13/viper, following the layering convention used throughout
// sa6mwa-centaurx's cobra subcommands. It also watches the tunnel bearer
// token file for rotation with fsnotify, in the debounced-event-then-
// rescan shape of the teacher's internal/index/fsnotify.go watch loop,
// generalized from "rescan a file tree" to "re-read one secret file".
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the settings for both the server and tunnel polarities;
// a given binary only reads the fields relevant to it.
type Config struct {
	// Server polarity
	ListenAddr string `mapstructure:"listen_addr"`

	// Tunnel polarity
	RelayURL  string `mapstructure:"relay_url"`
	Namespace string `mapstructure:"namespace"`

	// Shared
	FrameRate    int    `mapstructure:"frame_rate"`
	MaxCols      int    `mapstructure:"max_cols"`
	MaxRows      int    `mapstructure:"max_rows"`
	TokenFile    string `mapstructure:"token_file"`
	GraceSeconds int    `mapstructure:"grace_seconds"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "127.0.0.1:0")
	v.SetDefault("relay_url", "")
	v.SetDefault("namespace", "")
	v.SetDefault("frame_rate", 20)
	v.SetDefault("max_cols", 500)
	v.SetDefault("max_rows", 500)
	v.SetDefault("token_file", "")
	v.SetDefault("grace_seconds", 30)
}

// Load reads configuration from, in increasing precedence: built-in
// defaults, the YAML file at path (if non-empty and present), and
// TERMBRIDGE_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("TERMBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// TokenWatcher re-reads a bearer token file whenever it changes on disk,
// letting an operator rotate the shared secret without restarting the
// process.
type TokenWatcher struct {
	mu      sync.RWMutex
	current string
	watcher *fsnotify.Watcher
	closed  chan struct{}
}

// WatchTokenFile starts watching path and returns a TokenWatcher whose
// Token method always reflects the file's latest contents. If path is
// empty, WatchTokenFile returns a watcher whose Token is always "".
func WatchTokenFile(path string) (*TokenWatcher, error) {
	tw := &TokenWatcher{closed: make(chan struct{})}
	if path == "" {
		return tw, nil
	}
	if err := tw.reload(path); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		// fsnotify unavailable; the token simply won't hot-reload.
		return tw, nil
	}
	tw.watcher = w
	if err := w.Add(path); err != nil {
		_ = w.Close()
		tw.watcher = nil
		return tw, nil
	}

	go tw.watchLoop(path)
	return tw, nil
}

func (tw *TokenWatcher) watchLoop(path string) {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-tw.closed:
			return
		case _, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			debounce.Reset(100 * time.Millisecond)
		case <-debounce.C:
			if err := tw.reload(path); err != nil {
				continue
			}
		case _, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (tw *TokenWatcher) reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read token file %s: %w", path, err)
	}
	tw.mu.Lock()
	tw.current = strings.TrimSpace(string(data))
	tw.mu.Unlock()
	return nil
}

// Token returns the token file's current contents.
func (tw *TokenWatcher) Token() string {
	tw.mu.RLock()
	defer tw.mu.RUnlock()
	return tw.current
}

// Close stops the watch loop.
func (tw *TokenWatcher) Close() error {
	close(tw.closed)
	if tw.watcher != nil {
		return tw.watcher.Close()
	}
	return nil
}
