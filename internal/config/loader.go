package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Loader decodes a Snapshot from a config file (plus SHADOWSYNC_*
// environment overrides via viper's AutomaticEnv) and validates it before
// returning. It is the teacher's env-struct load
// (internal/config.Load in the original) generalized to a structured,
// hot-reloadable file per spec 6.
type Loader struct {
	path   string
	v      *viper.Viper
	logger *log.Logger
}

// NewLoader returns a Loader bound to the config file at path.
func NewLoader(path string, logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.Default()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SHADOWSYNC")
	v.AutomaticEnv()
	v.SetDefault("strategy.type", string(StrategyRealtime))
	v.SetDefault("strategy.parallelism", 1)
	v.SetDefault("direction", "between_device_and_cloud")
	return &Loader{path: path, v: v, logger: logger}
}

// Load reads and validates the current Snapshot from disk.
func (l *Loader) Load() (Snapshot, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return Snapshot{}, fmt.Errorf("config: read %s: %w", l.path, err)
	}
	var snap Snapshot
	if err := l.v.Unmarshal(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("config: decode %s: %w", l.path, err)
	}
	if err := validate.Struct(snap); err != nil {
		return Snapshot{}, fmt.Errorf("config: validate %s: %w", l.path, err)
	}
	return snap, nil
}

// Watch blocks, publishing a newly-loaded, validated Snapshot on onChange
// every time the underlying file is written, until ctx is cancelled. A
// snapshot that fails to parse or validate is logged and skipped — never
// published — so a bad edit never tears down a running Handler.
func (l *Loader) Watch(ctx context.Context, onChange func(Snapshot)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: start watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			snap, err := l.Load()
			if err != nil {
				l.logger.Printf("config: reload of %s rejected: %v", l.path, err)
				continue
			}
			onChange(snap)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Printf("config: watcher error: %v", err)
		}
	}
}
