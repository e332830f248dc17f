package command

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Catalog holds the currently loaded configuration and reloads it when the file changes.
type Catalog struct {
	log      *zap.SugaredLogger
	path     string
	debounce time.Duration

	mut sync.RWMutex
	cfg *Config
}

type CatalogOption func(c *Catalog)

func WithCatalogLogger(l *zap.SugaredLogger) CatalogOption {
	return func(c *Catalog) {
		c.log = l.Named("catalog")
	}
}

func WithReloadDebounce(d time.Duration) CatalogOption {
	return func(c *Catalog) {
		c.debounce = d
	}
}

// NewCatalog loads the config at path. If path is empty, the default config is used and Watch is a no-op.
func NewCatalog(path string, opts ...CatalogOption) (*Catalog, error) {
	c := &Catalog{
		log:      zap.NewNop().Sugar(),
		path:     path,
		debounce: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	if path == "" {
		c.cfg = DefaultConfig()
		return c, nil
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewStaticCatalog wraps an already-loaded config.
func NewStaticCatalog(cfg *Config) *Catalog {
	return &Catalog{log: zap.NewNop().Sugar(), cfg: cfg}
}

func (c *Catalog) Path() string { return c.path }

func (c *Catalog) Config() *Config {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.cfg
}

func (c *Catalog) Get(id string) (Command, bool) {
	return c.Config().Find(id)
}

// List returns the commands that are not hidden.
func (c *Catalog) List() []Command {
	cfg := c.Config()
	cmds := make([]Command, 0, len(cfg.Commands))
	for _, cmd := range cfg.Commands {
		if !cmd.Hidden {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

// Reload re-reads the config file. On error the previous config stays in place.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	cfg, err := LoadConfig(c.path)
	if err != nil {
		return err
	}
	c.mut.Lock()
	c.cfg = cfg
	c.mut.Unlock()
	c.log.Infow("loaded commands", "Path", c.path, "Count", len(cfg.Commands))
	return nil
}

// Watch reloads the config whenever its file is written, until ctx is done.
// The parent directory is watched so that editors replacing the file by rename are picked up.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(c.path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching config dir: %w", err)
	}

	var timerMut sync.Mutex
	var timer *time.Timer
	defer func() {
		timerMut.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMut.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timerMut.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(c.debounce, func() {
				if err := c.Reload(); err != nil {
					c.log.Errorf("reloading config, keeping previous commands: %s", err)
				}
			})
			timerMut.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.Debugf("config watcher error: %s", err)
		}
	}
}
