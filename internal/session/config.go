package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/term-engine/internal/agent"
	"github.com/asheshgoplani/term-engine/internal/frame"
	"github.com/asheshgoplani/term-engine/internal/logging"
)

var configLog = logging.ForComponent(logging.CompSession)

// ConfigFileName is the TOML config file for engine settings.
const ConfigFileName = "term-engine.toml"

// Config is the engine's user-facing configuration in TOML format.
type Config struct {
	// Shell is the default shell command for plain sessions.
	// Empty falls back to $SHELL, then /bin/sh.
	Shell string `toml:"shell"`

	// LogDir is where rotated logs are written. Empty discards logs
	// unless debug is on.
	LogDir string `toml:"log_dir"`

	// LogLevel is "debug", "info", "warn", or "error".
	LogLevel string `toml:"log_level"`

	Frame      FrameSettings              `toml:"frame"`
	Observer   ObserverSettings           `toml:"observer"`
	Proc       ProcSettings               `toml:"proc"`
	Pool       PoolSettings               `toml:"pool"`
	Classifier ClassifierSettings         `toml:"classifier"`
	Web        WebSettings                `toml:"web"`
	Scrollback ScrollbackSettings         `toml:"scrollback"`
	Patterns   map[string]PatternSettings `toml:"patterns"`
}

// FrameSettings tunes the frame stabilizer. The defaults are empirically
// tuned for current agent TUIs; they are configuration, not protocol.
type FrameSettings struct {
	StabilityMs   int `toml:"stability_ms"`    // default 100
	InteractiveMs int `toml:"interactive_ms"`  // default 32
	MaxHoldMs     int `toml:"max_hold_ms"`     // default 200
	SyncTimeoutMs int `toml:"sync_timeout_ms"` // default 500
	OverflowKiB   int `toml:"overflow_kib"`    // default 512
}

// ObserverSettings tunes the silent-session polling loop.
type ObserverSettings struct {
	PollIntervalMs     int `toml:"poll_interval_ms"`     // default 200
	SilenceThresholdMs int `toml:"silence_threshold_ms"` // default 500
	AIThrottleMs       int `toml:"ai_throttle_ms"`       // default 2000
	ScanWindowLines    int `toml:"scan_window_lines"`    // default 40
}

// ProcSettings tunes process-tree monitoring.
type ProcSettings struct {
	RefreshIntervalMs int     `toml:"refresh_interval_ms"` // default 2000
	CPUThreshold      float64 `toml:"cpu_threshold"`       // default 1.0 (%)
}

// PoolSettings tunes the pre-spawned shell pool.
type PoolSettings struct {
	Size int `toml:"size"` // default 0 (disabled)
}

// ClassifierSettings configures the AI tier. An empty endpoint disables it.
type ClassifierSettings struct {
	Endpoint         string `toml:"endpoint"`
	APIKeyEnv        string `toml:"api_key_env"` // env var holding the key
	Model            string `toml:"model"`
	RequestTimeoutMs int    `toml:"request_timeout_ms"` // default 10000
}

// WebSettings configures the HTTP/WebSocket surface.
type WebSettings struct {
	ListenAddr string `toml:"listen_addr"` // default 127.0.0.1:7070
	Token      string `toml:"token"`       // optional bearer token
}

// ScrollbackSettings tunes retained output.
type ScrollbackSettings struct {
	MaxLines int `toml:"max_lines"` // default 1000
}

// PatternSettings overrides detection patterns for one agent id.
type PatternSettings struct {
	Primary            []string `toml:"primary"`
	Fallback           []string `toml:"fallback"`
	FallbackConfidence float64  `toml:"fallback_confidence"`
	// Extra patterns append instead of replacing.
	ExtraPrimary  []string `toml:"extra_primary"`
	ExtraFallback []string `toml:"extra_fallback"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Frame: FrameSettings{
			StabilityMs:   100,
			InteractiveMs: 32,
			MaxHoldMs:     200,
			SyncTimeoutMs: 500,
			OverflowKiB:   512,
		},
		Observer: ObserverSettings{
			PollIntervalMs:     200,
			SilenceThresholdMs: 500,
			AIThrottleMs:       2000,
			ScanWindowLines:    agent.DefaultScanWindow,
		},
		Proc: ProcSettings{
			RefreshIntervalMs: 2000,
			CPUThreshold:      1.0,
		},
		Classifier: ClassifierSettings{
			RequestTimeoutMs: 10000,
		},
		Web: WebSettings{
			ListenAddr: "127.0.0.1:7070",
		},
		Scrollback: ScrollbackSettings{
			MaxLines: 1000,
		},
	}
}

// LoadConfig reads the TOML file at path over the defaults. A missing file
// is not an error; a malformed one is.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// DefaultConfigPath returns ~/.term-engine/term-engine.toml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ConfigFileName
	}
	return filepath.Join(home, ".term-engine", ConfigFileName)
}

// DefaultShell resolves the shell to spawn for plain sessions.
func (c *Config) DefaultShell() string {
	if c.Shell != "" {
		return c.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// FrameConfig converts the settings to the stabilizer's config.
func (c *Config) FrameConfig() frame.Config {
	return frame.Config{
		StabilityDelay:   time.Duration(c.Frame.StabilityMs) * time.Millisecond,
		InteractiveDelay: time.Duration(c.Frame.InteractiveMs) * time.Millisecond,
		MaxHold:          time.Duration(c.Frame.MaxHoldMs) * time.Millisecond,
		SyncTimeout:      time.Duration(c.Frame.SyncTimeoutMs) * time.Millisecond,
		OverflowLimit:    c.Frame.OverflowKiB * 1024,
	}
}

// PatternOverrides converts [patterns.*] sections into detector overrides.
func (c *Config) PatternOverrides() map[string]*agent.RawPatternSet {
	if len(c.Patterns) == 0 {
		return nil
	}
	out := make(map[string]*agent.RawPatternSet, len(c.Patterns))
	for id, p := range c.Patterns {
		override := &agent.RawPatternSet{
			Primary:            p.Primary,
			Fallback:           p.Fallback,
			FallbackConfidence: p.FallbackConfidence,
		}
		extras := &agent.RawPatternSet{
			Primary:  p.ExtraPrimary,
			Fallback: p.ExtraFallback,
		}
		out[id] = agent.MergeRawPatternSets(agent.DefaultRawPatternSet(id), override, extras)
	}
	return out
}

// WatchConfig watches path with fsnotify and invokes onChange with the
// reloaded config after writes, debounced. Returns a stop function.
// Used to hot-reload pattern overrides without restarting sessions.
func WatchConfig(path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than writing in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	done := make(chan struct{})
	go func() {
		var debounce *time.Timer
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(path) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				// Coalesce rapid save events before reloading.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, func() {
					cfg, err := LoadConfig(path)
					if err != nil {
						configLog.Warn("config_reload_failed", slog.String("error", err.Error()))
						return
					}
					configLog.Info("config_reloaded", slog.String("path", path))
					onChange(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				configLog.Warn("config_watch_error", slog.String("error", err.Error()))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			watcher.Close()
		})
	}, nil
}
