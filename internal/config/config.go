// Package config loads the pobserve YAML configuration and watches it for
// changes.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/valer-cara/pobserve/internal/event"
)

// Config is the on-disk configuration.
type Config struct {
	// ResourceDir holds the shim libraries. Empty means next to the
	// pobserve binary.
	ResourceDir string `yaml:"resource_dir"`
	// SocketRoot is where per-run socket directories are created.
	SocketRoot string `yaml:"socket_root"`
	// Output is "text" or "json".
	Output string `yaml:"output"`
	// Observe maps a kind name to its option names, e.g. exec: [cwd, env].
	// A kind that is absent is not observed.
	Observe map[string][]string `yaml:"observe"`
	// Notify lists the criteria that raise a desktop notification when an
	// EXEC event matches.
	Notify []Criterion `yaml:"notify"`
}

// Criterion is one notification rule.
type Criterion struct {
	Name        string `yaml:"name"`
	Match       Match  `yaml:"match"`
	NotifyTitle string `yaml:"notify_title"`
	NotifyBody  string `yaml:"notify_body"`
	Urgency     string `yaml:"urgency"`
}

// Match selects EXEC events. Every set field must match.
type Match struct {
	NameRegex       string   `yaml:"name_regex"`
	CmdlineContains []string `yaml:"cmdline_contains"`
	Username        string   `yaml:"username"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		SocketRoot: "/tmp",
		Output:     "text",
		Observe: map[string][]string{
			"exec": nil,
		},
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	cfg.Observe = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Observe == nil {
		cfg.Observe = Default().Observe
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields Load cannot check through types alone.
func (c *Config) Validate() error {
	switch c.Output {
	case "text", "json":
	default:
		return fmt.Errorf("output must be text or json, got %q", c.Output)
	}
	_, err := c.Observations()
	return err
}

var optionNames = map[event.Kind]map[string]uint8{
	event.KindExec: {
		"cwd":       uint8(event.ExecCWD),
		"env":       uint8(event.ExecEnv),
		"path":      uint8(event.ExecPath),
		"no_access": uint8(event.ExecNoAccess),
	},
	event.KindOpen: {
		"cwd": uint8(event.OpenCWD),
	},
}

// OptionNames lists the option names valid for k.
func OptionNames(k event.Kind) []string {
	names := make([]string, 0, len(optionNames[k]))
	for name := range optionNames[k] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseOptions turns option names for k into its bitset.
func ParseOptions(k event.Kind, names []string) (uint8, error) {
	var flags uint8
	for _, name := range names {
		bit, ok := optionNames[k][name]
		if !ok {
			return 0, fmt.Errorf("unknown %s option %q (valid: %v)", k, name, OptionNames(k))
		}
		flags |= bit
	}
	return flags, nil
}

// Observations resolves Observe into per-kind option bits, keyed by the
// kinds to observe.
func (c *Config) Observations() (map[event.Kind]uint8, error) {
	out := make(map[event.Kind]uint8, len(c.Observe))
	for name, opts := range c.Observe {
		k, ok := event.KindByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown event kind %q", name)
		}
		flags, err := ParseOptions(k, opts)
		if err != nil {
			return nil, err
		}
		out[k] = flags
	}
	return out, nil
}

// Watch calls onChange with the reloaded configuration every time path is
// written or recreated, until ctx is done. A file that fails to load is
// logged and the previous configuration stays in effect.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	// Editors replace files, so watch the directory.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer fw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				cfg, err := Load(abs)
				if err != nil {
					slog.Warn("config reload failed, keeping current configuration", "path", abs, "error", err)
					continue
				}
				slog.Info("config reloaded", "path", abs, "criteria", len(cfg.Notify))
				onChange(cfg)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
