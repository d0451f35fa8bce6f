package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "convoprobe.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/convoprobe"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "CONVOPROBE_"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	// lookupEnv and workDir are swappable for tests
	lookupEnv func(string) (string, bool)
	workDir   func() (string, error)
	homeDir   func() (string, error)
	explicit  string
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithFile loads exactly this project file instead of searching for one
func WithFile(path string) LoaderOption {
	return func(l *Loader) {
		l.explicit = path
	}
}

// WithEnv replaces os.LookupEnv
func WithEnv(lookup func(string) (string, bool)) LoaderOption {
	return func(l *Loader) {
		l.lookupEnv = lookup
	}
}

// WithDirs replaces the working and home directory lookups
func WithDirs(work, home string) LoaderOption {
	return func(l *Loader) {
		l.workDir = func() (string, error) { return work, nil }
		l.homeDir = func() (string, error) { return home, nil }
	}
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		logger:    logger,
		lookupEnv: os.LookupEnv,
		workDir:   os.Getwd,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/convoprobe/config.yaml)
// 3. Project config (convoprobe.yaml in current or parent directories)
// 4. CONVOPROBE_* environment variables
//
// The result is not validated; commands that talk to the agent call Validate.
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if userConfig, err := readFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	projectConfigPath := l.explicit
	if projectConfigPath == "" {
		projectConfigPath = l.findProjectConfig()
	}
	if projectConfigPath != "" {
		projectConfig, err := readFile(projectConfigPath)
		if err != nil {
			// An explicitly requested file must exist and parse.
			if l.explicit != "" {
				return nil, err
			}
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		} else {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		}
	} else {
		l.logger.Debug("No project config found")
	}

	l.applyEnv(config)
	return config, nil
}

// applyEnv overlays CONVOPROBE_* variables.
func (l *Loader) applyEnv(c *Config) {
	str := func(name string, dst *string) {
		if v, ok := l.lookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
			l.logger.Debug("Config from environment", slog.String("var", EnvPrefix+name))
		}
	}
	str("BASE_URL", &c.Agent.BaseURL)
	str("AGENT_ID", &c.Agent.AgentID)
	str("TOKEN", &c.Agent.Token)
	str("NATS_URL", &c.NATS.URL)
	str("HISTORY_DB", &c.History.Path)
	str("METRICS_ADDR", &c.Metrics.Addr)

	if v, ok := l.lookupEnv(EnvPrefix + "TIMEOUT"); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Agent.Timeout = d
		} else {
			l.logger.Warn("Ignoring invalid duration", slog.String("var", EnvPrefix+"TIMEOUT"), slog.String("value", v))
		}
	}
	if v, ok := l.lookupEnv(EnvPrefix + "VARIABLES"); ok && v != "" {
		c.Run.Variables = splitList(v)
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := l.homeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for convoprobe.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := l.workDir()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// splitList splits on commas and semicolons, dropping blanks.
func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
