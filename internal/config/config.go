package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level askbridge config.
	WorkspaceDirName = ".askbridge"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
	// EnvConfigPath names an explicit config file when --config is not given.
	EnvConfigPath = "ASKBRIDGE_CONFIG"
)

// Strategy names accepted in session.strategies.
const (
	StrategyCached      = "cached"
	StrategySolve       = "solve"
	StrategyBrowser     = "browser_extract"
	StrategyManual      = "manual_file"
	StrategyInteractive = "interactive"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up.
	ExplicitDir string
}

// Config captures all tunable settings for askbridge.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Target    TargetConfig    `yaml:"target"`
	Session   SessionConfig   `yaml:"session"`
	Solver    SolverConfig    `yaml:"solver"`
	Transport TransportConfig `yaml:"transport"`
	Browser   BrowserConfig   `yaml:"browser"`
	Pool      PoolConfig      `yaml:"pool"`
	Store     StoreConfig     `yaml:"store"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Trace     TraceConfig     `yaml:"trace"`
	MCP       MCPConfig       `yaml:"mcp"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// TargetConfig describes the chat product being driven.
type TargetConfig struct {
	BaseURL      string `yaml:"base_url"`
	AskPath      string `yaml:"ask_path"`
	CookieDomain string `yaml:"cookie_domain"`
	Language     string `yaml:"language"`
}

// SessionConfig controls the acquisition pipeline.
type SessionConfig struct {
	// Strategies lists enabled strategies in order. Empty means all.
	Strategies     []string `yaml:"strategies"`
	DefaultProfile string   `yaml:"default_profile"`
	// ManualFiles are searched in ManualDirs (and the working directory).
	ManualFiles []string `yaml:"manual_files"`
	ManualDirs  []string `yaml:"manual_dirs"`
	// Browsers tried by the extraction strategy, e.g. chrome, edge, chromium.
	Browsers []string `yaml:"browsers"`
	// MergePolicy for non-protection token names: first-wins | last-wins.
	MergePolicy string `yaml:"merge_policy"`
	// Interactive enables the headed login fallback.
	Interactive *bool `yaml:"interactive"`
}

// SolverConfig tunes the challenge solver adapter.
type SolverConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	BlockThreshold int      `yaml:"block_threshold"`
	MaxWait        string   `yaml:"max_wait"`
	RequestTimeout string   `yaml:"request_timeout"`
	UserAgent      string   `yaml:"user_agent"`
	ContentMarkers []string `yaml:"content_markers"`
}

// TransportConfig tunes the HTTP path.
type TransportConfig struct {
	MaxRetries  int    `yaml:"max_retries"`
	BackoffBase string `yaml:"backoff_base"`
	Timeout     string `yaml:"timeout"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Launches a browser when empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional browser binary and flags, e.g. ["chromium", "--no-sandbox"].
	Launch []string `yaml:"launch"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Stealth patches navigator fingerprints on every new tab (default: true).
	Stealth *bool `yaml:"stealth"`
	// UserDataDir keeps a persistent browser profile between runs.
	UserDataDir              string `yaml:"user_data_dir"`
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	LoginTimeout             string `yaml:"login_timeout"`
	ManualLoginWait          string `yaml:"manual_login_wait"`
	CompletionTimeout        string `yaml:"completion_timeout"`
	PollInterval             string `yaml:"poll_interval"`
	// ArtifactDir receives exports and screenshots.
	ArtifactDir    string `yaml:"artifact_dir"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
	// Selectors overrides the built-in UI selectors by key.
	Selectors map[string]string `yaml:"selectors"`
}

// PoolConfig bounds concurrent browser tabs.
type PoolConfig struct {
	Size         int    `yaml:"size"`
	ResetTimeout string `yaml:"reset_timeout"`
}

// StoreConfig selects the credential store backend.
type StoreConfig struct {
	// Backend is "file" (default) or "redis".
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LedgerConfig controls the deductive attempt ledger.
type LedgerConfig struct {
	Enable          bool   `yaml:"enable"`
	RulesPath       string `yaml:"rules_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// TraceConfig controls raw stream recording.
type TraceConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
	Keep   int    `yaml:"keep"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

type MetricsConfig struct {
	Enable bool `yaml:"enable"`
	// Addr serves /metrics standalone when the SSE server is not running.
	Addr string `yaml:"addr"`
}

// DefaultConfig provides reasonable defaults for local use.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "askbridge",
			Version:  "0.3.0",
			LogFile:  "askbridge.log",
			LogLevel: "info",
		},
		Target: TargetConfig{
			BaseURL:      "https://www.perplexity.ai",
			AskPath:      "/rest/sse/perplexity_ask",
			CookieDomain: ".perplexity.ai",
			Language:     "en-US",
		},
		Session: SessionConfig{
			DefaultProfile: "default",
			ManualFiles:    []string{"cookies.json", "manual_cookies.json", "pp_cookies.json"},
			Browsers:       []string{"chrome", "edge", "chromium"},
			MergePolicy:    "first-wins",
		},
		Solver: SolverConfig{
			MaxAttempts:    10,
			BlockThreshold: 5,
			MaxWait:        "3s",
			RequestTimeout: "30s",
		},
		Transport: TransportConfig{
			MaxRetries:  3,
			BackoffBase: "1s",
			Timeout:     "60s",
		},
		Browser: BrowserConfig{
			DefaultNavigationTimeout: "30s",
			LoginTimeout:             "20s",
			ManualLoginWait:          "5m",
			CompletionTimeout:        "3m",
			PollInterval:             "500ms",
			ArtifactDir:              "exports",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Pool: PoolConfig{
			Size:         5,
			ResetTimeout: "2s",
		},
		Store: StoreConfig{
			Backend: "file",
			Dir:     defaultStoreDir(),
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "askbridge:",
			},
		},
		Ledger: LedgerConfig{
			Enable:          true,
			FactBufferLimit: 1024,
		},
		Trace: TraceConfig{
			Dir:  "data/traces",
			Keep: 3,
		},
	}
}

func defaultStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".askbridge/profiles"
	}
	return filepath.Join(home, ".askbridge", "profiles")
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .askbridge/config.yaml file.
// Returns the workspace root directory (parent of .askbridge/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace layers configuration:
//
//	DefaultConfig() <- .askbridge/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig == "" {
		explicitConfig = os.Getenv(EnvConfigPath)
	}
	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .askbridge/ directory with a template config at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	for _, d := range []string{wsDir, filepath.Join(wsDir, "profiles"), filepath.Join(wsDir, "data")} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# askbridge project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# store:
#   backend: file
#   dir: "profiles"

# session:
#   default_profile: default
#   strategies: [cached, solve, browser_extract, manual_file, interactive]

# browser:
#   headless: false
#   artifact_dir: "data/exports"

# trace:
#   enable: true
#   dir: "data/traces"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0o644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	// Profiles hold live session cookies.
	gitignore := "profiles/\ndata/\n"
	if err := os.WriteFile(filepath.Join(wsDir, ".gitignore"), []byte(gitignore), 0o644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	base := filepath.Join(wsDir, WorkspaceDirName)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Store.Dir = resolve(cfg.Store.Dir)
	cfg.Trace.Dir = resolve(cfg.Trace.Dir)
	cfg.Browser.ArtifactDir = resolve(cfg.Browser.ArtifactDir)
	cfg.Ledger.RulesPath = resolve(cfg.Ledger.RulesPath)
	return cfg
}

// Validate ensures required fields exist so the client starts deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	u, err := url.Parse(c.Target.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("target.base_url must be an absolute URL, got %q", c.Target.BaseURL)
	}
	switch c.Store.Backend {
	case "", "file":
		if c.Store.Dir == "" {
			return errors.New("store.dir is required for the file backend")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	for _, s := range c.Session.Strategies {
		switch s {
		case StrategyCached, StrategySolve, StrategyBrowser, StrategyManual, StrategyInteractive:
		default:
			return fmt.Errorf("unknown session strategy %q", s)
		}
	}
	switch c.Session.MergePolicy {
	case "", "first-wins", "last-wins":
	default:
		return fmt.Errorf("unknown session.merge_policy %q", c.Session.MergePolicy)
	}
	if c.Pool.Size < 0 {
		return errors.New("pool.size must not be negative")
	}
	return nil
}

// AskURL joins the base URL and the streaming endpoint path.
func (t TargetConfig) AskURL() string {
	path := t.AskPath
	if path == "" {
		path = "/rest/sse/perplexity_ask"
	}
	return trimSlash(t.BaseURL) + path
}

// Domain returns the cookie domain with a sane default.
func (t TargetConfig) Domain() string {
	if t.CookieDomain != "" {
		return t.CookieDomain
	}
	if u, err := url.Parse(t.BaseURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return ".perplexity.ai"
}

// GetLanguage returns the request language with a sane default.
func (t TargetConfig) GetLanguage() string {
	if t.Language == "" {
		return "en-US"
	}
	return t.Language
}

// Enabled reports whether the named strategy should run.
func (s SessionConfig) Enabled(name string) bool {
	if len(s.Strategies) == 0 {
		return true
	}
	for _, v := range s.Strategies {
		if v == name {
			return true
		}
	}
	return false
}

// IsInteractive reports whether the headed login fallback may run (default: true).
func (s SessionConfig) IsInteractive() bool {
	if s.Interactive == nil {
		return true
	}
	return *s.Interactive
}

// GetMaxAttempts returns the attempt bound with a sane default.
func (s SolverConfig) GetMaxAttempts() int {
	if s.MaxAttempts <= 0 {
		return 10
	}
	return s.MaxAttempts
}

// GetBlockThreshold returns the 403 fail-fast threshold with a sane default.
func (s SolverConfig) GetBlockThreshold() int {
	if s.BlockThreshold <= 0 {
		return 5
	}
	return s.BlockThreshold
}

// GetMaxWait returns the backoff ceiling with a sane default.
func (s SolverConfig) GetMaxWait() time.Duration {
	return parseDuration(s.MaxWait, 3*time.Second)
}

// GetRequestTimeout returns the per-request timeout with a sane default.
func (s SolverConfig) GetRequestTimeout() time.Duration {
	return parseDuration(s.RequestTimeout, 30*time.Second)
}

// GetMaxRetries returns the retry budget with a sane default.
func (t TransportConfig) GetMaxRetries() int {
	if t.MaxRetries <= 0 {
		return 3
	}
	return t.MaxRetries
}

// GetBackoffBase returns the first backoff interval with a sane default.
func (t TransportConfig) GetBackoffBase() time.Duration {
	return parseDuration(t.BackoffBase, time.Second)
}

// GetTimeout returns the streaming request timeout with a sane default.
func (t TransportConfig) GetTimeout() time.Duration {
	return parseDuration(t.Timeout, 60*time.Second)
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 30*time.Second)
}

// GetLoginTimeout bounds the automatic login check.
func (b BrowserConfig) GetLoginTimeout() time.Duration {
	return parseDuration(b.LoginTimeout, 20*time.Second)
}

// GetManualLoginWait bounds how long a headed session waits for a human.
func (b BrowserConfig) GetManualLoginWait() time.Duration {
	return parseDuration(b.ManualLoginWait, 5*time.Minute)
}

// GetCompletionTimeout bounds the wait for a generated answer.
func (b BrowserConfig) GetCompletionTimeout() time.Duration {
	return parseDuration(b.CompletionTimeout, 3*time.Minute)
}

// GetPollInterval returns the DOM polling interval with a sane default.
func (b BrowserConfig) GetPollInterval() time.Duration {
	return parseDuration(b.PollInterval, 500*time.Millisecond)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// UseStealth returns whether new tabs get the stealth patches (default: true).
func (b BrowserConfig) UseStealth() bool {
	if b.Stealth == nil {
		return true
	}
	return *b.Stealth
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// GetSize returns the pool size with a sane default.
func (p PoolConfig) GetSize() int {
	if p.Size <= 0 {
		return 5
	}
	return p.Size
}

// GetResetTimeout bounds the about:blank reset of a reused tab.
func (p PoolConfig) GetResetTimeout() time.Duration {
	return parseDuration(p.ResetTimeout, 2*time.Second)
}

// GetKeep returns how many trace files to retain.
func (t TraceConfig) GetKeep() int {
	if t.Keep <= 0 {
		return 3
	}
	return t.Keep
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
