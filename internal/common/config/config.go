// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DeploymentMode selects single-implicit-workspace vs API-provisioned workspaces.
type DeploymentMode string

const (
	ModeMonoUser  DeploymentMode = "mono_user"
	ModeMultiUser DeploymentMode = "multi_user"
)

// StorageBackend selects the Store implementation.
type StorageBackend string

const (
	StorageEmbedded StorageBackend = "embedded"
	StorageExternal StorageBackend = "external"
)

// SandboxBackend selects the Sandbox implementation.
type SandboxBackend string

const (
	SandboxFork   SandboxBackend = "fork"
	SandboxDocker SandboxBackend = "docker"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server              ServerConfig              `mapstructure:"server"`
	Deployment          DeploymentConfig          `mapstructure:"deployment"`
	Store               StoreConfig               `mapstructure:"store"`
	NATS                NATSConfig                `mapstructure:"nats"`
	Docker              DockerConfig              `mapstructure:"docker"`
	Sandbox             SandboxConfig             `mapstructure:"sandbox"`
	Auth                AuthConfig                `mapstructure:"auth"`
	Logging             LoggingConfig             `mapstructure:"logging"`
	RepositoryDiscovery RepositoryDiscoveryConfig `mapstructure:"repositoryDiscovery"`
	Worktree            WorktreeConfig            `mapstructure:"worktree"`
	RepoClone           RepoCloneConfig           `mapstructure:"repoClone"`
	Session             SessionConfig             `mapstructure:"session"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DeploymentConfig holds deployment-mode settings.
type DeploymentConfig struct {
	Mode            DeploymentMode `mapstructure:"mode"`
	HandoffURLFile  string         `mapstructure:"handoffUrlFile"`
	DataRoot        string         `mapstructure:"dataRoot"`
	HomeRoot        string         `mapstructure:"homeRoot"`
}

// StoreConfig holds Store backend configuration.
type StoreConfig struct {
	Backend            StorageBackend `mapstructure:"backend"`
	SQLitePath         string         `mapstructure:"sqlitePath"`
	BusyTimeoutSeconds int            `mapstructure:"busyTimeoutSeconds"`
}

// BusyTimeout returns the configured SQLite busy_timeout as a Duration.
func (s *StoreConfig) BusyTimeout() time.Duration {
	return time.Duration(s.BusyTimeoutSeconds) * time.Second
}

// NATSConfig holds NATS JetStream KV configuration (the external Store backend).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	KVBucketTTL   int    `mapstructure:"kvBucketTtlSeconds"`
}

// DockerConfig holds Docker client configuration, used by the Sandbox's
// container backend.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// SandboxConfig holds Sandbox behavior configuration.
type SandboxConfig struct {
	Backend    SandboxBackend `mapstructure:"backend"`
	UIDRangeLo int            `mapstructure:"uidRangeLo"`
	UIDRangeHi int            `mapstructure:"uidRangeHi"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwtSecret"`
	AccessTokenTTLSeconds int   `mapstructure:"accessTokenTtlSeconds"`
	RefreshTokenTTLDays   int   `mapstructure:"refreshTokenTtlDays"`
	HandoffTokenTTLSeconds int  `mapstructure:"handoffTokenTtlSeconds"`
	Issuer               string `mapstructure:"issuer"`
	Audience             string `mapstructure:"audience"`
}

// AccessTokenTTL returns the configured access-token lifetime.
func (a *AuthConfig) AccessTokenTTL() time.Duration {
	return time.Duration(a.AccessTokenTTLSeconds) * time.Second
}

// RefreshTokenTTL returns the configured refresh-token lifetime.
func (a *AuthConfig) RefreshTokenTTL() time.Duration {
	return time.Duration(a.RefreshTokenTTLDays) * 24 * time.Hour
}

// HandoffTokenTTL returns the configured handoff-token lifetime, capped at
// 60 seconds per the data model invariant.
func (a *AuthConfig) HandoffTokenTTL() time.Duration {
	ttl := time.Duration(a.HandoffTokenTTLSeconds) * time.Second
	if ttl <= 0 || ttl > 60*time.Second {
		return 60 * time.Second
	}
	return ttl
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RepositoryDiscoveryConfig holds configuration for local repository scanning
// and credential-profile resolution ahead of a clone.
type RepositoryDiscoveryConfig struct {
	Roots    []string `mapstructure:"roots"`
	MaxDepth int      `mapstructure:"maxDepth"`
}

// WorktreeConfig holds Git worktree configuration for concurrent agent execution.
type WorktreeConfig struct {
	BasePath      string `mapstructure:"basePath"`
	DefaultBranch string `mapstructure:"defaultBranch"`
}

// RepoCloneConfig holds configuration for automatic repository cloning.
type RepoCloneConfig struct {
	BasePath string `mapstructure:"basePath"`
}

// SessionConfig holds SessionManager tuning knobs and resource ceilings.
type SessionConfig struct {
	IdleTTLMinutes          int `mapstructure:"idleTtlMinutes"`
	MaxTTLHours             int `mapstructure:"maxTtlHours"`
	GCIntervalSeconds       int `mapstructure:"gcIntervalSeconds"`
	WakeupDefaultSeconds    int `mapstructure:"wakeupDefaultSeconds"`
	WakeupMaxSeconds        int `mapstructure:"wakeupMaxSeconds"`
	DiffDebounceMillis      int `mapstructure:"diffDebounceMillis"`
	BroadcasterQueueSize    int `mapstructure:"broadcasterQueueSize"`
	RPCLogBufferSize        int `mapstructure:"rpcLogBufferSize"`
	PingIntervalSeconds     int `mapstructure:"pingIntervalSeconds"`
	PingGraceSeconds        int `mapstructure:"pingGraceSeconds"`
	MaxTreeEntries          int `mapstructure:"maxTreeEntries"`
	MaxTreeDepth            int `mapstructure:"maxTreeDepth"`
	MaxFileBytes            int `mapstructure:"maxFileBytes"`
	MaxWriteBytes           int `mapstructure:"maxWriteBytes"`
}

func (s *SessionConfig) IdleTTL() time.Duration   { return time.Duration(s.IdleTTLMinutes) * time.Minute }
func (s *SessionConfig) MaxTTL() time.Duration    { return time.Duration(s.MaxTTLHours) * time.Hour }
func (s *SessionConfig) GCInterval() time.Duration {
	return time.Duration(s.GCIntervalSeconds) * time.Second
}
func (s *SessionConfig) WakeupDefault() time.Duration {
	return time.Duration(s.WakeupDefaultSeconds) * time.Second
}
func (s *SessionConfig) WakeupMax() time.Duration {
	return time.Duration(s.WakeupMaxSeconds) * time.Second
}
func (s *SessionConfig) DiffDebounce() time.Duration {
	return time.Duration(s.DiffDebounceMillis) * time.Millisecond
}
func (s *SessionConfig) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalSeconds) * time.Second
}
func (s *SessionConfig) PingGrace() time.Duration {
	return time.Duration(s.PingGraceSeconds) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTHARBOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("deployment.mode", string(ModeMonoUser))
	v.SetDefault("deployment.handoffUrlFile", "./handoff-url.txt")
	v.SetDefault("deployment.dataRoot", "./data")
	v.SetDefault("deployment.homeRoot", "./home")

	v.SetDefault("store.backend", string(StorageEmbedded))
	v.SetDefault("store.sqlitePath", "./agentharbor.db")
	v.SetDefault("store.busyTimeoutSeconds", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentharbor")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.kvBucketTtlSeconds", 0)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "agentharbor-network")

	v.SetDefault("sandbox.backend", string(SandboxFork))
	v.SetDefault("sandbox.uidRangeLo", 100000)
	v.SetDefault("sandbox.uidRangeHi", 165535)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.accessTokenTtlSeconds", 900) // 15 minutes
	v.SetDefault("auth.refreshTokenTtlDays", 30)
	v.SetDefault("auth.handoffTokenTtlSeconds", 60)
	v.SetDefault("auth.issuer", "agentharbor")
	v.SetDefault("auth.audience", "agentharbor-clients")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("repositoryDiscovery.roots", []string{})
	v.SetDefault("repositoryDiscovery.maxDepth", 5)

	v.SetDefault("worktree.basePath", "~/.agentharbor/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")

	v.SetDefault("repoClone.basePath", "~/.agentharbor/repos")

	v.SetDefault("session.idleTtlMinutes", 30)
	v.SetDefault("session.maxTtlHours", 24)
	v.SetDefault("session.gcIntervalSeconds", 60)
	v.SetDefault("session.wakeupDefaultSeconds", 15)
	v.SetDefault("session.wakeupMaxSeconds", 60)
	v.SetDefault("session.diffDebounceMillis", 500)
	v.SetDefault("session.broadcasterQueueSize", 256)
	v.SetDefault("session.rpcLogBufferSize", 500)
	v.SetDefault("session.pingIntervalSeconds", 25)
	v.SetDefault("session.pingGraceSeconds", 8)
	v.SetDefault("session.maxTreeEntries", 10000)
	v.SetDefault("session.maxTreeDepth", 8)
	v.SetDefault("session.maxFileBytes", 2*1024*1024)
	v.SetDefault("session.maxWriteBytes", 2*1024*1024)
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTHARBOR_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentharbor/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTHARBOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the deployment-facing env var names, which
	// don't share the nested config-key naming AutomaticEnv expects.
	_ = v.BindEnv("deployment.mode", "DEPLOYMENT_MODE")
	_ = v.BindEnv("store.backend", "STORAGE_BACKEND")
	_ = v.BindEnv("deployment.dataRoot", "AGENTHARBOR_DATA_ROOT")
	_ = v.BindEnv("deployment.homeRoot", "AGENTHARBOR_HOME_ROOT")
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("auth.jwtSecret", "JWT_KEY_PATH")
	_ = v.BindEnv("deployment.handoffUrlFile", "HANDOFF_URL_FILE")
	_ = v.BindEnv("logging.level", "AGENTHARBOR_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentharbor/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// JWT_KEY_PATH carries a file path, not the key itself; when the value
	// names a readable file, the key material is its contents.
	if cfg.Auth.JWTSecret != "" {
		if data, err := os.ReadFile(cfg.Auth.JWTSecret); err == nil {
			cfg.Auth.JWTSecret = strings.TrimSpace(string(data))
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Deployment.Mode {
	case ModeMonoUser, ModeMultiUser:
	default:
		errs = append(errs, "deployment.mode must be one of: mono_user, multi_user")
	}

	switch cfg.Store.Backend {
	case StorageEmbedded, StorageExternal:
	default:
		errs = append(errs, "store.backend must be one of: embedded, external")
	}
	if cfg.Store.Backend == StorageExternal && cfg.NATS.URL == "" {
		errs = append(errs, "nats.url is required when store.backend=external")
	}
	if cfg.Store.BusyTimeoutSeconds <= 0 {
		// An explicit busy_timeout is mandatory, not optional.
		cfg.Store.BusyTimeoutSeconds = 5
	}

	switch cfg.Sandbox.Backend {
	case SandboxFork, SandboxDocker:
	default:
		errs = append(errs, "sandbox.backend must be one of: fork, docker")
	}
	if cfg.Sandbox.Backend == SandboxDocker && !cfg.Docker.Enabled {
		cfg.Docker.Enabled = true
	}
	if cfg.Sandbox.UIDRangeLo <= 0 || cfg.Sandbox.UIDRangeHi <= cfg.Sandbox.UIDRangeLo {
		errs = append(errs, "sandbox.uidRangeLo must be positive and less than uidRangeHi")
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.AccessTokenTTLSeconds <= 0 {
		errs = append(errs, "auth.accessTokenTtlSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.RepositoryDiscovery.MaxDepth <= 0 {
		errs = append(errs, "repositoryDiscovery.maxDepth must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// ExpandHome expands a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
