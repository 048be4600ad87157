package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tesslate/studio/pkg/types"
)

// Config is the full studio server configuration
type Config struct {
	DeploymentMode types.DeploymentMode `yaml:"deployment_mode"`
	AppDomain      string               `yaml:"app_domain"`
	DataDir        string               `yaml:"data_dir"`
	Listen         string               `yaml:"listen"`
	IngressListen  string               `yaml:"ingress_listen"`

	AuthTokens []AuthToken `yaml:"auth_tokens"`

	ObjectStore ObjectStore `yaml:"object_store"`

	StorageClaimSize  string `yaml:"storage_claim_size"`
	StorageAccessMode string `yaml:"storage_access_mode"`
	StorageClass      string `yaml:"storage_class"`

	HibernationIdleMinutes int         `yaml:"hibernation_idle_minutes"`
	Hibernation            Hibernation `yaml:"hibernation"`
	Cleanup                Cleanup     `yaml:"cleanup"`

	Agent Agent `yaml:"agent"`

	CommandRateLimitPerMinute int `yaml:"command_rate_limit_per_minute"`

	DNS DNS `yaml:"dns"`

	// MasterKey seals project env vars at rest; base64 of 32 bytes
	MasterKey string `yaml:"master_key"`

	Cluster     Cluster     `yaml:"cluster"`
	LocalEngine LocalEngine `yaml:"local_engine"`

	TemplateDir string `yaml:"template_dir"`

	Log Log `yaml:"log"`
}

// AuthToken is one static bearer token; Name identifies the user
type AuthToken struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// ObjectStore configures the hibernation archive bucket
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Hibernation controls archive contents
type Hibernation struct {
	Exclude []string `yaml:"exclude"`
}

// Cleanup controls the idle container stop
type Cleanup struct {
	IdleMinutes int `yaml:"idle_minutes"`
}

// Agent configures the LLM gateway and turn budgets
type Agent struct {
	GatewayURL             string  `yaml:"gateway_url"`
	APIKey                 string  `yaml:"api_key"`
	Model                  string  `yaml:"model"`
	MaxIterations          int     `yaml:"max_iterations"`
	MaxCost                float64 `yaml:"max_cost"`
	MaxCostPerDay          float64 `yaml:"max_cost_per_day"`
	ApprovalTimeoutMinutes int     `yaml:"approval_timeout_minutes"`
	ContextTokens          int     `yaml:"context_tokens"`

	// FetchAllowlist names hosts the fetch tool may reach without
	// approval; suffix match, so "example.com" covers its subdomains
	FetchAllowlist []string `yaml:"fetch_allowlist"`
}

// DNS configures the embedded wildcard resolver (local-engine only)
type DNS struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	HostIP  string `yaml:"host_ip"`
}

// Cluster configures the kubernetes substrate
type Cluster struct {
	Kubeconfig       string `yaml:"kubeconfig"`
	FileManagerImage string `yaml:"file_manager_image"`
}

// LocalEngine configures the containerd substrate
type LocalEngine struct {
	ContainerdSocket string `yaml:"containerd_socket"`
	Namespace        string `yaml:"namespace"`
	FileManagerImage string `yaml:"file_manager_image"`
}

// Log configures output level and format
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a config with every default applied
func Default() *Config {
	return &Config{
		DeploymentMode:            types.ModeLocalEngine,
		AppDomain:                 "studio.local",
		DataDir:                   "/var/lib/studio",
		Listen:                    ":8080",
		IngressListen:             ":80",
		StorageClaimSize:          "2Gi",
		StorageAccessMode:         "ReadWriteMany",
		HibernationIdleMinutes:    30,
		Hibernation:               Hibernation{Exclude: []string{"node_modules", ".git", "__pycache__"}},
		Cleanup:                   Cleanup{IdleMinutes: 15},
		CommandRateLimitPerMinute: 30,
		Agent: Agent{
			MaxIterations:          100,
			MaxCost:                5.0,
			MaxCostPerDay:          20.0,
			ApprovalTimeoutMinutes: 5,
			ContextTokens:          128000,
			Model:                  "gpt-4o",
		},
		DNS: DNS{Listen: ":53"},
		LocalEngine: LocalEngine{
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "studio",
			FileManagerImage: "docker.io/library/busybox:1.36",
		},
		Cluster: Cluster{
			FileManagerImage: "docker.io/library/busybox:1.36",
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path (if non-empty), overlays environment variables, and
// validates the result. A missing file with an empty path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr("STUDIO_DEPLOYMENT_MODE", (*string)(&c.DeploymentMode))
	setStr("STUDIO_APP_DOMAIN", &c.AppDomain)
	setStr("STUDIO_DATA_DIR", &c.DataDir)
	setStr("STUDIO_LISTEN", &c.Listen)
	setStr("STUDIO_MASTER_KEY", &c.MasterKey)
	setStr("STUDIO_GATEWAY_URL", &c.Agent.GatewayURL)
	setStr("STUDIO_GATEWAY_API_KEY", &c.Agent.APIKey)
	setStr("STUDIO_MODEL", &c.Agent.Model)
	setStr("STUDIO_OBJECT_STORE_ENDPOINT", &c.ObjectStore.Endpoint)
	setStr("STUDIO_OBJECT_STORE_ACCESS_KEY", &c.ObjectStore.AccessKey)
	setStr("STUDIO_OBJECT_STORE_SECRET_KEY", &c.ObjectStore.SecretKey)
	setStr("STUDIO_OBJECT_STORE_BUCKET", &c.ObjectStore.Bucket)
	setStr("STUDIO_KUBECONFIG", &c.Cluster.Kubeconfig)
	setStr("STUDIO_CONTAINERD_SOCKET", &c.LocalEngine.ContainerdSocket)
	setStr("STUDIO_LOG_LEVEL", &c.Log.Level)

	if v := os.Getenv("STUDIO_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Agent.MaxIterations = n
		}
	}
	if v := os.Getenv("STUDIO_MAX_COST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Agent.MaxCost = f
		}
	}
	if v := os.Getenv("STUDIO_MAX_COST_PER_DAY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Agent.MaxCostPerDay = f
		}
	}
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	switch c.DeploymentMode {
	case types.ModeLocalEngine, types.ModeCluster:
	default:
		return fmt.Errorf("invalid deployment_mode %q: must be %q or %q",
			c.DeploymentMode, types.ModeLocalEngine, types.ModeCluster)
	}
	if c.AppDomain == "" {
		return fmt.Errorf("app_domain is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	if c.HibernationIdleMinutes < 0 {
		return fmt.Errorf("hibernation_idle_minutes must not be negative")
	}
	if c.CommandRateLimitPerMinute <= 0 {
		return fmt.Errorf("command_rate_limit_per_minute must be positive")
	}
	return nil
}

// HibernationIdle returns the idle window as a duration
func (c *Config) HibernationIdle() time.Duration {
	return time.Duration(c.HibernationIdleMinutes) * time.Minute
}

// CleanupIdle returns the container idle-stop window as a duration
func (c *Config) CleanupIdle() time.Duration {
	return time.Duration(c.Cleanup.IdleMinutes) * time.Minute
}

// ApprovalTimeout returns how long a parked approval waits before stop
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Agent.ApprovalTimeoutMinutes) * time.Minute
}
