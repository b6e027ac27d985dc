package utils

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
)

// ServerConfig holds scheduler configuration
type ServerConfig struct {
	// HTTP API and agent dial-in endpoint
	ListenAddr string `yaml:"listen"`

	// Pipeline run directories and history database
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database"`

	// Delay before an agent controller retries after a failed dispatch attempt
	RetryDelay time.Duration `yaml:"retry_delay"`

	// TLS identity served to dial-in agents and presented to dial-out agents (optional)
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	LogLevel string `yaml:"log_level"`

	Agents []models.AgentConfig `yaml:"agents"`
}

// AgentConfig holds build agent configuration
type AgentConfig struct {
	Name string `yaml:"name"`
	// Shared secret presented on every session connection
	Key string `yaml:"key"`

	// Listen mode: the server dials this address
	ListenAddr string `yaml:"listen"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`

	// Dial-in mode: the agent connects to the server
	ServerURL         string `yaml:"server_url"`
	ServerFingerprint string `yaml:"server_fingerprint"`

	MaxJobs   int    `yaml:"max_jobs"`
	WorkDir   string `yaml:"work_dir"`
	BuildTool string `yaml:"build_tool"`
	SdkDir    string `yaml:"sdk_dir"`

	LogLevel string `yaml:"log_level"`
}

// LoadServerConfig reads a YAML file (if path is non-empty), then applies environment overrides
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{
		ListenAddr:   "0.0.0.0:8080",
		DataDir:      "data",
		DatabasePath: "buildfarm.db",
		RetryDelay:   models.DefaultRetryDelay,
		LogLevel:     "INFO",
	}

	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}

	cfg.ListenAddr = getEnv("BUILDFARM_LISTEN", cfg.ListenAddr)
	cfg.DataDir = getEnv("BUILDFARM_DATA_DIR", cfg.DataDir)
	cfg.DatabasePath = getEnv("BUILDFARM_DB_PATH", cfg.DatabasePath)
	cfg.RetryDelay = getEnvAsDuration("BUILDFARM_RETRY_DELAY", cfg.RetryDelay)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	for _, agent := range cfg.Agents {
		if err := agent.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", path, err)
		}
	}

	return cfg, nil
}

// LoadAgentConfig reads a YAML file (if path is non-empty), then applies environment overrides
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := &AgentConfig{
		MaxJobs:   1,
		WorkDir:   os.TempDir(),
		BuildTool: "buildfarm-build",
		LogLevel:  "INFO",
	}

	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}

	cfg.Name = getEnv("AGENT_NAME", cfg.Name)
	cfg.Key = getEnv("AGENT_KEY", cfg.Key)
	cfg.ListenAddr = getEnv("AGENT_LISTEN", cfg.ListenAddr)
	cfg.ServerURL = getEnv("AGENT_SERVER_URL", cfg.ServerURL)
	cfg.MaxJobs = getEnvAsInt("AGENT_MAX_JOBS", cfg.MaxJobs)
	cfg.WorkDir = getEnv("AGENT_WORK_DIR", cfg.WorkDir)
	cfg.BuildTool = getEnv("AGENT_BUILD_TOOL", cfg.BuildTool)
	cfg.SdkDir = getEnv("AGENT_SDK_DIR", cfg.SdkDir)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	return cfg, nil
}

// Validate checks that exactly one connection mode is configured
func (c *AgentConfig) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("agent key is required")
	}
	if (c.ListenAddr == "") == (c.ServerURL == "") {
		return fmt.Errorf("exactly one of listen address or server url must be set")
	}
	if err := models.ValidateWorkers(c.MaxJobs); err != nil {
		return fmt.Errorf("max jobs: %w", err)
	}
	return nil
}

func loadYAML(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as a duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
