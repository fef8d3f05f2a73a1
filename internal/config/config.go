package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "HIVEMIND_CONFIG"

// Config 描述了 HiveMind 在启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server" yaml:"server"`
	Auth          AuthConfig          `json:"auth" yaml:"auth"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Providers     ProvidersConfig     `json:"providers" yaml:"providers"`
	Cache         CacheConfig         `json:"cache" yaml:"cache"`
	Orchestrator  OrchestratorConfig  `json:"orchestrator" yaml:"orchestrator"`
	Collaboration CollaborationConfig `json:"collaboration" yaml:"collaboration"`
	Contracts     ContractsConfig     `json:"contracts" yaml:"contracts"`
	Knowledge     KnowledgeConfig     `json:"knowledge" yaml:"knowledge"`
	Web3          Web3Config          `json:"web3" yaml:"web3"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	TaskQueue     TaskQueueConfig     `json:"task_queue" yaml:"task_queue"`
	Runtime       RuntimeConfig       `json:"runtime" yaml:"runtime"`
	Telemetry     TelemetryConfig     `json:"telemetry" yaml:"telemetry"`
	Alerting      AlertingConfig      `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string   `json:"address" yaml:"address"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins"`
	ShutdownSeconds int      `json:"shutdown_seconds" yaml:"shutdown_seconds"`
}

// AuthConfig 选择鉴权模式：disabled、api_key 或 jwt。
type AuthConfig struct {
	Mode         string   `json:"mode" yaml:"mode"`
	APIKeys      []string `json:"api_keys" yaml:"api_keys"`
	APIKeysEnv   string   `json:"api_keys_env" yaml:"api_keys_env"`
	JWTSecret    string   `json:"jwt_secret" yaml:"jwt_secret"`
	JWTSecretEnv string   `json:"jwt_secret_env" yaml:"jwt_secret_env"`
	JWTIssuer    string   `json:"jwt_issuer" yaml:"jwt_issuer"`
}

// ResolvedAPIKeys 合并配置文件中的密钥与环境变量中以逗号分隔的密钥。
func (a AuthConfig) ResolvedAPIKeys() []string {
	keys := append([]string(nil), a.APIKeys...)
	if a.APIKeysEnv != "" {
		for _, k := range strings.Split(os.Getenv(a.APIKeysEnv), ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// ResolvedJWTSecret 优先读取环境变量中的签名密钥。
func (a AuthConfig) ResolvedJWTSecret() string {
	if a.JWTSecretEnv != "" {
		if v := strings.TrimSpace(os.Getenv(a.JWTSecretEnv)); v != "" {
			return v
		}
	}
	return a.JWTSecret
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// ProvidersConfig 定义主用（托管）与备用（本地）推理提供方。
type ProvidersConfig struct {
	Primary  ProviderConfig `json:"primary" yaml:"primary"`
	Fallback ProviderConfig `json:"fallback" yaml:"fallback"`
}

// ProviderConfig 描述单个推理提供方。Kind 取值 openai、ollama、python_bridge，为空表示未启用。
type ProviderConfig struct {
	Kind           string  `json:"kind" yaml:"kind"`
	ID             string  `json:"id" yaml:"id"`
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	Model          string  `json:"model" yaml:"model"`
	CodeModel      string  `json:"code_model" yaml:"code_model"`
	APIKey         string  `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string  `json:"api_key_env" yaml:"api_key_env"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	RateLimit      float64 `json:"rate_limit" yaml:"rate_limit"`
	Burst          int     `json:"burst" yaml:"burst"`
	PythonExec     string  `json:"python_executable" yaml:"python_executable"`
	ScriptPath     string  `json:"script_path" yaml:"script_path"`
	WorkingDir     string  `json:"working_dir" yaml:"working_dir"`
}

// Timeout 返回调用超时。
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// ResolvedAPIKey 优先读取环境变量中的密钥。
func (p ProviderConfig) ResolvedAPIKey() string {
	if p.APIKeyEnv != "" {
		if v := strings.TrimSpace(os.Getenv(p.APIKeyEnv)); v != "" {
			return v
		}
	}
	return p.APIKey
}

// CacheConfig 控制基于 Redis 的推理结果缓存。
type CacheConfig struct {
	Enabled    bool        `json:"enabled" yaml:"enabled"`
	TTLSeconds int         `json:"ttl_seconds" yaml:"ttl_seconds"`
	Redis      RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig 是所有 Redis 组件共用的连接信息。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// OrchestratorConfig 控制流水线执行。TimeoutSeconds 以请求类型为键。
type OrchestratorConfig struct {
	Workers        int            `json:"workers" yaml:"workers"`
	TimeoutSeconds map[string]int `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// CollaborationConfig 控制多代理协作通道。
type CollaborationConfig struct {
	Driver              string      `json:"driver" yaml:"driver"`
	AgentID             string      `json:"agent_id" yaml:"agent_id"`
	Counterparty        string      `json:"counterparty" yaml:"counterparty"`
	ReplyTimeoutSeconds int         `json:"reply_timeout_seconds" yaml:"reply_timeout_seconds"`
	PollInitialMillis   int         `json:"poll_initial_ms" yaml:"poll_initial_ms"`
	PollMaxMillis       int         `json:"poll_max_ms" yaml:"poll_max_ms"`
	ArchiveLimit        int         `json:"archive_limit" yaml:"archive_limit"`
	ServeLocalAuditor   bool        `json:"serve_local_auditor" yaml:"serve_local_auditor"`
	NATS                NATSConfig  `json:"nats" yaml:"nats"`
	Redis               RedisConfig `json:"redis" yaml:"redis"`
}

// NATSConfig 描述 NATS 连接，Embedded 为真时在进程内启动服务器。
type NATSConfig struct {
	URL      string `json:"url" yaml:"url"`
	Embedded bool   `json:"embedded" yaml:"embedded"`
	Port     int    `json:"port" yaml:"port"`
	StoreDir string `json:"store_dir" yaml:"store_dir"`
}

// ContractsConfig 选择编译器实现：builtin 或 solc。
type ContractsConfig struct {
	Compiler       string `json:"compiler" yaml:"compiler"`
	SolcPath       string `json:"solc_path" yaml:"solc_path"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// KnowledgeConfig 描述文档检索使用的知识库。
type KnowledgeConfig struct {
	Source     string `json:"source" yaml:"source"`
	MaxResults int    `json:"max_results" yaml:"max_results"`
}

// Web3Config 包含访问区块链节点与部署合约所需的信息。
type Web3Config struct {
	RPCURL        string `json:"rpc_url" yaml:"rpc_url"`
	ChainConfig   string `json:"chain_config" yaml:"chain_config"`
	DefaultChain  string `json:"default_chain" yaml:"default_chain"`
	PrivateKeyEnv string `json:"private_key_env" yaml:"private_key_env"`
	GasLimit      uint64 `json:"gas_limit" yaml:"gas_limit"`
}

// StorageConfig 描述任务存储。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store" yaml:"task_store"`
}

// TaskStoreConfig 支持 memory、mysql、sqlite。
type TaskStoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// TaskQueueConfig 支持 memory、redis、rabbitmq。
type TaskQueueConfig struct {
	Driver     string         `json:"driver" yaml:"driver"`
	Workers    int            `json:"workers" yaml:"workers"`
	MaxRetries int            `json:"max_retries" yaml:"max_retries"`
	Buffer     int            `json:"buffer" yaml:"buffer"`
	Redis      RedisConfig    `json:"redis" yaml:"redis"`
	RedisKey   string         `json:"redis_key" yaml:"redis_key"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 AMQP 连接。
type RabbitMQConfig struct {
	URL   string `json:"url" yaml:"url"`
	Queue string `json:"queue" yaml:"queue"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// TelemetryConfig 控制 Prometheus 指标与 OpenTelemetry 链路追踪。
type TelemetryConfig struct {
	MetricsDisabled bool   `json:"metrics_disabled" yaml:"metrics_disabled"`
	TracingEnabled  bool   `json:"tracing_enabled" yaml:"tracing_enabled"`
	OTLPEndpoint    string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName     string `json:"service_name" yaml:"service_name"`
}

// AlertingConfig 描述告警通知方式。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// Load 负责解析指定路径的配置文件，按扩展名选择 JSON 或 YAML。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回未加载任何文件时使用的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 10
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Providers.Primary.Kind == "" && c.Providers.Fallback.Kind == "" {
		c.Providers.Primary = ProviderConfig{Kind: "openai", ID: "groq", APIKeyEnv: "GROQ_API_KEY"}
		c.Providers.Fallback = ProviderConfig{Kind: "ollama", ID: "ollama"}
	}
	for _, p := range []*ProviderConfig{&c.Providers.Primary, &c.Providers.Fallback} {
		if p.Kind == "python_bridge" {
			if p.PythonExec == "" {
				p.PythonExec = "python3"
			}
			p.WorkingDir = resolvePath(baseDir, p.WorkingDir, baseDir)
		}
	}

	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 3600
	}
	if c.Orchestrator.Workers <= 0 {
		c.Orchestrator.Workers = 4
	}

	if c.Collaboration.Driver == "" {
		c.Collaboration.Driver = "memory"
	}
	if c.Collaboration.AgentID == "" {
		c.Collaboration.AgentID = "hivemind"
	}
	if c.Collaboration.Counterparty == "" {
		c.Collaboration.Counterparty = "auditor"
	}
	if c.Collaboration.ReplyTimeoutSeconds <= 0 {
		c.Collaboration.ReplyTimeoutSeconds = 30
	}
	if c.Collaboration.PollInitialMillis <= 0 {
		c.Collaboration.PollInitialMillis = 50
	}
	if c.Collaboration.PollMaxMillis <= 0 {
		c.Collaboration.PollMaxMillis = 2000
	}
	if c.Collaboration.ArchiveLimit <= 0 {
		c.Collaboration.ArchiveLimit = 1024
	}

	if c.Contracts.Compiler == "" {
		c.Contracts.Compiler = "builtin"
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 5
	}
	if c.Knowledge.Source != "" {
		c.Knowledge.Source = resolvePath(baseDir, c.Knowledge.Source, "")
	}
	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig, "")
	}
	if c.Web3.GasLimit == 0 {
		c.Web3.GasLimit = 3_000_000
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 2
	}
	if c.TaskQueue.MaxRetries <= 0 {
		c.TaskQueue.MaxRetries = 3
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 128
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, filepath.Join(baseDir, "data"))
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "hivemindd"
	}
}

// Validate 检查互相矛盾或无法识别的配置。
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if strings.EqualFold(value, a) {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 取值 %q 不受支持", field, value))
	}
	check("auth.mode", c.Auth.Mode, "disabled", "api_key", "jwt")
	check("collaboration.driver", c.Collaboration.Driver, "memory", "nats", "redis")
	check("contracts.compiler", c.Contracts.Compiler, "builtin", "solc")
	check("storage.task_store.driver", c.Storage.TaskStore.Driver, "memory", "mysql", "sqlite")
	check("task_queue.driver", c.TaskQueue.Driver, "memory", "redis", "rabbitmq")
	for name, p := range map[string]ProviderConfig{"providers.primary": c.Providers.Primary, "providers.fallback": c.Providers.Fallback} {
		if p.Kind != "" {
			check(name+".kind", p.Kind, "openai", "ollama", "python_bridge")
		}
	}
	if c.Providers.Primary.Kind == "" {
		errs = append(errs, errors.New("providers.primary 未配置"))
	}
	return errors.Join(errs...)
}

// PipelineTimeout 返回指定请求类型的总超时，未配置时返回 0。
func (c *Config) PipelineTimeout(kind string) time.Duration {
	if secs, ok := c.Orchestrator.TimeoutSeconds[kind]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		return fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
