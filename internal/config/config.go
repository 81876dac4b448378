package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig holds the ops listeners (health, metrics, gRPC health).
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds the Postgres pool settings.
type DatabaseConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"ssl_mode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
	Migrate     bool          `mapstructure:"migrate"`
}

// NATSConfig holds the broker connection and subject layout.
type NATSConfig struct {
	URL                 string        `mapstructure:"url"`
	ClientName          string        `mapstructure:"client_name"`
	CommandPrefix       string        `mapstructure:"command_prefix"`
	QueueGroup          string        `mapstructure:"queue_group"`
	NotificationPrefix  string        `mapstructure:"notification_prefix"`
	ReconnectWait       time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects       int           `mapstructure:"max_reconnects"`
	NotificationsEnable bool          `mapstructure:"notifications_enabled"`
}

// WorkflowConfig tunes the approval engine.
type WorkflowConfig struct {
	TxTimeout  time.Duration        `mapstructure:"tx_timeout"`
	AdminGroup string               `mapstructure:"admin_group"`
	Subjects   []SubjectTableConfig `mapstructure:"subjects"`
}

// SubjectTableConfig maps a subject kind onto the table that owns it.
// Empty column names fall back to the defaults applied in Load.
type SubjectTableConfig struct {
	Kind             string `mapstructure:"kind"`
	Table            string `mapstructure:"table"`
	IDColumn         string `mapstructure:"id_column"`
	StatusColumn     string `mapstructure:"status_column"`
	AmountColumn     string `mapstructure:"amount_column"`
	DepartmentColumn string `mapstructure:"department_column"`
	ProjectColumn    string `mapstructure:"project_column"`
	TemplateColumn   string `mapstructure:"template_column"`
	CategoryColumn   string `mapstructure:"category_column"`
	CreatedByColumn  string `mapstructure:"created_by_column"`
	ReferenceColumn  string `mapstructure:"reference_column"`
}

// TracingConfig controls OpenTelemetry span export over OTLP/gRPC.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DefaultSubjects are the approvable objects of the ITSM suite.
var DefaultSubjects = []SubjectTableConfig{
	{Kind: "purchase_request", Table: "procurement_purchase_requests"},
	{Kind: "internal_memo", Table: "office_internal_memos"},
	{Kind: "change_request", Table: "change_requests"},
}

// Load reads configuration from an optional YAML file and the environment.
// An empty path means environment and defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ITSM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Workflow.Subjects) == 0 {
		cfg.Workflow.Subjects = append([]SubjectTableConfig(nil), DefaultSubjects...)
	}
	for i := range cfg.Workflow.Subjects {
		cfg.Workflow.Subjects[i].applyColumnDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-itsm-approvals")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "itsm")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)
	v.SetDefault("database.migrate", false)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.client_name", "be-itsm-approvals")
	v.SetDefault("nats.command_prefix", "itsm.approvals")
	v.SetDefault("nats.queue_group", "itsm-approvals")
	v.SetDefault("nats.notification_prefix", "notifications.itsm")
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.notifications_enabled", true)

	v.SetDefault("workflow.tx_timeout", 5*time.Second)
	v.SetDefault("workflow.admin_group", "itsm-admins")

	v.SetDefault("log.level", "info")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// bindEnvVars binds the unprefixed variable names used by the deployment
// manifests alongside the ITSM_ prefixed ones.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.host", "ITSM_DATABASE_HOST", "DATABASE_HOST")
	_ = v.BindEnv("database.port", "ITSM_DATABASE_PORT", "DATABASE_PORT")
	_ = v.BindEnv("database.user", "ITSM_DATABASE_USER", "DATABASE_USER")
	_ = v.BindEnv("database.password", "ITSM_DATABASE_PASSWORD", "DATABASE_PASSWORD")
	_ = v.BindEnv("database.database", "ITSM_DATABASE_NAME", "DATABASE_NAME")
	_ = v.BindEnv("nats.url", "ITSM_NATS_URL", "NATS_URL")
	_ = v.BindEnv("log.level", "ITSM_LOG_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("service.environment", "ITSM_ENVIRONMENT", "ENVIRONMENT")
	_ = v.BindEnv("server.grpc_port", "ITSM_GRPC_PORT", "GRPC_PORT")
	_ = v.BindEnv("tracing.endpoint", "ITSM_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func (s *SubjectTableConfig) applyColumnDefaults() {
	setIfEmpty(&s.IDColumn, "id")
	setIfEmpty(&s.StatusColumn, "status")
	setIfEmpty(&s.AmountColumn, "amount")
	setIfEmpty(&s.DepartmentColumn, "department_id")
	setIfEmpty(&s.ProjectColumn, "project_id")
	setIfEmpty(&s.TemplateColumn, "template_id")
	setIfEmpty(&s.CategoryColumn, "category_id")
	setIfEmpty(&s.CreatedByColumn, "created_by")
	setIfEmpty(&s.ReferenceColumn, "reference")
}

func setIfEmpty(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}

// DSN renders a pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// Validate checks the configuration for required values.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if c.Database.Host == "" || c.Database.Database == "" {
		return fmt.Errorf("database.host and database.database are required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("database.max_conns must be >= database.min_conns")
	}
	if c.Workflow.TxTimeout <= 0 {
		return fmt.Errorf("workflow.tx_timeout must be positive")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}

	seen := make(map[string]bool, len(c.Workflow.Subjects))
	for _, s := range c.Workflow.Subjects {
		if s.Kind == "" || s.Table == "" {
			return fmt.Errorf("workflow.subjects entries need kind and table")
		}
		if seen[s.Kind] {
			return fmt.Errorf("workflow.subjects: duplicate kind %q", s.Kind)
		}
		seen[s.Kind] = true
	}
	return nil
}
