package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. NSLABEL_FLOWSTATS_BASE_URL.
const EnvPrefix = "NSLABEL"

// Well-known capture scope meaning "the whole network" rather than one host.
const ScopeNetwork = "network"

// PhaseDef defines a single scenario phase from the config file.
type PhaseDef struct {
	Name     string        `mapstructure:"name" yaml:"name"`
	Label    string        `mapstructure:"label" yaml:"label"`
	Kind     string        `mapstructure:"kind" yaml:"kind"`
	Duration time.Duration `mapstructure:"duration" yaml:"duration"`
	Attacker string        `mapstructure:"attacker" yaml:"attacker,omitempty"`
	Victim   string        `mapstructure:"victim" yaml:"victim,omitempty"`
	// Capture lists capture scopes: "network" and/or host names.
	Capture []string `mapstructure:"capture" yaml:"capture,omitempty"`
}

// ScenarioConfig holds the ordered phase list.
type ScenarioConfig struct {
	Name   string     `mapstructure:"name" yaml:"name"`
	Phases []PhaseDef `mapstructure:"phases" yaml:"phases"`
}

// RunConfig holds run-wide settings.
type RunConfig struct {
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	// TimelineBuffer is added to the sum of phase durations to size the
	// collector's budget. Real phases overrun their configured durations;
	// calibrate per testbed.
	TimelineBuffer time.Duration `mapstructure:"timeline_buffer" yaml:"timeline_buffer"`
	CaptureGrace   time.Duration `mapstructure:"capture_grace" yaml:"capture_grace"`
}

// HostsConfig describes how commands are executed inside an emulated host.
type HostsConfig struct {
	// ExecPrefix is prepended to every in-host command; "{host}" is replaced
	// with the host name, e.g. ["m", "{host}"] for Mininet.
	ExecPrefix []string `mapstructure:"exec_prefix" yaml:"exec_prefix"`
}

// CaptureConfig holds the capture tool settings.
type CaptureConfig struct {
	Tool             string   `mapstructure:"tool" yaml:"tool"`
	NetworkInterface string   `mapstructure:"network_interface" yaml:"network_interface"`
	HostInterface    string   `mapstructure:"host_interface" yaml:"host_interface"`
	Snaplen          int      `mapstructure:"snaplen" yaml:"snaplen"`
	ExtraArgs        []string `mapstructure:"extra_args" yaml:"extra_args,omitempty"`
	// StartupProbe is how long Start waits to catch a tool that exits immediately.
	StartupProbe time.Duration `mapstructure:"startup_probe" yaml:"startup_probe"`
}

// GeneratorsConfig holds the traffic generator commands.
type GeneratorsConfig struct {
	Hping3 string `mapstructure:"hping3" yaml:"hping3"`
	// Command templates; "{attacker}" and "{victim}" are substituted.
	BenignCommand []string      `mapstructure:"benign_command" yaml:"benign_command"`
	HTTPCommand   []string      `mapstructure:"http_command" yaml:"http_command"`
	TargetPort    int           `mapstructure:"target_port" yaml:"target_port"`
	Grace         time.Duration `mapstructure:"grace" yaml:"grace"`
}

// Upper bounds for the stats request knobs. Stop cancels an in-flight
// request at once; a tick that is not stopped lasts at most
// retry_attempts × request_timeout plus the retry delays.
const (
	MaxRequestTimeout = 5 * time.Second
	MaxPollLatency    = 30 * time.Second
)

// FlowStatsConfig holds the flow-stats collector settings.
type FlowStatsConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	BackoffMultiplier int           `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	RetryAttempts     uint          `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	FlushEvery        int           `mapstructure:"flush_every" yaml:"flush_every"`
	// RateLimit caps stats requests per second, retries included. 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// NormalizerConfig holds timestamp repair bounds.
type NormalizerConfig struct {
	MaxGap           time.Duration `mapstructure:"max_gap" yaml:"max_gap"`
	MaxSpan          time.Duration `mapstructure:"max_span" yaml:"max_span"`
	ReorderTolerance time.Duration `mapstructure:"reorder_tolerance" yaml:"reorder_tolerance"`
}

// LabelingConfig holds the offline labeling settings.
type LabelingConfig struct {
	Workers     int              `mapstructure:"workers" yaml:"workers"`
	TaskTimeout time.Duration    `mapstructure:"task_timeout" yaml:"task_timeout"`
	TailWindow  time.Duration    `mapstructure:"tail_window" yaml:"tail_window"`
	Normalizer  NormalizerConfig `mapstructure:"normalizer" yaml:"normalizer"`
}

// AlignmentConfig holds the audit thresholds.
type AlignmentConfig struct {
	PassScore      float64 `mapstructure:"pass_score" yaml:"pass_score"`
	ExcellentRatio float64 `mapstructure:"excellent_ratio" yaml:"excellent_ratio"`
	GoodRatio      float64 `mapstructure:"good_ratio" yaml:"good_ratio"`
}

// LoggerConfig configures the zap logger.
type LoggerConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // json, console
}

// APIConfig holds the status API settings. An empty address disables it.
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// NATSConfig holds the event publisher settings.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

// ClickHouseConfig holds the ClickHouse sink settings.
type ClickHouseConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Database string `mapstructure:"database" yaml:"database"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"-"`
}

// StoreConfig holds the SQLite run ledger settings.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Run        RunConfig        `mapstructure:"run" yaml:"run"`
	Scenario   ScenarioConfig   `mapstructure:"scenario" yaml:"scenario"`
	Hosts      HostsConfig      `mapstructure:"hosts" yaml:"hosts"`
	Capture    CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	Generators GeneratorsConfig `mapstructure:"generators" yaml:"generators"`
	FlowStats  FlowStatsConfig  `mapstructure:"flowstats" yaml:"flowstats"`
	Labeling   LabelingConfig   `mapstructure:"labeling" yaml:"labeling"`
	Alignment  AlignmentConfig  `mapstructure:"alignment" yaml:"alignment"`
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	API        APIConfig        `mapstructure:"api" yaml:"api"`
	NATS       NATSConfig       `mapstructure:"nats" yaml:"nats"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse" yaml:"clickhouse"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
}

// LoadConfig reads the configuration from a YAML file, applies NSLABEL_*
// environment overrides and defaults, and validates the result. An empty
// path runs on defaults and environment only.
func LoadConfig(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Scenario.Phases) == 0 {
		cfg.Scenario.Phases = DefaultPhases()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.output_dir", "runs")
	v.SetDefault("run.timeline_buffer", 120*time.Second)
	v.SetDefault("run.capture_grace", 5*time.Second)

	v.SetDefault("scenario.name", "ddos-baseline")
	v.SetDefault("hosts.exec_prefix", []string{})

	v.SetDefault("capture.tool", "tcpdump")
	v.SetDefault("capture.network_interface", "any")
	v.SetDefault("capture.host_interface", "{host}-eth0")
	v.SetDefault("capture.snaplen", 0)
	v.SetDefault("capture.startup_probe", 200*time.Millisecond)

	v.SetDefault("generators.hping3", "hping3")
	v.SetDefault("generators.benign_command", []string{"ping", "-i", "0.2", "{victim}"})
	v.SetDefault("generators.http_command", []string{"ab", "-n", "1000000", "-c", "50", "http://{victim}/"})
	v.SetDefault("generators.target_port", 80)
	v.SetDefault("generators.grace", 3*time.Second)

	v.SetDefault("flowstats.enabled", true)
	v.SetDefault("flowstats.base_url", "http://127.0.0.1:8080")
	v.SetDefault("flowstats.poll_interval", time.Second)
	v.SetDefault("flowstats.request_timeout", 5*time.Second)
	v.SetDefault("flowstats.backoff_multiplier", 5)
	v.SetDefault("flowstats.retry_attempts", 2)
	v.SetDefault("flowstats.breaker_failures", 5)
	v.SetDefault("flowstats.flush_every", 5000)
	v.SetDefault("flowstats.rate_limit", 10.0)

	v.SetDefault("labeling.workers", 4)
	v.SetDefault("labeling.task_timeout", 5*time.Minute)
	v.SetDefault("labeling.tail_window", 120*time.Second)
	v.SetDefault("labeling.normalizer.max_gap", 60*time.Second)
	v.SetDefault("labeling.normalizer.max_span", 24*time.Hour)
	v.SetDefault("labeling.normalizer.reorder_tolerance", time.Second)

	v.SetDefault("alignment.pass_score", 70.0)
	v.SetDefault("alignment.excellent_ratio", 0.8)
	v.SetDefault("alignment.good_ratio", 0.5)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("api.listen_addr", "")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", "nslabel")

	v.SetDefault("clickhouse.enabled", false)
	v.SetDefault("clickhouse.host", "127.0.0.1")
	v.SetDefault("clickhouse.port", 9000)
	v.SetDefault("clickhouse.database", "default")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.password", "")

	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", "runs/ledger.db")
}

// DefaultPhases is the canonical benign → attacks → cooldown scenario.
func DefaultPhases() []PhaseDef {
	network := []string{ScopeNetwork}
	return []PhaseDef{
		{Name: "benign", Label: "normal", Kind: "benign", Duration: 60 * time.Second, Attacker: "h1", Victim: "10.0.0.2", Capture: network},
		{Name: "syn_flood", Label: "syn_flood", Kind: "syn_flood", Duration: 30 * time.Second, Attacker: "h1", Victim: "10.0.0.2", Capture: network},
		{Name: "udp_flood", Label: "udp_flood", Kind: "udp_flood", Duration: 30 * time.Second, Attacker: "h1", Victim: "10.0.0.2", Capture: network},
		{Name: "icmp_flood", Label: "icmp_flood", Kind: "icmp_flood", Duration: 30 * time.Second, Attacker: "h1", Victim: "10.0.0.2", Capture: network},
		{Name: "cooldown", Label: "normal", Kind: "idle", Duration: 30 * time.Second, Capture: network},
	}
}

// Validate checks the structural consistency of the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Run.OutputDir == "" {
		errs = append(errs, errors.New("run.output_dir must not be empty"))
	}
	if c.Run.TimelineBuffer < 0 {
		errs = append(errs, errors.New("run.timeline_buffer must not be negative"))
	}
	if c.Run.CaptureGrace <= 0 {
		errs = append(errs, errors.New("run.capture_grace must be a positive duration"))
	}

	seen := make(map[string]bool)
	for i, p := range c.Scenario.Phases {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("scenario.phases[%d]: name is required", i))
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("scenario.phases[%d]: duplicate phase name '%s'", i, p.Name))
		}
		seen[p.Name] = true
		if p.Label == "" {
			errs = append(errs, fmt.Errorf("scenario.phases[%d] (%s): label is required", i, p.Name))
		}
		if p.Duration <= 0 {
			errs = append(errs, fmt.Errorf("scenario.phases[%d] (%s): duration must be positive", i, p.Name))
		}
	}

	if c.FlowStats.Enabled {
		if c.FlowStats.BaseURL == "" {
			errs = append(errs, errors.New("flowstats.base_url is required when flowstats is enabled"))
		}
		if c.FlowStats.PollInterval <= 0 {
			errs = append(errs, errors.New("flowstats.poll_interval must be a positive duration"))
		}
		if c.FlowStats.RequestTimeout <= 0 || c.FlowStats.RequestTimeout > MaxRequestTimeout {
			errs = append(errs, fmt.Errorf("flowstats.request_timeout must be in (0, %s]", MaxRequestTimeout))
		}
		if worst := c.FlowStats.RequestTimeout * time.Duration(max(c.FlowStats.RetryAttempts, 1)); worst > MaxPollLatency {
			errs = append(errs, fmt.Errorf("flowstats.request_timeout × retry_attempts is %s, more than %s", worst, MaxPollLatency))
		}
	}
	if c.Labeling.Workers <= 0 {
		errs = append(errs, errors.New("labeling.workers must be positive"))
	}
	if c.Alignment.GoodRatio > c.Alignment.ExcellentRatio {
		errs = append(errs, errors.New("alignment.good_ratio must not exceed alignment.excellent_ratio"))
	}
	return errors.Join(errs...)
}

// TotalDuration returns the sum of configured phase durations.
func (s ScenarioConfig) TotalDuration() time.Duration {
	var total time.Duration
	for _, p := range s.Phases {
		total += p.Duration
	}
	return total
}

// SaveEffective dumps the resolved configuration next to the run outputs.
func (c *Config) SaveEffective(filePath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal effective config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(filePath, data, 0644)
}
