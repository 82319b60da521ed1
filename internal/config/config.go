package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Normalize NormalizeConfig `json:"normalize" yaml:"normalize"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Risk      RiskConfig      `json:"risk" yaml:"risk"`
	Window    WindowConfig    `json:"window" yaml:"window"`
	Incidents IncidentsConfig `json:"incidents" yaml:"incidents"`
	Sinks     SinksConfig     `json:"sinks" yaml:"sinks"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	API       APIConfig       `json:"api" yaml:"api"`
}

type IngestConfig struct {
	ChannelBuffer int            `json:"channel_buffer" yaml:"channel_buffer"`
	Workers       int            `json:"workers" yaml:"workers"`
	REST          RESTConfig     `json:"rest" yaml:"rest"`
	Syslog        SyslogConfig   `json:"syslog" yaml:"syslog"`
	Kafka         KafkaConfig    `json:"kafka" yaml:"kafka"`
	NATS          NATSConfig     `json:"nats" yaml:"nats"`
	FileTail      FileTailConfig `json:"file_tail" yaml:"file_tail"`
}

type RESTConfig struct {
	Enabled   bool    `json:"enabled" yaml:"enabled"`
	Addr      string  `json:"addr" yaml:"addr"`
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	Burst     int     `json:"burst" yaml:"burst"`
}

type SyslogConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	UDPAddr     string `json:"udp_addr" yaml:"udp_addr"`
	TCPAddr     string `json:"tcp_addr" yaml:"tcp_addr"`
	DefaultKind string `json:"default_kind" yaml:"default_kind"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type NATSConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	URL           string `json:"url" yaml:"url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	Queue         string `json:"queue" yaml:"queue"`
}

type FileTailConfig struct {
	Enabled    bool       `json:"enabled" yaml:"enabled"`
	StartAtEnd bool       `json:"start_at_end" yaml:"start_at_end"`
	Files      []TailFile `json:"files" yaml:"files"`
}

// TailFile is one log file and the source kind its lines are normalized as.
type TailFile struct {
	Path string `json:"path" yaml:"path"`
	Kind string `json:"kind" yaml:"kind"`
}

type NormalizeConfig struct {
	PrivilegeKeywords []string `json:"privilege_keywords" yaml:"privilege_keywords"`
	SensitivePaths    []string `json:"sensitive_paths" yaml:"sensitive_paths"`
}

type DetectionConfig struct {
	// CorrelationWindow is the engine-wide lookback; window retention is twice this.
	CorrelationWindow   time.Duration             `json:"correlation_window" yaml:"correlation_window"`
	BruteForce          BruteForceConfig          `json:"brute_force" yaml:"brute_force"`
	PrivilegeEscalation PrivilegeEscalationConfig `json:"privilege_escalation" yaml:"privilege_escalation"`
	AnomalousAccess     AnomalousAccessConfig     `json:"anomalous_access" yaml:"anomalous_access"`
}

type BruteForceConfig struct {
	Enabled                 bool          `json:"enabled" yaml:"enabled"`
	FailedAttemptsThreshold int           `json:"failed_attempts_threshold" yaml:"failed_attempts_threshold"`
	TimeWindow              time.Duration `json:"time_window" yaml:"time_window"`
}

type PrivilegeEscalationConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	SuspiciousActions []string      `json:"suspicious_actions" yaml:"suspicious_actions"`
	TimeWindow        time.Duration `json:"time_window" yaml:"time_window"`
	MinOccurrences    int           `json:"min_occurrences" yaml:"min_occurrences"`
}

type AnomalousAccessConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type RiskConfig struct {
	BaseWeights             map[string]float64 `json:"base_weights" yaml:"base_weights"`
	FailureMultiplier       float64            `json:"failure_multiplier" yaml:"failure_multiplier"`
	CriticalAssetMultiplier float64            `json:"critical_asset_multiplier" yaml:"critical_asset_multiplier"`
	SuspiciousIPMultiplier  float64            `json:"suspicious_ip_multiplier" yaml:"suspicious_ip_multiplier"`
	CountStep               float64            `json:"count_step" yaml:"count_step"`
	CountCap                float64            `json:"count_cap" yaml:"count_cap"`
}

type WindowConfig struct {
	Shards               int           `json:"shards" yaml:"shards"`
	MaxEventsPerIdentity int           `json:"max_events_per_identity" yaml:"max_events_per_identity"`
	MaxTotalEvents       int           `json:"max_total_events" yaml:"max_total_events"`
	ExpireBatch          int           `json:"expire_batch" yaml:"expire_batch"`
	SweepInterval        time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	DedupeCapacity       int           `json:"dedupe_capacity" yaml:"dedupe_capacity"`
	MaxClockSkew         time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`
}

type IncidentsConfig struct {
	StoreLimit    int           `json:"store_limit" yaml:"store_limit"`
	Retention     time.Duration `json:"retention" yaml:"retention"`
	PurgeInterval time.Duration `json:"purge_interval" yaml:"purge_interval"`
}

type SinksConfig struct {
	QueueSize      int             `json:"queue_size" yaml:"queue_size"`
	Workers        int             `json:"workers" yaml:"workers"`
	AttemptTimeout time.Duration   `json:"attempt_timeout" yaml:"attempt_timeout"`
	MaxRetries     int             `json:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration   `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration   `json:"max_backoff" yaml:"max_backoff"`
	Webhook        WebhookConfig   `json:"webhook" yaml:"webhook"`
	NATS           NATSSinkConfig  `json:"nats" yaml:"nats"`
	Kafka          KafkaSinkConfig `json:"kafka" yaml:"kafka"`
	Redis          RedisSinkConfig `json:"redis" yaml:"redis"`
}

type WebhookConfig struct {
	Enabled bool              `json:"enabled" yaml:"enabled"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers" yaml:"headers"`
}

type NATSSinkConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
}

type KafkaSinkConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type RedisSinkConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Addr       string `json:"addr" yaml:"addr"`
	Password   string `json:"password" yaml:"password"`
	DB         int    `json:"db" yaml:"db"`
	Channel    string `json:"channel" yaml:"channel"`
	RecentKey  string `json:"recent_key" yaml:"recent_key"`
	RecentSize int64  `json:"recent_size" yaml:"recent_size"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

func DefaultPrivilegeKeywords() []string {
	return []string{"sudo", "su", "admin", "privilege", "elevate"}
}

func DefaultSensitivePaths() []string {
	return []string{"admin", "database", "payment", "credential", "secret", "private"}
}

func DefaultBaseWeights() map[string]float64 {
	return map[string]float64{
		"auth_failure":         0.3,
		"privilege_escalation": 0.6,
		"data_access":          0.4,
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			Workers:       4,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			Syslog:        SyslogConfig{Enabled: false, UDPAddr: ":5514", TCPAddr: ":5514", DefaultKind: "auth"},
			Kafka:         KafkaConfig{Enabled: false},
			NATS:          NATSConfig{Enabled: false, URL: "nats://localhost:4222", SubjectPrefix: "events", Queue: "corrwatch"},
		},
		Normalize: NormalizeConfig{
			PrivilegeKeywords: DefaultPrivilegeKeywords(),
			SensitivePaths:    DefaultSensitivePaths(),
		},
		Detection: DetectionConfig{
			CorrelationWindow: 300 * time.Second,
			BruteForce: BruteForceConfig{
				Enabled:                 true,
				FailedAttemptsThreshold: 5,
				TimeWindow:              60 * time.Second,
			},
			PrivilegeEscalation: PrivilegeEscalationConfig{
				Enabled:           true,
				SuspiciousActions: DefaultPrivilegeKeywords(),
				TimeWindow:        300 * time.Second,
				MinOccurrences:    2,
			},
			AnomalousAccess: AnomalousAccessConfig{Enabled: true},
		},
		Risk: RiskConfig{
			BaseWeights:             DefaultBaseWeights(),
			FailureMultiplier:       1.2,
			CriticalAssetMultiplier: 2.0,
			SuspiciousIPMultiplier:  1.5,
			CountStep:               0.1,
			CountCap:                2.0,
		},
		Window: WindowConfig{
			Shards:               64,
			MaxEventsPerIdentity: 10000,
			MaxTotalEvents:       1000000,
			ExpireBatch:          256,
			SweepInterval:        10 * time.Second,
			DedupeCapacity:       100000,
			MaxClockSkew:         5 * time.Minute,
		},
		Incidents: IncidentsConfig{
			StoreLimit:    10000,
			Retention:     30 * 24 * time.Hour,
			PurgeInterval: 10 * time.Minute,
		},
		Sinks: SinksConfig{
			QueueSize:      1000,
			Workers:        2,
			AttemptTimeout: 5 * time.Second,
			MaxRetries:     5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			NATS:           NATSSinkConfig{Subject: "corrwatch.incidents"},
			Redis:          RedisSinkConfig{Addr: "localhost:6379", Channel: "corrwatch:incidents", RecentKey: "corrwatch:incidents:recent", RecentSize: 1000},
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:corrwatch.db?_pragma=busy_timeout(5000)"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes YAML or JSON on top of DefaultConfig.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = def.Ingest.Workers
	}
	if cfg.Ingest.Syslog.DefaultKind == "" {
		cfg.Ingest.Syslog.DefaultKind = def.Ingest.Syslog.DefaultKind
	}
	if cfg.Ingest.NATS.SubjectPrefix == "" {
		cfg.Ingest.NATS.SubjectPrefix = def.Ingest.NATS.SubjectPrefix
	}
	if len(cfg.Normalize.PrivilegeKeywords) == 0 {
		cfg.Normalize.PrivilegeKeywords = DefaultPrivilegeKeywords()
	}
	if len(cfg.Normalize.SensitivePaths) == 0 {
		cfg.Normalize.SensitivePaths = DefaultSensitivePaths()
	}
	if len(cfg.Detection.PrivilegeEscalation.SuspiciousActions) == 0 {
		cfg.Detection.PrivilegeEscalation.SuspiciousActions = DefaultPrivilegeKeywords()
	}
	if cfg.Detection.CorrelationWindow <= 0 {
		cfg.Detection.CorrelationWindow = cfg.Detection.MaxRuleWindow()
	}
	if cfg.Risk.BaseWeights == nil {
		cfg.Risk.BaseWeights = DefaultBaseWeights()
	}
	if cfg.Risk.CountCap <= 0 {
		cfg.Risk.CountCap = def.Risk.CountCap
	}
	if cfg.Window.Shards <= 0 {
		cfg.Window.Shards = def.Window.Shards
	}
	if cfg.Window.ExpireBatch <= 0 {
		cfg.Window.ExpireBatch = def.Window.ExpireBatch
	}
	if cfg.Window.SweepInterval <= 0 {
		cfg.Window.SweepInterval = def.Window.SweepInterval
	}
	if cfg.Window.DedupeCapacity <= 0 {
		cfg.Window.DedupeCapacity = def.Window.DedupeCapacity
	}
	if cfg.Window.MaxClockSkew <= 0 {
		cfg.Window.MaxClockSkew = def.Window.MaxClockSkew
	}
	if cfg.Incidents.StoreLimit <= 0 {
		cfg.Incidents.StoreLimit = def.Incidents.StoreLimit
	}
	if cfg.Incidents.Retention <= 0 {
		cfg.Incidents.Retention = def.Incidents.Retention
	}
	if cfg.Incidents.PurgeInterval <= 0 {
		cfg.Incidents.PurgeInterval = def.Incidents.PurgeInterval
	}
	if cfg.Sinks.QueueSize <= 0 {
		cfg.Sinks.QueueSize = def.Sinks.QueueSize
	}
	if cfg.Sinks.Workers <= 0 {
		cfg.Sinks.Workers = def.Sinks.Workers
	}
	if cfg.Sinks.AttemptTimeout <= 0 {
		cfg.Sinks.AttemptTimeout = def.Sinks.AttemptTimeout
	}
	if cfg.Sinks.InitialBackoff <= 0 {
		cfg.Sinks.InitialBackoff = def.Sinks.InitialBackoff
	}
	if cfg.Sinks.MaxBackoff <= 0 {
		cfg.Sinks.MaxBackoff = def.Sinks.MaxBackoff
	}
}

// MaxRuleWindow is the longest lookback any enabled rule needs.
func (d DetectionConfig) MaxRuleWindow() time.Duration {
	var longest time.Duration
	if d.BruteForce.Enabled && d.BruteForce.TimeWindow > longest {
		longest = d.BruteForce.TimeWindow
	}
	if d.PrivilegeEscalation.Enabled && d.PrivilegeEscalation.TimeWindow > longest {
		longest = d.PrivilegeEscalation.TimeWindow
	}
	if d.CorrelationWindow > longest {
		longest = d.CorrelationWindow
	}
	return longest
}

// Retention is how long the window index keeps an event.
func (d DetectionConfig) Retention() time.Duration {
	return 2 * d.MaxRuleWindow()
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.REST.RateLimit < 0 {
		return errors.New("ingest.rest.rate_limit must be >= 0")
	}
	if cfg.Ingest.Syslog.Enabled && cfg.Ingest.Syslog.UDPAddr == "" && cfg.Ingest.Syslog.TCPAddr == "" {
		return errors.New("ingest.syslog.udp_addr or tcp_addr required when ingest.syslog.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.NATS.Enabled && cfg.Ingest.NATS.URL == "" {
		return errors.New("ingest.nats.url required when ingest.nats.enabled is true")
	}
	if !validKind(cfg.Ingest.Syslog.DefaultKind) {
		return fmt.Errorf("ingest.syslog.default_kind %q must be auth, access or admin", cfg.Ingest.Syslog.DefaultKind)
	}
	if cfg.Ingest.FileTail.Enabled {
		if len(cfg.Ingest.FileTail.Files) == 0 {
			return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
		}
		for _, f := range cfg.Ingest.FileTail.Files {
			if f.Path == "" || !validKind(f.Kind) {
				return fmt.Errorf("ingest.file_tail entry %q needs a path and a kind of auth, access or admin", f.Path)
			}
		}
	}
	if cfg.Detection.BruteForce.TimeWindow < 0 || cfg.Detection.PrivilegeEscalation.TimeWindow < 0 {
		return errors.New("detection rule windows must not be negative")
	}
	if cfg.Detection.MaxRuleWindow() <= 0 {
		return errors.New("detection.correlation_window must be > 0")
	}
	for name, w := range cfg.Risk.BaseWeights {
		if w < 0 {
			return fmt.Errorf("risk.base_weights.%s must be >= 0", name)
		}
	}
	if cfg.Risk.FailureMultiplier < 0 || cfg.Risk.CriticalAssetMultiplier < 0 || cfg.Risk.SuspiciousIPMultiplier < 0 || cfg.Risk.CountStep < 0 {
		return errors.New("risk multipliers must be >= 0")
	}
	if cfg.Window.MaxEventsPerIdentity < 0 || cfg.Window.MaxTotalEvents < 0 {
		return errors.New("window caps must be >= 0")
	}
	if cfg.Sinks.MaxRetries < 0 {
		return errors.New("sinks.max_retries must be >= 0")
	}
	if cfg.Sinks.Webhook.Enabled && cfg.Sinks.Webhook.URL == "" {
		return errors.New("sinks.webhook.url required when sinks.webhook.enabled is true")
	}
	if cfg.Sinks.NATS.Enabled && (cfg.Sinks.NATS.URL == "" || cfg.Sinks.NATS.Subject == "") {
		return errors.New("sinks.nats requires url and subject")
	}
	if cfg.Sinks.Kafka.Enabled && (len(cfg.Sinks.Kafka.Brokers) == 0 || cfg.Sinks.Kafka.Topic == "") {
		return errors.New("sinks.kafka requires brokers and topic")
	}
	if cfg.Sinks.Redis.Enabled && (cfg.Sinks.Redis.Addr == "" || cfg.Sinks.Redis.Channel == "") {
		return errors.New("sinks.redis requires addr and channel")
	}
	return nil
}

func validKind(kind string) bool {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "auth", "access", "admin":
		return true
	}
	return false
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops for it.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
