// Package config loads and validates the Tickler YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load for anything the file leaves unset.
const (
	DefaultPort              = 8080
	DefaultTickInterval      = time.Minute
	DefaultClaimLease        = 2 * time.Minute
	DefaultMaxIterations     = 5
	DefaultConcurrency       = 4
	DefaultSendTimeout       = 30 * time.Second
	DefaultBatchSize         = 100
	DefaultMaxTokens         = 1024
	DefaultMQTTTopicPrefix   = "tickler/sms"
	DefaultSMTPPort          = 587
	DefaultSignalCommand     = "signal-cli"
	DefaultAnthropicBaseURL  = "https://api.anthropic.com"
	DefaultOpenAIBaseURL     = "https://api.openai.com/v1"
	DefaultReplicaLockPrefix = "tickler:tick"
)

// Notification channel names accepted in notify.channel.
const (
	ChannelSignal = "signal"
	ChannelSMS    = "sms"
	ChannelEmail  = "email"
	ChannelMQTT   = "mqtt"
	ChannelLog    = "log"
)

// DefaultSearchPaths returns the config file locations checked, in order,
// when no explicit path is given.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tickler", "config.yaml"))
	}
	return append(paths, "/etc/tickler/config.yaml")
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Tickler configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	Timezone  string          `yaml:"timezone"`
	LLM       LLMConfig       `yaml:"llm"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Notify    NotifyConfig    `yaml:"notify"`
	Signal    SignalConfig    `yaml:"signal"`
	Users     []UserConfig    `yaml:"users"`
}

// ListenConfig is the HTTP listener.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Addr returns host:port for http.Server.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// LLMConfig selects the completion provider.
type LLMConfig struct {
	// Provider is "anthropic" or "openai". OpenAI-compatible servers
	// (Ollama, vLLM) use "openai" with a custom BaseURL.
	Provider      string `yaml:"provider"`
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	MaxTokens     int    `yaml:"max_tokens"`
	MaxIterations int    `yaml:"max_iterations"`
}

// SchedulerConfig controls reminder delivery.
type SchedulerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	ClaimLease  time.Duration `yaml:"claim_lease"`
	Concurrency int           `yaml:"concurrency"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	BatchSize   int           `yaml:"batch_size"`

	// RedisURL enables the cross-replica tick lease when set,
	// e.g. redis://localhost:6379/0.
	RedisURL  string `yaml:"redis_url"`
	LockKey   string `yaml:"lock_key"`
	StartIdle bool   `yaml:"start_idle"`
}

// NotifyConfig selects the outbound phone channel.
type NotifyConfig struct {
	Channel string      `yaml:"channel"`
	SMS     SMSConfig   `yaml:"sms"`
	Email   EmailConfig `yaml:"email"`
	MQTT    MQTTConfig  `yaml:"mqtt"`
}

// SMSConfig is a Twilio-compatible messaging gateway.
type SMSConfig struct {
	URL        string `yaml:"url"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
}

// EmailConfig delivers texts through a carrier email-to-SMS gateway.
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`

	// Gateway is the carrier domain appended to the bare phone digits,
	// e.g. "txt.att.net".
	Gateway string `yaml:"gateway"`
}

// MQTTConfig publishes texts for an external SMS bridge to pick up.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// SignalConfig runs signal-cli in jsonRpc mode.
type SignalConfig struct {
	Enabled bool     `yaml:"enabled"`
	Command string   `yaml:"command"`
	Account string   `yaml:"account"`
	Args    []string `yaml:"args"`

	// RateLimit caps inbound messages per sender per minute. Zero
	// disables the limit.
	RateLimit int `yaml:"rate_limit"`
}

// UserConfig is a directory entry mapping a user id to a phone.
type UserConfig struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Phone string `yaml:"phone"`
}

// Load reads, expands and parses a config file, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied and the
// log notifier selected.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.BaseURL == "" {
		switch c.LLM.Provider {
		case "openai":
			c.LLM.BaseURL = DefaultOpenAIBaseURL
		default:
			c.LLM.BaseURL = DefaultAnthropicBaseURL
		}
	}
	if c.LLM.MaxIterations == 0 {
		c.LLM.MaxIterations = DefaultMaxIterations
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = DefaultMaxTokens
	}

	s := &c.Scheduler
	if s.Interval == 0 {
		s.Interval = DefaultTickInterval
	}
	if s.ClaimLease == 0 {
		s.ClaimLease = DefaultClaimLease
	}
	if s.Concurrency == 0 {
		s.Concurrency = DefaultConcurrency
	}
	if s.SendTimeout == 0 {
		s.SendTimeout = DefaultSendTimeout
	}
	if s.BatchSize == 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.LockKey == "" {
		s.LockKey = DefaultReplicaLockPrefix
	}

	if c.Notify.Channel == "" {
		c.Notify.Channel = ChannelLog
	}
	if c.Notify.Email.Port == 0 {
		c.Notify.Email.Port = DefaultSMTPPort
	}
	if c.Notify.MQTT.TopicPrefix == "" {
		c.Notify.MQTT.TopicPrefix = DefaultMQTTTopicPrefix
	}
	if c.Signal.Command == "" {
		c.Signal.Command = DefaultSignalCommand
	}
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q must be anthropic or openai", c.LLM.Provider))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if c.LLM.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("llm.max_iterations %d must be at least 1", c.LLM.MaxIterations))
	}

	if c.Scheduler.Interval < time.Second {
		errs = append(errs, fmt.Errorf("scheduler.interval %s must be at least 1s", c.Scheduler.Interval))
	}
	if c.Scheduler.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("scheduler.concurrency %d must be at least 1", c.Scheduler.Concurrency))
	}
	if c.Scheduler.ClaimLease <= c.Scheduler.SendTimeout {
		errs = append(errs, fmt.Errorf("scheduler.claim_lease %s must exceed send_timeout %s",
			c.Scheduler.ClaimLease, c.Scheduler.SendTimeout))
	}

	switch c.Notify.Channel {
	case ChannelLog:
	case ChannelSignal:
		if !c.Signal.Enabled {
			errs = append(errs, errors.New("notify.channel signal requires signal.enabled"))
		}
	case ChannelSMS:
		if c.Notify.SMS.URL == "" || c.Notify.SMS.From == "" {
			errs = append(errs, errors.New("notify.sms requires url and from"))
		}
	case ChannelEmail:
		if c.Notify.Email.Host == "" || c.Notify.Email.From == "" || c.Notify.Email.Gateway == "" {
			errs = append(errs, errors.New("notify.email requires host, from and gateway"))
		}
	case ChannelMQTT:
		if c.Notify.MQTT.Broker == "" {
			errs = append(errs, errors.New("notify.mqtt requires broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.channel %q must be one of signal, sms, email, mqtt, log", c.Notify.Channel))
	}
	if c.Signal.Enabled && c.Signal.Account == "" {
		errs = append(errs, errors.New("signal.account is required when signal is enabled"))
	}
	if c.Signal.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("signal.rate_limit %d must not be negative", c.Signal.RateLimit))
	}

	seen := make(map[string]bool)
	for i, u := range c.Users {
		if u.ID == "" {
			errs = append(errs, fmt.Errorf("users[%d]: id is required", i))
			continue
		}
		if seen[u.ID] {
			errs = append(errs, fmt.Errorf("users[%d]: duplicate id %q", i, u.ID))
		}
		seen[u.ID] = true
	}

	return errors.Join(errs...)
}
