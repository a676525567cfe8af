// Package config loads the proxy's configuration from a YAML file (with
// environment variable expansion for secrets), exposes it as an
// immutable snapshot, and supports hot reload via a copy-on-write
// atomic pointer swap: in-flight requests keep the snapshot they
// started with, and a config file edit never tears a live request.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"toolcall-proxy/circuitbreaker"
)

// Channel is a single configured upstream. A channel with an empty
// APIKey or empty Models list is a placeholder and is always skipped by
// routing (see IsPlaceholder).
type Channel struct {
	Name        string   `yaml:"name" json:"name"`
	BaseURL     string   `yaml:"base_url" json:"base_url"`
	APIKey      string   `yaml:"api_key" json:"-"`
	ServiceType string   `yaml:"service_type" json:"service_type"`
	Models      []string `yaml:"models" json:"models"`
	Priority    int      `yaml:"priority" json:"priority"`
	IsDefault   bool     `yaml:"is_default" json:"is_default"`
}

// IsPlaceholder reports whether this channel is missing the information
// required to ever be dispatched to — routing must skip it.
func (c Channel) IsPlaceholder() bool {
	return c.APIKey == "" || len(c.Models) == 0
}

// ModelAlias is a `models` entry of the form `alias:real`; routing
// matches on Alias, and the outgoing request is rewritten to Real.
type ModelAlias struct {
	Alias string
	Real  string
}

// ResolvedModels parses Channel.Models into ModelAlias pairs. An entry
// with no `:` separator aliases to itself.
func (c Channel) ResolvedModels() []ModelAlias {
	aliases := make([]ModelAlias, 0, len(c.Models))
	for _, entry := range c.Models {
		if alias, real, found := strings.Cut(entry, ":"); found {
			aliases = append(aliases, ModelAlias{Alias: alias, Real: real})
		} else {
			aliases = append(aliases, ModelAlias{Alias: entry, Real: entry})
		}
	}
	return aliases
}

// AdvertisesModel reports whether this channel serves the given
// requested model name, returning the real upstream model name to send
// when it does.
func (c Channel) AdvertisesModel(requested string) (real string, ok bool) {
	for _, a := range c.ResolvedModels() {
		if a.Alias == requested {
			return a.Real, true
		}
	}
	return "", false
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host    string `yaml:"host" json:"host"`
	Port    string `yaml:"port" json:"port"`
	Timeout int    `yaml:"timeout" json:"timeout"` // seconds, default per-request timeout
}

// ClientAuthentication holds the bearer-key allow-list clients must present.
type ClientAuthentication struct {
	AllowedKeys []string `yaml:"allowed_keys" json:"-"`
}

// Features holds the proxy's behavioral feature flags.
type Features struct {
	EnableFunctionCalling    bool   `yaml:"enable_function_calling" json:"enable_function_calling"`
	ConvertDeveloperToSystem bool   `yaml:"convert_developer_to_system" json:"convert_developer_to_system"`
	KeyPassthrough           bool   `yaml:"key_passthrough" json:"key_passthrough"`
	ModelPassthrough         bool   `yaml:"model_passthrough" json:"model_passthrough"`
	PromptTemplate           string `yaml:"prompt_template" json:"-"`
	LogLevel                 string `yaml:"log_level" json:"log_level"`
}

// Config is the complete, immutable configuration snapshot the core
// depends on. A new Config is built wholesale on every reload; readers
// never observe a partially-updated Config.
type Config struct {
	Server               ServerConfig                  `yaml:"server" json:"server"`
	UpstreamServices     []Channel                      `yaml:"upstream_services" json:"upstream_services"`
	ClientAuthentication ClientAuthentication           `yaml:"client_authentication" json:"-"`
	Features             Features                       `yaml:"features" json:"features"`
	HealthManager        *circuitbreaker.HealthManager `yaml:"-" json:"-"`
}

// Channels returns the configured upstream list.
func (c *Config) Channels() []Channel {
	return c.UpstreamServices
}

const (
	defaultTriggerPlaceholder   = "{trigger_signal}"
	defaultToolsListPlaceholder = "{tools_list}"
)

// DefaultPromptTemplate is used when features.prompt_template is unset.
// It must, like any override, contain both required placeholders.
const DefaultPromptTemplate = `You have access to the following tools. To call one or more tools, you MUST respond with the exact trigger token below, followed immediately by a <tool_calls> XML block. Do not call a tool any other way.

Available tools:
{tools_list}

When you need to call a tool, end your reply with this exact trigger token:
{trigger_signal}
<tool_calls>
  <tool_call>
    <name>FUNCTION_NAME</name>
    <arguments>{"key": "value"}</arguments>
  </tool_call>
</tool_calls>

Only emit the trigger token when you intend to call a tool. Otherwise, respond normally.`

// ValidatePromptTemplate ensures a template (default or override)
// contains both placeholders the injector requires.
func ValidatePromptTemplate(tmpl string) error {
	if !strings.Contains(tmpl, defaultToolsListPlaceholder) {
		return fmt.Errorf("prompt template missing required placeholder %s", defaultToolsListPlaceholder)
	}
	if !strings.Contains(tmpl, defaultTriggerPlaceholder) {
		return fmt.Errorf("prompt template missing required placeholder %s", defaultTriggerPlaceholder)
	}
	return nil
}

// PromptTemplate returns the effective system-prompt template: the
// configured override if set, else the default. It does not validate the
// override; loadYAMLFile rejects a file whose template fails
// ValidatePromptTemplate.
func (c *Config) PromptTemplate() string {
	if c.Features.PromptTemplate != "" {
		return c.Features.PromptTemplate
	}
	return DefaultPromptTemplate
}

// GetDefaultConfig returns a Config populated with conservative defaults,
// suitable for tests and as a fallback before a file is loaded.
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: "8080", Timeout: 180},
		Features: Features{
			EnableFunctionCalling:    true,
			ConvertDeveloperToSystem: true,
			LogLevel:                 "INFO",
		},
		HealthManager: circuitbreaker.NewHealthManager(circuitbreaker.DefaultConfig()),
	}
}

// loadYAMLFile reads and parses the YAML config file at path, expanding
// `${VAR}` / `$VAR` environment references in every string field so
// secrets (API keys in particular) can be kept out of the checked-in
// file and supplied through the environment instead.
func loadYAMLFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := ValidatePromptTemplate(cfg.PromptTemplate()); err != nil {
		return nil, err
	}

	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = 180
	}

	cfg.HealthManager = circuitbreaker.NewHealthManager(circuitbreaker.DefaultConfig())
	keys := make([]string, 0, len(cfg.UpstreamServices))
	for _, ch := range cfg.UpstreamServices {
		keys = append(keys, ch.Name)
	}
	cfg.HealthManager.InitializeChannels(keys)

	return &cfg, nil
}

// logEmitter mirrors logger.LogEmitter without an import cycle.
type logEmitter interface {
	Info(component, category, requestID, message string, fields map[string]interface{})
	Warn(component, category, requestID, message string, fields map[string]interface{})
	Error(component, category, requestID, message string, fields map[string]interface{})
}

// Manager owns the live Config snapshot behind an atomic pointer,
// providing the copy-on-write semantics this proxy's reload behavior
// relies on: writers build a whole new Config and swap the pointer;
// readers capture it once per request and never see a torn update.
type Manager struct {
	path      string
	current   atomic.Pointer[Config]
	obsLogger logEmitter
}

// NewManager loads path once and returns a Manager tracking it.
func NewManager(path string) (*Manager, error) {
	cfg, err := loadYAMLFile(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.current.Store(cfg)
	return m, nil
}

// NewManagerFromConfig wraps an already-built Config in a Manager with
// no backing file: Reload returns the file read error and keeps the
// snapshot, and Watch never triggers a reload. Used by tests and by
// callers that assemble a
// Config programmatically rather than from YAML.
func NewManagerFromConfig(cfg *Config) *Manager {
	m := &Manager{}
	m.current.Store(cfg)
	return m
}

// SetObservabilityLogger attaches a structured logger for reload events.
func (m *Manager) SetObservabilityLogger(l logEmitter) {
	m.obsLogger = l
	if cfg := m.Load(); cfg != nil && cfg.HealthManager != nil {
		cfg.HealthManager.SetObservabilityLogger(l)
	}
}

// Load returns the current configuration snapshot. Callers should
// capture it once at the start of a request and use that reference for
// the request's lifetime.
func (m *Manager) Load() *Config {
	return m.current.Load()
}

// Swap atomically replaces the live snapshot. This is the single entry
// point an admin UI (an external collaborator, out of this core's
// scope) would call after accepting a configuration change.
func (m *Manager) Swap(cfg *Config) {
	m.current.Store(cfg)
}

// Reload re-reads the config file from disk and swaps it in, preserving
// any in-flight request's already-captured snapshot. A failed reload
// keeps the previous snapshot live.
func (m *Manager) Reload() error {
	cfg, err := loadYAMLFile(m.path)
	if err != nil {
		if m.obsLogger != nil {
			m.obsLogger.Warn(componentConfig, "reload", "", "config reload failed, keeping previous snapshot", map[string]interface{}{"error": err.Error()})
		}
		return err
	}
	if m.obsLogger != nil {
		cfg.HealthManager.SetObservabilityLogger(m.obsLogger)
		m.obsLogger.Info(componentConfig, "reload", "", "config reloaded", map[string]interface{}{"channels": len(cfg.UpstreamServices)})
	}
	m.Swap(cfg)
	return nil
}

const componentConfig = "configuration"
