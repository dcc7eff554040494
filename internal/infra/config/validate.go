package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateTracer(cfg, ve)
	validateBroker(cfg, ve)
	validateSchedule(cfg, ve)
	validateAudit(cfg, ve)
	validateLLM(cfg, ve)
	validateHTTP(cfg, ve)
	validateGateway(cfg, ve)
	validateWorker(cfg, ve)
	validateCronRuns(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	case "otlp":
		if cfg.Tracer.Enabled && cfg.Tracer.Endpoint == "" {
			ve.Add("tracer.endpoint is required for the otlp exporter")
		}
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout, otlp)", cfg.Tracer.Exporter)
	}
}

func validateBroker(cfg *Config, ve *ValidationError) {
	switch cfg.Broker.Driver {
	case "memory":
	case "amqp":
		if cfg.Broker.URL == "" {
			ve.Add("broker.url is required for the amqp driver")
		}
	default:
		ve.Add("broker.driver %q is invalid (want: amqp, memory)", cfg.Broker.Driver)
	}
	if cfg.Broker.Prefetch < 1 {
		ve.Add("broker.prefetch must be >= 1")
	}
}

func validateSchedule(cfg *Config, ve *ValidationError) {
	switch cfg.Schedule.Backend {
	case "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			ve.Add("redis.addr is required for the redis schedule backend")
		}
	case "file":
		if cfg.Schedule.FilePath == "" {
			ve.Add("schedule.file_path is required for the file schedule backend")
		}
	default:
		ve.Add("schedule.backend %q is invalid (want: redis, file, memory)", cfg.Schedule.Backend)
	}
}

var validProviderTypes = map[string]bool{
	"openai":    true,
	"ollama":    true,
	"anthropic": true,
	"echo":      true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if cfg.LLM.DefaultTemperature < 0 || cfg.LLM.DefaultTemperature > 2 {
		ve.Add("llm.default_temperature must be within [0, 2]")
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true
		if !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, ollama, anthropic, echo)", i, p.Type)
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}
	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}

	for id, o := range cfg.Agents {
		if o.Provider != "" && !seen[o.Provider] {
			ve.Add("agents.%s.provider %q does not match any configured provider", id, o.Provider)
		}
	}
}

func validateHTTP(cfg *Config, ve *ValidationError) {
	if cfg.HTTP.Addr == "" {
		ve.Add("http.addr must not be empty")
	}
	if cfg.HTTP.SSEHeartbeat <= 0 {
		ve.Add("http.sse_heartbeat must be > 0")
	}
	if cfg.HTTP.WSPollInterval <= 0 {
		ve.Add("http.ws_poll_interval must be > 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	switch cfg.Gateway.Auth.Type {
	case "static":
		if len(cfg.Gateway.Auth.Tokens) == 0 {
			ve.Add("gateway.auth.tokens must not be empty when auth type is static")
		}
	default:
		ve.Add("gateway.auth.type %q is invalid (want: static)", cfg.Gateway.Auth.Type)
	}
}

func validateWorker(cfg *Config, ve *ValidationError) {
	switch cfg.Worker.Queue {
	case "public", "sensitive", "gateway":
	default:
		ve.Add("worker.queue %q is invalid (want: public, sensitive, gateway)", cfg.Worker.Queue)
	}
	if cfg.Worker.SoftTimeLimit <= 0 || cfg.Worker.HardTimeLimit <= 0 {
		ve.Add("worker time limits must be > 0")
	} else if cfg.Worker.SoftTimeLimit > cfg.Worker.HardTimeLimit {
		ve.Add("worker.soft_time_limit must not exceed worker.hard_time_limit")
	}
	if cfg.Worker.MaxGraphSteps <= 0 {
		ve.Add("worker.max_graph_steps must be > 0")
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if cfg.Audit.MaxAge < 0 {
		ve.Add("audit.max_age must be >= 0")
	}
	if _, err := ParseSize(cfg.Audit.MaxSize); err != nil {
		ve.Add("audit.max_size: %v", err)
	}
}

func validateCronRuns(cfg *Config, ve *ValidationError) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for i, r := range cfg.CronRuns {
		if r.AgentID == "" {
			ve.Add("cron_runs[%d].agent_id must not be empty", i)
		}
		if _, err := parser.Parse(r.Schedule); err != nil {
			if d, derr := time.ParseDuration(r.Schedule); derr != nil || d <= 0 {
				ve.Add("cron_runs[%d].schedule %q is invalid: %v", i, r.Schedule, err)
			}
		}
		switch r.Queue {
		case "", "public", "sensitive":
		default:
			ve.Add("cron_runs[%d].queue %q is invalid (want: public, sensitive)", i, r.Queue)
		}
	}
}
