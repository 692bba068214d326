package digest_runner_config

import (
	"errors"
	"time"

	"github.com/daybook-hq/daybook/internal/obs"
	pginfra "github.com/daybook-hq/daybook/internal/repository/postgres"
	digestsvc "github.com/daybook-hq/daybook/internal/services/digest"
)

type Token struct {
	Secret         string        `mapstructure:"secret"`
	Issuer         string        `mapstructure:"issuer"`
	Audience       string        `mapstructure:"audience"`
	UnsubscribeTTL time.Duration `mapstructure:"unsubscribe_ttl"`
}

type RateLimit struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type Redis struct {
	Addr string `mapstructure:"addr"`
}

type Digest struct {
	ChunkSize     int      `mapstructure:"chunk_size"`
	WeeklyDay     string   `mapstructure:"weekly_day"`
	BaseURL       string   `mapstructure:"base_url"`
	CriticalTypes []string `mapstructure:"critical_types"`
}

type Server struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
	Env    string `mapstructure:"env"`
}

type OTEL struct {
	Enable      bool    `mapstructure:"enable"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Endpoint    string  `mapstructure:"otlp_endpoint"`
}

type Config struct {
	DB        pginfra.Config       `mapstructure:"db"`
	SMTP      digestsvc.SMTPConfig `mapstructure:"smtp"`
	Token     Token                `mapstructure:"token"`
	RateLimit RateLimit            `mapstructure:"ratelimit"`
	Redis     Redis                `mapstructure:"redis"`
	Digest    Digest               `mapstructure:"digest"`
	Server    Server               `mapstructure:"server"`
	Log       Log                  `mapstructure:"log"`
	OTEL      OTEL                 `mapstructure:"otel"`
}

// Validate rejects configurations the pipeline cannot start with.
func (c *Config) Validate() error {
	if c.Token.Secret == "" {
		return errors.New("token signing secret is required (TOKEN_SECRET)")
	}
	return nil
}

// WeeklyTriggerDay maps the configured day name to a weekday.
func (c *Config) WeeklyTriggerDay() (time.Weekday, error) {
	days := map[string]time.Weekday{
		"sunday":    time.Sunday,
		"monday":    time.Monday,
		"tuesday":   time.Tuesday,
		"wednesday": time.Wednesday,
		"thursday":  time.Thursday,
		"friday":    time.Friday,
		"saturday":  time.Saturday,
	}
	d, ok := days[c.Digest.WeeklyDay]
	if !ok {
		return 0, errors.New("digest.weekly_day must be a lowercase day name")
	}
	return d, nil
}

func (c *Config) AsLoggerConfig() obs.LogConfig {
	return obs.LogConfig{
		Level:  c.Log.Level,
		Pretty: c.Log.Pretty,
		App:    "digest-runner",
		Env:    c.Log.Env,
	}
}

func (c *Config) AsOTELConfig() *obs.OTELConfig {
	return &obs.OTELConfig{
		Enable:      c.OTEL.Enable,
		Endpoint:    c.OTEL.Endpoint,
		ServiceName: c.OTEL.ServiceName,
		SampleRatio: c.OTEL.SampleRatio,
	}
}
