// Package config loads service settings: defaults, then an optional YAML
// file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rescuenav/internal/geo"
	"rescuenav/internal/model"
	"rescuenav/internal/opt"
	"rescuenav/internal/priority"
	"rescuenav/internal/replan"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
	Cost     CostConfig     `yaml:"cost"`
	Priority PriorityConfig `yaml:"priority"`
	Planner  PlannerConfig  `yaml:"planner"`
	Replan   ReplanConfig   `yaml:"replan"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	RateRPS         float64       `yaml:"rate_rps"` // 0 disables ingestion limiting
	RateBurst       int           `yaml:"rate_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type DatabaseConfig struct {
	URL     string `yaml:"url"` // empty disables the Postgres archive
	Migrate bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL string `yaml:"url"` // empty keeps the in-process broker
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"` // empty disables MQTT ingestion
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	QoS      byte   `yaml:"qos"`
}

type WebhookConfig struct {
	URLs        []string `yaml:"urls"`
	Secret      string   `yaml:"secret"`
	MaxAttempts int      `yaml:"max_attempts"`
}

type CostConfig struct {
	Model           string  `yaml:"model"` // haversine, euclidean, road
	Detour          float64 `yaml:"detour"`
	DefaultSpeedMps float64 `yaml:"default_speed_mps"`
	MaterialMoveM   float64 `yaml:"material_move_m"`
}

type PriorityConfig struct {
	InjuryWeights map[string]float64 `yaml:"injury_weights"`
	HalfLife      time.Duration      `yaml:"half_life"`
	DecayFloor    float64            `yaml:"decay_floor"`
	UrgencyFloor  float64            `yaml:"urgency_floor"`
}

type PlannerConfig struct {
	ServiceTime     time.Duration `yaml:"service_time"`
	UnservedPenalty time.Duration `yaml:"unserved_penalty"`
}

type ReplanConfig struct {
	Coalesce        time.Duration `yaml:"coalesce"`
	Tick            time.Duration `yaml:"tick"`
	TimeBudget      time.Duration `yaml:"time_budget"`
	Hysteresis      float64       `yaml:"hysteresis"`
	MaxStaleRetries int           `yaml:"max_stale_retries"`
}

// Default returns the stock configuration.
func Default() Config {
	eng := priority.NewEngine()
	weights := map[string]float64{}
	for l, w := range eng.InjuryWeights {
		weights[l.String()] = w
	}
	rc := replan.DefaultConfig()
	return Config{
		Server:   ServerConfig{Port: 8080, RateRPS: 200, RateBurst: 400, ShutdownTimeout: 10 * time.Second},
		Log:      LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{Migrate: true},
		MQTT:     MQTTConfig{Prefix: "rescuenav", QoS: 1},
		Webhooks: WebhookConfig{MaxAttempts: 10},
		Cost:     CostConfig{Model: "haversine", Detour: 1, DefaultSpeedMps: geo.DefaultSpeedMps, MaterialMoveM: replan.DefaultMaterialMoveM},
		Priority: PriorityConfig{InjuryWeights: weights, HalfLife: eng.HalfLife, DecayFloor: eng.DecayFloor, UrgencyFloor: eng.UrgencyFloor},
		Planner:  PlannerConfig{ServiceTime: 2 * time.Minute, UnservedPenalty: 24 * time.Hour},
		Replan: ReplanConfig{
			Coalesce: rc.Coalesce, Tick: rc.Tick, TimeBudget: rc.TimeBudget,
			Hysteresis: rc.Hysteresis, MaxStaleRetries: rc.MaxStaleRetries,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and the process environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	integer("PORT", &c.Server.Port)
	float("RATE_RPS", &c.Server.RateRPS)
	integer("RATE_BURST", &c.Server.RateBurst)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("DATABASE_URL", &c.Database.URL)
	boolean("DB_MIGRATE", &c.Database.Migrate)
	str("REDIS_URL", &c.Redis.URL)
	str("MQTT_BROKER", &c.MQTT.Broker)
	str("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("MQTT_PREFIX", &c.MQTT.Prefix)
	if v := strings.TrimSpace(getenv("WEBHOOK_URLS")); v != "" {
		c.Webhooks.URLs = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.Webhooks.URLs = append(c.Webhooks.URLs, u)
			}
		}
	}
	str("WEBHOOK_SECRET", &c.Webhooks.Secret)
	integer("WEBHOOK_MAX_ATTEMPTS", &c.Webhooks.MaxAttempts)
	str("COST_MODEL", &c.Cost.Model)
	float("COST_DETOUR", &c.Cost.Detour)
	duration("DECAY_HALF_LIFE", &c.Priority.HalfLife)
	float("DECAY_FLOOR", &c.Priority.DecayFloor)
	duration("REPLAN_COALESCE", &c.Replan.Coalesce)
	duration("REPLAN_TICK", &c.Replan.Tick)
	duration("REPLAN_TIME_BUDGET", &c.Replan.TimeBudget)
	float("REPLAN_HYSTERESIS", &c.Replan.Hysteresis)
	return errors.Join(errs...)
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateRPS < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, errors.New("server rate limits must be >= 0"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or console", c.Log.Format))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d: want 0, 1 or 2", c.MQTT.QoS))
	}
	if c.Webhooks.MaxAttempts <= 0 {
		errs = append(errs, errors.New("webhooks.max_attempts must be > 0"))
	}
	if _, err := geo.New(c.Cost.Model, c.Cost.Detour); err != nil {
		errs = append(errs, err)
	}
	if c.Cost.DefaultSpeedMps <= 0 {
		errs = append(errs, errors.New("cost.default_speed_mps must be > 0"))
	}
	if c.Cost.MaterialMoveM < 0 {
		errs = append(errs, errors.New("cost.material_move_m must be >= 0"))
	}
	if _, err := c.injuryWeights(); err != nil {
		errs = append(errs, err)
	}
	if c.Priority.HalfLife <= 0 {
		errs = append(errs, errors.New("priority.half_life must be > 0"))
	}
	if c.Priority.DecayFloor <= 0 || c.Priority.DecayFloor > 1 {
		errs = append(errs, fmt.Errorf("priority.decay_floor %v outside (0,1]", c.Priority.DecayFloor))
	}
	if c.Priority.UrgencyFloor <= 0 {
		errs = append(errs, errors.New("priority.urgency_floor must be > 0"))
	}
	if c.Planner.ServiceTime < 0 || c.Planner.UnservedPenalty <= 0 {
		errs = append(errs, errors.New("planner: service_time must be >= 0 and unserved_penalty > 0"))
	}
	if c.Replan.Coalesce < 0 || c.Replan.Tick <= 0 || c.Replan.TimeBudget <= 0 {
		errs = append(errs, errors.New("replan: coalesce >= 0, tick > 0 and time_budget > 0 required"))
	}
	if c.Replan.Hysteresis < 0 || c.Replan.Hysteresis >= 1 {
		errs = append(errs, fmt.Errorf("replan.hysteresis %v outside [0,1)", c.Replan.Hysteresis))
	}
	if c.Replan.MaxStaleRetries <= 0 {
		errs = append(errs, errors.New("replan.max_stale_retries must be > 0"))
	}
	return errors.Join(errs...)
}

// injuryWeights parses the weight table and checks it is strictly ordinal.
func (c Config) injuryWeights() (map[model.InjuryLevel]float64, error) {
	out := priority.DefaultInjuryWeights()
	for name, w := range c.Priority.InjuryWeights {
		l, err := model.ParseInjury(name)
		if err != nil {
			return nil, fmt.Errorf("priority.injury_weights: %w", err)
		}
		out[l] = w
	}
	levels := []model.InjuryLevel{model.InjuryNone, model.InjuryMinor, model.InjurySevere, model.InjuryUnconscious}
	if out[levels[0]] <= 0 {
		return nil, errors.New("priority.injury_weights: weights must be > 0")
	}
	for i := 1; i < len(levels); i++ {
		if out[levels[i]] <= out[levels[i-1]] {
			return nil, fmt.Errorf("priority.injury_weights: %s must weigh more than %s", levels[i], levels[i-1])
		}
	}
	return out, nil
}

// CostModel returns the configured travel cost model.
func (c Config) CostModel() (geo.CostModel, error) { return geo.New(c.Cost.Model, c.Cost.Detour) }

// PriorityEngine returns the configured urgency engine.
func (c Config) PriorityEngine() (priority.Engine, error) {
	w, err := c.injuryWeights()
	if err != nil {
		return priority.Engine{}, err
	}
	return priority.Engine{InjuryWeights: w, HalfLife: c.Priority.HalfLife, DecayFloor: c.Priority.DecayFloor, UrgencyFloor: c.Priority.UrgencyFloor}, nil
}

// RoutePlanner returns a route planner over cost.
func (c Config) RoutePlanner(cost geo.CostModel) opt.Planner {
	return opt.Planner{Cost: cost, ServiceTime: c.Planner.ServiceTime, UnservedPenalty: c.Planner.UnservedPenalty, DefaultSpeedMps: c.Cost.DefaultSpeedMps}
}

// ReplanConfig returns the coordinator settings.
func (c Config) ReplanConfig() replan.Config {
	return replan.Config{
		Coalesce: c.Replan.Coalesce, Tick: c.Replan.Tick, TimeBudget: c.Replan.TimeBudget,
		Hysteresis: c.Replan.Hysteresis, MaxStaleRetries: c.Replan.MaxStaleRetries,
	}
}

// Redacted returns a view safe to expose on debug endpoints.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"port":                 c.Server.Port,
		"rate_rps":             c.Server.RateRPS,
		"rate_burst":           c.Server.RateBurst,
		"log_level":            c.Log.Level,
		"has_database_url":     c.Database.URL != "",
		"has_redis_url":        c.Redis.URL != "",
		"mqtt_broker":          c.MQTT.Broker,
		"webhook_targets":      len(c.Webhooks.URLs),
		"webhook_max_attempts": c.Webhooks.MaxAttempts,
		"cost_model":           c.Cost.Model,
		"decay_half_life":      c.Priority.HalfLife.String(),
		"decay_floor":          c.Priority.DecayFloor,
		"time_budget":          c.Replan.TimeBudget.String(),
		"hysteresis":           c.Replan.Hysteresis,
	}
}
