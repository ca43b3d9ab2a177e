package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP struct {
		Addr         string   `yaml:"addr"`
		AllowOrigins []string `yaml:"allow_origins"`
	} `yaml:"http"`
	Dev struct {
		Mode bool `yaml:"mode"`
	} `yaml:"dev"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Audience  string `yaml:"audience"`
		Issuer    string `yaml:"issuer"`
	} `yaml:"auth"`
	Subscription struct {
		TrialDays   int           `yaml:"trial_days"`
		PeriodDays  int           `yaml:"period_days"`
		GraceDays   int           `yaml:"grace_days"`
		SweepWindow time.Duration `yaml:"sweep_window"`
		SweepQueue  bool          `yaml:"sweep_queue"`
	} `yaml:"subscription"`
	Billing struct {
		Provider          string `yaml:"provider"`
		BaseURL           string `yaml:"base_url"`
		AccessToken       string `yaml:"access_token"`
		WebhookSecret     string `yaml:"webhook_secret"`
		NotificationURL   string `yaml:"notification_url"`
		BackURL           string `yaml:"back_url"`
		VerifyBeforeBlock bool   `yaml:"verify_before_block"`
		Prices            struct {
			Autonomo float64 `yaml:"autonomo"`
			Ate3     float64 `yaml:"ate_3"`
			Ate5     float64 `yaml:"ate_5"`
		} `yaml:"prices"`
	} `yaml:"billing"`
	WhatsApp struct {
		EvolutionURL    string        `yaml:"evolution_url"`
		EvolutionAPIKey string        `yaml:"evolution_api_key"`
		InstancePrefix  string        `yaml:"instance_prefix"`
		PollInterval    time.Duration `yaml:"poll_interval"`
		LinkTimeout     time.Duration `yaml:"link_timeout"`
		ConnectRPM      int           `yaml:"connect_rpm"`
	} `yaml:"whatsapp"`
	Security struct {
		CronSecret string `yaml:"cron_secret"`
	} `yaml:"security"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8080"
	cfg.Dev.Mode = true
	cfg.Subscription.TrialDays = 7
	cfg.Subscription.PeriodDays = 30
	cfg.Subscription.GraceDays = 2
	cfg.Subscription.SweepWindow = time.Minute
	cfg.Billing.Provider = "mercadopago"
	cfg.Billing.BaseURL = "https://api.mercadopago.com"
	cfg.Billing.Prices.Autonomo = 49.90
	cfg.Billing.Prices.Ate3 = 99.90
	cfg.Billing.Prices.Ate5 = 149.90
	cfg.WhatsApp.InstancePrefix = "clinic"
	cfg.WhatsApp.PollInterval = 3 * time.Second
	cfg.WhatsApp.LinkTimeout = 30 * time.Second
	cfg.WhatsApp.ConnectRPM = 6
	cfg.Log.Level = "info"
	return cfg
}

// Load reads an optional .env file, then the YAML file at path (missing file
// is fine), then applies AC_* environment overrides.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	applyEnv(&cfg)

	if cfg.Database.DSN == "" {
		return cfg, errors.New("missing database.dsn (or AC_DB_DSN)")
	}
	if cfg.Subscription.GraceDays < 0 {
		return cfg, errors.New("subscription.grace_days must not be negative")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AC_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("AC_HTTP_ALLOW_ORIGINS"); v != "" {
		cfg.HTTP.AllowOrigins = splitCSV(v)
	}
	if v := os.Getenv("AC_DEV_MODE"); v != "" {
		cfg.Dev.Mode = parseBool(v, cfg.Dev.Mode)
	}
	if v := os.Getenv("AC_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("AC_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AC_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("AC_AUTH_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("AC_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("AC_TRIAL_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Subscription.TrialDays = n
		}
	}
	if v := os.Getenv("AC_PERIOD_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Subscription.PeriodDays = n
		}
	}
	if v := os.Getenv("AC_GRACE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Subscription.GraceDays = n
		}
	}
	if v := os.Getenv("AC_SWEEP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Subscription.SweepWindow = d
		}
	}
	if v := os.Getenv("AC_SWEEP_QUEUE"); v != "" {
		cfg.Subscription.SweepQueue = parseBool(v, cfg.Subscription.SweepQueue)
	}
	if v := os.Getenv("AC_BILLING_BASE_URL"); v != "" {
		cfg.Billing.BaseURL = v
	}
	if v := os.Getenv("AC_MP_ACCESS_TOKEN"); v != "" {
		cfg.Billing.AccessToken = v
	}
	if v := os.Getenv("AC_MP_WEBHOOK_SECRET"); v != "" {
		cfg.Billing.WebhookSecret = v
	}
	if v := os.Getenv("AC_MP_NOTIFICATION_URL"); v != "" {
		cfg.Billing.NotificationURL = v
	}
	if v := os.Getenv("AC_MP_BACK_URL"); v != "" {
		cfg.Billing.BackURL = v
	}
	if v := os.Getenv("AC_VERIFY_BEFORE_BLOCK"); v != "" {
		cfg.Billing.VerifyBeforeBlock = parseBool(v, cfg.Billing.VerifyBeforeBlock)
	}
	if v := os.Getenv("AC_EVOLUTION_URL"); v != "" {
		cfg.WhatsApp.EvolutionURL = v
	}
	if v := os.Getenv("AC_EVOLUTION_API_KEY"); v != "" {
		cfg.WhatsApp.EvolutionAPIKey = v
	}
	if v := os.Getenv("AC_WHATSAPP_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WhatsApp.PollInterval = d
		}
	}
	if v := os.Getenv("AC_WHATSAPP_LINK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WhatsApp.LinkTimeout = d
		}
	}
	if v := os.Getenv("AC_WHATSAPP_CONNECT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WhatsApp.ConnectRPM = n
		}
	}
	if v := os.Getenv("AC_CRON_SECRET"); v != "" {
		cfg.Security.CronSecret = v
	}
	if v := os.Getenv("AC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("AC_LOG_PRETTY"); v != "" {
		cfg.Log.Pretty = parseBool(v, cfg.Log.Pretty)
	}
}

func parseBool(input string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitCSV(input string) []string {
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		val := strings.TrimSpace(part)
		if val == "" {
			continue
		}
		out = append(out, val)
	}
	return out
}
