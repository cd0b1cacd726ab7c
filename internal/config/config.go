package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr         string
		StaticDir    string
		SecureCookie bool
	}
	Log struct {
		Level string
	}
	Database struct {
		Path string
	}
	Workspace struct {
		Root             string
		HistoryRetention time.Duration
		JanitorInterval  time.Duration
		PageSize         int
		MaxBatchSize     int
		MaxUploadMB      int64
		FFmpegPath       string
		FFprobePath      string
	}
	Processing struct {
		TokenCost int
	}
	Auth struct {
		JWTSecret       string
		TokenTTLMinutes int
		CookieName      string
		SignupTokens    int
		ReferralBonus   int
	}
	Billing struct {
		SecretKey        string
		WebhookSecret    string
		TokensPerInvoice int
		SuccessURL       string
		CancelURL        string
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Redis struct {
		Addr          string
		Password      string
		DB            int
		RatePerMinute int
		Burst         int
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv(".env")

	v := viper.New()
	v.SetEnvPrefix("VARIANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("server.staticdir", "")
	v.SetDefault("server.securecookie", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("database.path", "data/variant.db")

	v.SetDefault("workspace.root", "data/workspace")
	v.SetDefault("workspace.historyretention", 7*24*time.Hour)
	v.SetDefault("workspace.janitorinterval", time.Hour)
	v.SetDefault("workspace.pagesize", 24)
	v.SetDefault("workspace.maxbatchsize", 50)
	v.SetDefault("workspace.maxuploadmb", 512)
	v.SetDefault("workspace.ffmpegpath", "ffmpeg")
	v.SetDefault("workspace.ffprobepath", "ffprobe")

	v.SetDefault("processing.tokencost", 1)

	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.tokenttlminutes", 60*24)
	v.SetDefault("auth.cookiename", "variant_session")
	v.SetDefault("auth.signuptokens", 50)
	v.SetDefault("auth.referralbonus", 20)

	v.SetDefault("billing.secretkey", "")
	v.SetDefault("billing.webhooksecret", "")
	v.SetDefault("billing.tokensperinvoice", 100)
	v.SetDefault("billing.successurl", "http://localhost:8080/billing/success?session_id={CHECKOUT_SESSION_ID}")
	v.SetDefault("billing.cancelurl", "http://localhost:8080/settings")

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "variant-archives")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.rateperminute", 10)
	v.SetDefault("redis.burst", 5)
}

// Validate checks values that have no usable default.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth jwt secret is required")
	}
	if c.Workspace.PageSize <= 0 {
		return fmt.Errorf("workspace page size must be positive")
	}
	if c.Workspace.MaxBatchSize <= 0 {
		return fmt.Errorf("workspace max batch size must be positive")
	}
	if c.Workspace.HistoryRetention <= 0 {
		return fmt.Errorf("workspace history retention must be positive")
	}
	if c.Processing.TokenCost < 0 {
		return fmt.Errorf("processing token cost cannot be negative")
	}
	return nil
}

// BillingEnabled reports whether payment provider credentials are present.
func (c Config) BillingEnabled() bool {
	return c.Billing.SecretKey != ""
}

// BackupEnabled reports whether archives should be copied to object storage.
func (c Config) BackupEnabled() bool {
	return c.Storage.Bucket != ""
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
