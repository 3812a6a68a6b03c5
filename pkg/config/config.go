package config

import (
	"fmt"
	"math"
	"strings"

	"go-poolguard/pkg/models"

	"github.com/spf13/viper"
)

type Config struct {
	InfluxDB struct {
		URL    string
		Token  string
		Org    string
		Bucket string
	}
	MySQL struct {
		DSN     string
		MaxIdle int `mapstructure:"max_idle"`
		MaxOpen int `mapstructure:"max_open"`
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
	}
	Kafka struct {
		Brokers    []string
		ClickTopic string `mapstructure:"click_topic"`
		VisitTopic string `mapstructure:"visit_topic"`
		GroupID    string `mapstructure:"group_id"`
		Version    string
	}
	GeoIP struct {
		CityPath string `mapstructure:"city_path"`
		ASNPath  string `mapstructure:"asn_path"`
	}
	Webhook struct {
		URL      string
		Cooldown string
	}
	Log struct {
		Level string
		Path  string
	}
	Metrics struct {
		Addr string
	}
	Blocklist struct {
		// mysql 或 redis
		Backend string
	}
	Security struct {
		WhitelistIPs []string `mapstructure:"whitelist_ips"`
	}
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Protection ProtectionConfig `mapstructure:"protection"`
}

// ScoringConfig 风险评分权重与等级阈值
type ScoringConfig struct {
	Weights struct {
		IP          float64 `mapstructure:"ip"`
		Device      float64 `mapstructure:"device"`
		Behavior    float64 `mapstructure:"behavior"`
		Fingerprint float64 `mapstructure:"fingerprint"`
		Pattern     float64 `mapstructure:"pattern"`
	}
	MediumThreshold   float64 `mapstructure:"medium_threshold"`
	HighThreshold     float64 `mapstructure:"high_threshold"`
	CriticalThreshold float64 `mapstructure:"critical_threshold"`
	RecentWindow      string  `mapstructure:"recent_window"`
	RecentLimit       int     `mapstructure:"recent_limit"`
	Locale            struct {
		Cities         []string `mapstructure:"cities"`
		Timezones      []string `mapstructure:"timezones"`
		LanguagePrefix string   `mapstructure:"language_prefix"`
	}
}

// ProtectionConfig 点击快速通道与集体防护参数
type ProtectionConfig struct {
	DefaultClickThreshold int    `mapstructure:"default_click_threshold"`
	DefaultBlockDays      int    `mapstructure:"default_block_days"`
	SuspiciousThreshold   int    `mapstructure:"suspicious_threshold"`
	DomesticCountry       string `mapstructure:"domestic_country"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kafka.click_topic", "ad-clicks")
	v.SetDefault("kafka.visit_topic", "ad-visits")
	v.SetDefault("kafka.group_id", "poolguard")
	v.SetDefault("kafka.version", "2.1.0")
	v.SetDefault("mysql.max_idle", 5)
	v.SetDefault("mysql.max_open", 20)
	v.SetDefault("webhook.cooldown", "1h")
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.addr", ":2112")
	v.SetDefault("blocklist.backend", "mysql")

	v.SetDefault("scoring.weights.ip", 0.25)
	v.SetDefault("scoring.weights.device", 0.15)
	v.SetDefault("scoring.weights.behavior", 0.30)
	v.SetDefault("scoring.weights.fingerprint", 0.15)
	v.SetDefault("scoring.weights.pattern", 0.15)
	v.SetDefault("scoring.medium_threshold", 30)
	v.SetDefault("scoring.high_threshold", 50)
	v.SetDefault("scoring.critical_threshold", 70)
	v.SetDefault("scoring.recent_window", "1h")
	v.SetDefault("scoring.recent_limit", 500)
	v.SetDefault("scoring.locale.cities", []string{"istanbul", "ankara", "izmir", "bursa", "antalya", "adana", "konya"})
	v.SetDefault("scoring.locale.timezones", []string{"europe/istanbul", "+03"})
	v.SetDefault("scoring.locale.language_prefix", "tr")

	v.SetDefault("protection.default_click_threshold", 5)
	v.SetDefault("protection.default_block_days", 7)
	v.SetDefault("protection.suspicious_threshold", 70)
	v.SetDefault("protection.domestic_country", "TR")
}

// Load 从 configPath 目录读取 config.yaml，环境变量 POOLGUARD_* 可覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix("POOLGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 仅使用默认值的配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate 检查权重与阈值的一致性
func (c *Config) Validate() error {
	w := c.Scoring.Weights
	weights := []float64{w.IP, w.Device, w.Behavior, w.Fingerprint, w.Pattern}
	sum := 0.0
	for _, x := range weights {
		if x < 0 || x > 1 {
			return fmt.Errorf("%w: category weight %.2f out of range [0,1]", models.ErrConfiguration, x)
		}
		sum += x
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("%w: category weights sum to %.4f, want 1.0", models.ErrConfiguration, sum)
	}

	s := c.Scoring
	if !(s.MediumThreshold > 0 && s.MediumThreshold < s.HighThreshold &&
		s.HighThreshold < s.CriticalThreshold && s.CriticalThreshold <= 100) {
		return fmt.Errorf("%w: level thresholds must satisfy 0 < medium < high < critical <= 100, got %.0f/%.0f/%.0f",
			models.ErrConfiguration, s.MediumThreshold, s.HighThreshold, s.CriticalThreshold)
	}
	if s.RecentLimit <= 0 {
		return fmt.Errorf("%w: scoring.recent_limit must be positive", models.ErrConfiguration)
	}

	p := c.Protection
	if p.DefaultClickThreshold < models.MinClickThreshold || p.DefaultClickThreshold > models.MaxClickThreshold {
		return fmt.Errorf("%w: default click threshold %d out of range", models.ErrConfiguration, p.DefaultClickThreshold)
	}
	if p.DefaultBlockDays < models.MinBlockDurationDays || p.DefaultBlockDays > models.MaxBlockDurationDays {
		return fmt.Errorf("%w: default block days %d out of range", models.ErrConfiguration, p.DefaultBlockDays)
	}
	if p.SuspiciousThreshold <= 0 || p.SuspiciousThreshold > 100 {
		return fmt.Errorf("%w: suspicious threshold %d out of range", models.ErrConfiguration, p.SuspiciousThreshold)
	}
	switch c.Blocklist.Backend {
	case "mysql", "redis", "memory":
	default:
		return fmt.Errorf("%w: unknown blocklist backend %q", models.ErrConfiguration, c.Blocklist.Backend)
	}
	return nil
}
