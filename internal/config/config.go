package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "schwab"
)

// Load 读取配置文件并结合环境变量返回 Config。
// 当前目录存在 .env 时先载入，便于把 client_secret 留在配置文件之外。
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// FromViper 从已填充的 viper 实例解析配置，测试与嵌入场景使用。
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("trading.redirect_uri", "https://127.0.0.1:8182")

	v.SetDefault("api.base_url", "https://api.schwabapi.com")
	v.SetDefault("api.auth_url", "https://api.schwabapi.com/v1/oauth/authorize")
	v.SetDefault("api.token_url", "https://api.schwabapi.com/v1/oauth/token")
	v.SetDefault("api.request_timeout", "10s")
	v.SetDefault("api.max_response_bytes", 8<<20)

	v.SetDefault("auth.safety_margin", "60s")
	v.SetDefault("auth.refresh_timeout", "15s")
	v.SetDefault("auth.refresh_token_ttl", "168h")

	v.SetDefault("rate_limit.max_requests", 120)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.max_concurrent", 8)

	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.min_delay", "500ms")
	v.SetDefault("retry.max_delay", "10s")

	v.SetDefault("token_store.driver", "sqlite")
	v.SetDefault("token_store.path", "data/tokens.bolt")

	v.SetDefault("database.path", "data/schwab.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stderr"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.listen_addr", "127.0.0.1:9464")

	v.SetDefault("scheduler.keepalive_interval", "5m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
