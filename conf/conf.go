package conf

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/formahq/forma/internal/log"
	"github.com/formahq/forma/internal/pkg/xcache"
	"github.com/formahq/forma/internal/server"
	"github.com/formahq/forma/internal/server/biz"
	"github.com/formahq/forma/internal/server/db"
)

// Config is the full server configuration tree. Fields are addressed by their
// conf tag, both in config files and in FORMA_ environment variables.
type Config struct {
	Server server.Config `conf:"server" yaml:"server" json:"server"`
	Log    log.Config    `conf:"log"    yaml:"log"    json:"log"`
	Cache  xcache.Config `conf:"cache"  yaml:"cache"  json:"cache"`
	Engine biz.Config    `conf:"engine" yaml:"engine" json:"engine"`
	Store  db.Config     `conf:"store"  yaml:"store"  json:"store"`
}

// Module provides the loaded Config and decomposes it into the section
// configs the rest of the application depends on.
var Module = fx.Options(
	fx.Provide(Load),
	fx.Provide(func(cfg Config) server.Config { return cfg.Server }),
	fx.Provide(func(cfg Config) log.Config { return cfg.Log }),
	fx.Provide(func(cfg Config) xcache.Config { return cfg.Cache }),
	fx.Provide(func(cfg Config) biz.Config { return cfg.Engine }),
	fx.Provide(func(cfg Config) db.Config { return cfg.Store }),
)

// Load reads config.yaml from the working directory, ./conf, or /etc/forma,
// then applies FORMA_ environment overrides. A missing config file is not an
// error, every section has workable defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./conf")
	v.AddConfigPath("/etc/forma")

	v.SetEnvPrefix("FORMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config

	err := v.Unmarshal(&cfg,
		func(dc *mapstructure.DecoderConfig) {
			dc.TagName = "conf"
		},
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)),
	)
	if err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.name", "forma")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.request_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stderr")

	v.SetDefault("cache.mode", "memory")
}
