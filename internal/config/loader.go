package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/strest-io/strest/internal/envutil"
)

// Load builds the Config from the bound flag set, merging an optional YAML
// config file underneath (flags win over file values, file values win over
// defaults).
func Load(flags *pflag.FlagSet, configFile string, env *envutil.Env) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.NoColor || env.NoColor() {
		cfg.NoColor = true
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("protocol", "http")
	v.SetDefault("load-mode", "arrival")
	v.SetDefault("method", "GET")
	v.SetDefault("status", 200)
	v.SetDefault("duration", "30s")
	v.SetDefault("timeout", "30s")
	v.SetDefault("connect-timeout", "10s")
	v.SetDefault("max-tasks", 50)
	v.SetDefault("spawn-rate", 10)
	v.SetDefault("spawn-interval", "100ms")
	v.SetDefault("metrics-max", 100000)
	v.SetDefault("tmp-path", filepath.Join(os.TempDir(), "strest"))
	v.SetDefault("log-shards", 4)
	v.SetDefault("ui-window-ms", 10000)
	v.SetDefault("ui-fps", 16)
	v.SetDefault("sink-interval", "1s")
	v.SetDefault("replay-step", "1s")
	v.SetDefault("replay-snapshot-format", "json")
	v.SetDefault("controller-mode", "auto")
	v.SetDefault("agent-weight", 1)
	v.SetDefault("min-agents", 1)
	v.SetDefault("agent-reconnect-ms", 1000)
	v.SetDefault("agent-heartbeat-interval-ms", 1000)
	v.SetDefault("agent-heartbeat-timeout-ms", 3000)
	v.SetDefault("stream-interval-ms", 1000)
	v.SetDefault("log-level", "info")
}
