package main

import (
	"fmt"
	"strings"

	"github.com/KarpelesLab/resthttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// loadConfig builds the pool configuration from, in order of precedence,
// command line flags, RESTFETCH_* environment variables and the config file.
func loadConfig(configFile string, flags *pflag.FlagSet) (resthttp.PoolConfig, error) {
	var cfg resthttp.PoolConfig

	v := viper.New()
	v.SetEnvPrefix("restfetch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("error reading config file: %w", err)
		}
	}

	bindings := map[string]string{
		"insecure_skip_verify": "insecure",
		"disable_redirects":    "no-redirects",
		"connect_timeout":      "connect-timeout",
	}
	for key, flag := range bindings {
		f := flags.Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		for _, kind := range []string{"plain", "proxied"} {
			if err := v.BindPFlag(kind+"."+key, f); err != nil {
				return cfg, err
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if s, _ := flags.GetString("min-tls"); s != "" {
		ver, err := resthttp.ParseTLSVersion(s)
		if err != nil {
			return cfg, err
		}
		cfg.Plain.MinTLSVersion = ver
		cfg.Proxied.MinTLSVersion = ver
	}
	return cfg, nil
}
