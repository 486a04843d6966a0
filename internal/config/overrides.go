package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix scopes the environment variables that override runtime settings.
const EnvPrefix = "EVENT_RELAY"

// Overrides are runtime settings taken from flags or EVENT_RELAY_* variables. They win over the file.
type Overrides struct {
	LogLevel string
	DBDriver string
	DBPath   string
	DBDSN    string
	APIAddr  string
}

// LoadOverrides merges flags and environment. Flags named log-level, db-driver, db-path, db-dsn and
// api are read when present; EVENT_RELAY_LOG_LEVEL and friends fill in the rest.
func LoadOverrides(flags *pflag.FlagSet) (Overrides, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log-level", "info")
	for _, key := range []string{"db-driver", "db-path", "db-dsn", "api"} {
		v.SetDefault(key, "")
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Overrides{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	return Overrides{
		LogLevel: v.GetString("log-level"),
		DBDriver: v.GetString("db-driver"),
		DBPath:   v.GetString("db-path"),
		DBDSN:    v.GetString("db-dsn"),
		APIAddr:  v.GetString("api"),
	}, nil
}

// ApplyOverrides copies the non-empty storage overrides into the config and re-validates it.
func (c *Config) ApplyOverrides(o Overrides) error {
	g := &c.Global
	if o.DBDriver != "" {
		g.DBDriver = strings.ToLower(o.DBDriver)
	}
	if o.DBPath != "" {
		g.DBPath = o.DBPath
	}
	if o.DBDSN != "" {
		g.DBDSN = o.DBDSN
	}
	return c.Validate()
}
