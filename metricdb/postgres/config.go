package postgres

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/flagext"

	"github.com/grafana/urd/pkg/util"
)

type Config struct {
	Host            string         `yaml:"host"`
	Port            int            `yaml:"port"`
	Database        string         `yaml:"database"`
	User            string         `yaml:"user"`
	Password        flagext.Secret `yaml:"password"`
	SSLMode         string         `yaml:"ssl_mode"`
	MaxOpenConns    int            `yaml:"max_open_conns"`
	MaxIdleConns    int            `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration  `yaml:"conn_max_lifetime"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Host, util.PrefixConfig(prefix, "postgres.host"), "localhost", "postgres host.")
	f.IntVar(&cfg.Port, util.PrefixConfig(prefix, "postgres.port"), 5432, "postgres port.")
	f.StringVar(&cfg.Database, util.PrefixConfig(prefix, "postgres.database"), "urd", "database name.")
	f.StringVar(&cfg.User, util.PrefixConfig(prefix, "postgres.user"), "urd", "database user.")
	f.Var(&cfg.Password, util.PrefixConfig(prefix, "postgres.password"), "database password.")
	f.StringVar(&cfg.SSLMode, util.PrefixConfig(prefix, "postgres.ssl_mode"), "disable", "postgres sslmode.")

	cfg.MaxOpenConns = 16
	cfg.MaxIdleConns = 4
	cfg.ConnMaxLifetime = 30 * time.Minute
}

func (cfg *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password.String(), cfg.Database, cfg.SSLMode)
}
