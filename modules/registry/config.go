package registry

import (
	"flag"

	"github.com/grafana/urd/pkg/util"
)

type Config struct {
	// PreloadOnStart warms the name cache from the store before the server
	// starts taking traffic.
	PreloadOnStart bool `yaml:"preload_on_start"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.PreloadOnStart, util.PrefixConfig(prefix, "preload-on-start"), true, "Load all metric definitions into the cache at startup.")
}
