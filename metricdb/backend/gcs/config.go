package gcs

import (
	"flag"

	"github.com/grafana/urd/pkg/util"
)

type Config struct {
	BucketName      string `yaml:"bucket_name"`
	ChunkBufferSize int    `yaml:"chunk_buffer_size"`
	Endpoint        string `yaml:"endpoint"`
	Insecure        bool   `yaml:"insecure"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.BucketName, util.PrefixConfig(prefix, "gcs.bucket_name"), "", "gcs bucket to store archived segments in.")
}
