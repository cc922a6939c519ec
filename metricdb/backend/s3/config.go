package s3

import (
	"flag"

	"github.com/grafana/dskit/flagext"

	"github.com/grafana/urd/pkg/util"
)

type Config struct {
	Bucket             string            `yaml:"bucket"`
	Endpoint           string            `yaml:"endpoint"`
	Region             string            `yaml:"region"`
	AccessKey          string            `yaml:"access_key"`
	SecretKey          flagext.Secret    `yaml:"secret_key"`
	Insecure           bool              `yaml:"insecure"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"`
	PartSize           uint64            `yaml:"part_size"`
	ForcePathStyle     bool              `yaml:"force_path_style"`
	// SignatureV2 configures the object storage to use V2 signing instead of V4
	SignatureV2  bool              `yaml:"signature_v2"`
	StorageClass string            `yaml:"storage_class"`
	Tags         map[string]string `yaml:"tags"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Bucket, util.PrefixConfig(prefix, "s3.bucket"), "", "bucket to store archived segments in.")
	f.StringVar(&cfg.Endpoint, util.PrefixConfig(prefix, "s3.endpoint"), "", "s3 endpoint to push segments to.")
	f.StringVar(&cfg.AccessKey, util.PrefixConfig(prefix, "s3.access_key"), "", "s3 access key.")
	f.Var(&cfg.SecretKey, util.PrefixConfig(prefix, "s3.secret_key"), "s3 secret key.")
}
