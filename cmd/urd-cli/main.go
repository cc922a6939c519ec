package main

import (
	"github.com/alecthomas/kong"
)

type globalOptions struct {
	ConfigFile string `type:"path" short:"c" help:"Path to an urd config file to take storage settings from."`
}

var cli struct {
	globalOptions

	List struct {
		Metrics  listMetricsCmd  `cmd:"" help:"List registered metric definitions."`
		Segments listSegmentsCmd `cmd:"" help:"List archived segments for one metric."`
	} `cmd:""`

	Query struct {
		Archive queryArchiveCmd `cmd:"" help:"Read samples straight from an archived segment object."`
	} `cmd:""`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("urd-cli"),
		kong.Description("Urd backend inspection tool"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli.globalOptions)
	ctx.FatalIfErrorf(err)
}
