package main

import (
	"flag"

	"github.com/matheus3301/fedrelay/internal/daemon"
	"github.com/matheus3301/fedrelay/internal/paths"
	"go.uber.org/fx"
)

func main() {
	dataFlag := flag.String("data", paths.DefaultDataDir(), "data directory")
	configFlag := flag.String("config", "", "config file (default <data>/relayd.toml)")
	quietFlag := flag.Bool("quiet", false, "log to file only")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{
			DataDir:    *dataFlag,
			ConfigPath: *configFlag,
			Quiet:      *quietFlag,
		}),
	)

	app.Run()
}
