package main

import (
	"flag"

	"github.com/pmaia/chatvault/internal/config"
	"github.com/pmaia/chatvault/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file path (overrides ~/.chatvault/config.toml)")
	flag.Parse()

	config.LoadEnvFile()

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: *configFlag}),
	)

	app.Run()
}
