package main

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"odin/internal/config"
)

func main() {
	app := &cli.Command{
		Name:  "odin",
		Usage: "Batched STAC search, WTSS time series and the catalog proxy",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: filepath.Join(config.DefaultDataDir(), "config.toml"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error); overrides the config file",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Shorthand for --log-level debug",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			collectionsCommand(),
			searchCommand(),
			timeseriesCommand(),
			configCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
