// Command ingestctl is the operator tool of the pipeline. It inspects
// ingestion runs, lists the run ledger and purges the staging keys of a
// stuck document.
//
// Usage:
//
//	ingestctl [--config configs/development.yaml] status --id <ingestion-id>
//	ingestctl runs --limit 20
//	ingestctl purge --doc <doc-id>
//	ingestctl polls
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/logger"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ingestctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "ingestctl",
		Usage: "Inspect and repair document enrichment runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "configs/development.yaml",
			},
			&cli.StringFlag{
				Name:  "redis",
				Usage: "Redis address, overriding the config file",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
		},
		Before: func(c *cli.Context) error {
			logger.Setup(c.String("log-level"), "text")
			slog.Debug("ingestctl starting", "config", c.String("config"))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Show the pending documents and indexing state of an ingestion",
				Action: statusCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "id",
						Usage:    "Ingestion id",
						Required: true,
					},
				},
			},
			{
				Name:   "runs",
				Usage:  "List recent runs from the ledger",
				Action: runsCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of runs to list",
						Value: 20,
					},
				},
			},
			{
				Name:   "purge",
				Usage:  "Delete the staged batches, results and merge claims of a document",
				Action: purgeCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "doc",
						Usage:    "Document id",
						Required: true,
					},
				},
			},
			{
				Name:   "polls",
				Usage:  "Show how many indexing polls are scheduled",
				Action: pollsCommand,
			},
		},
	}
}
