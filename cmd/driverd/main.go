package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/example/driver-dispatch/cmd/driverd/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "driverd",
		Usage: "contractor-side driver agent for the moving marketplace",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "start the driver session and the local control API",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:  "addr",
						Usage: "control API listen address (overrides HTTP_ADDR)",
					},
					&cli.BoolFlag{
						Name:  "online",
						Usage: "go online as soon as the agent starts",
					},
					&cli.StringFlag{
						Name:  "simulate-route",
						Usage: "replay a looping route instead of accepting device fixes (lat,lng;lat,lng;...)",
					},
				},
				Action: commands.RunAction,
			},
			{
				Name:  "migrate",
				Usage: "apply job history migrations to postgres",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:  "dsn",
						Usage: "postgres DSN (defaults to PG_DSN)",
					},
				},
				Action: commands.MigrateAction,
			},
			{
				Name:  "audit",
				Usage: "audit stream commands",
				Commands: []*cli.Command{
					{
						Name:  "tail",
						Usage: "print audit events from kafka as JSON lines",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringSliceFlag{
								Name:  "brokers",
								Usage: "kafka brokers (defaults to KAFKA_BROKERS)",
							},
							&cli.StringFlag{
								Name:  "topic",
								Usage: "audit topic (defaults to KAFKA_TOPIC or driver-audit)",
							},
							&cli.StringFlag{
								Name:  "group",
								Usage: "consumer group; empty reads partition 0 without committing offsets",
							},
							&cli.StringFlag{
								Name:  "job",
								Usage: "only events for this job id",
							},
							&cli.StringFlag{
								Name:  "type",
								Usage: "only events whose type has this prefix (e.g. offer.)",
							},
						},
						Action: commands.AuditTailAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "path to an optional .env file",
		Value: ".env",
	}
}
