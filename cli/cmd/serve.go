package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/buntime/adapter"
	redisadapter "github.com/pithecene-io/buntime/adapter/redis"
	"github.com/pithecene-io/buntime/adapter/webhook"
	"github.com/pithecene-io/buntime/iox"
	"github.com/pithecene-io/buntime/log"
	"github.com/pithecene-io/buntime/metrics"
	"github.com/pithecene-io/buntime/pool"
	"github.com/pithecene-io/buntime/server"
)

// ServeCommand returns the serve command: the HTTP front door plus the
// worker pool.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve apps under the apps root",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address",
				Value: ":8080",
			},
			&cli.StringFlag{
				Name:     "apps-root",
				Usage:    "Directory whose subdirectories are apps",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "max-pool-size",
				Usage: "Maximum live worker instances",
				Value: pool.DefaultMaxPoolSize,
			},
			&cli.DurationFlag{
				Name:  "sweep-interval",
				Usage: "Background health sweep period",
				Value: pool.DefaultSweepInterval,
			},
			&cli.StringFlag{
				Name:  "worker-binary",
				Usage: "Stock worker binary for declarative entrypoints",
				Value: pool.DefaultWorkerBinary,
			},
			&cli.StringFlag{
				Name:  "redis-events-url",
				Usage: "Publish worker lifecycle events to this redis (redis://host:port/db)",
			},
			&cli.StringFlag{
				Name:  "webhook-events-url",
				Usage: "POST worker lifecycle events to this endpoint",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	logger := log.NewLogger()
	defer iox.DiscardErr(logger.Zap().Sync)

	events, err := buildPublisher(c, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("event publisher: %v", err), 1)
	}
	if events != nil {
		defer func() { _ = events.Close() }()
	}

	p := pool.New(pool.Options{
		MaxPoolSize:   c.Int("max-pool-size"),
		SweepInterval: c.Duration("sweep-interval"),
		WorkerBinary:  c.String("worker-binary"),
		Logger:        logger,
		Metrics:       metrics.NewCollector(),
		Events:        events,
	})

	srv := server.New(server.Options{
		Addr:     c.String("addr"),
		AppsRoot: c.String("apps-root"),
		Pool:     p,
		Logger:   logger,
	})

	return srv.Run()
}

// buildPublisher wires the lifecycle event sink from flags. Redis wins when
// both are set.
func buildPublisher(c *cli.Context, logger *log.Logger) (adapter.Publisher, error) {
	if url := c.String("redis-events-url"); url != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return redisadapter.New(ctx, url, logger)
	}
	if url := c.String("webhook-events-url"); url != "" {
		return webhook.New(url, logger), nil
	}
	return nil, nil
}
