// Command conman-coordinator runs a standalone conman coordinator: it
// accepts worker connections on a TCP address, farms out jobs read from
// stdin (one JSON-free string per line), waits until every result has come
// back, and then prints them to stdout.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/AJMHPC/conman/coordinator"
	"github.com/AJMHPC/conman/internal/config"
	"github.com/AJMHPC/conman/internal/logging"
)

func main() {
	app := &cli.App{
		Name:  "conman-coordinator",
		Usage: "accept worker connections and farm out jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a coordinator YAML config file",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "override listen.address from the config file",
			},
			&cli.IntFlag{
				Name:  "await-workers",
				Usage: "block accepting connections until this many workers mount",
				Value: 1,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := defaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadCoordinatorConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if addr := c.String("listen"); addr != "" {
		cfg.Listen.Address = addr
	}

	log, closer := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.FilePath)
	defer closer.Close()

	coord, err := coordinator.New(cfg.Listen.Address, log,
		coordinator.WithMaxWorkerLoss(cfg.Worker.MaxWorkerLoss),
		coordinator.WithNoWorkerKill(cfg.Worker.NoWorkerKill),
		coordinator.WithCompress(cfg.Worker.Compress),
		coordinator.WithPageDir(cfg.Paging.Dir),
		coordinator.WithHandshakeEnabled(*cfg.Worker.HandshakeEnabled),
	)
	if err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}
	defer coord.Disconnect()

	if cfg.Metrics.Enabled {
		serveMetrics(coord, cfg.Metrics.Address, log)
	}

	ctx := context.Background()
	if err := coord.Mount(ctx, c.Int("await-workers"), 0); err != nil {
		return fmt.Errorf("mounting workers: %w", err)
	}
	log.Info("coordinator ready", "address", coord.Addr().String(), "workers", coord.WorkerCount())

	jobs := readJobs(os.Stdin)
	if err := coord.Submit(jobs); err != nil {
		return fmt.Errorf("submitting jobs: %w", err)
	}

	results, err := coord.AwaitResults(ctx)
	if err != nil {
		return fmt.Errorf("awaiting results: %w", err)
	}
	for _, r := range results {
		fmt.Println(r)
	}
	return nil
}

func defaultConfig() *config.CoordinatorConfig {
	handshakeEnabled := true
	return &config.CoordinatorConfig{
		Listen:  config.ListenInfo{Address: "0.0.0.0:9847"},
		Worker:  config.WorkerPool{MaxWorkerLoss: 2, NoWorkerKill: true, HandshakeEnabled: &handshakeEnabled},
		Logging: config.LoggingInfo{Level: "info", Format: "json"},
	}
}

func readJobs(r *os.File) []any {
	var jobs []any
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		jobs = append(jobs, scanner.Text())
	}
	return jobs
}

type warner interface {
	Warn(msg string, args ...any)
}

func serveMetrics(coord *coordinator.Coordinator, addr string, log warner) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(coord.Metrics())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn("metrics server exited", "error", err)
		}
	}()
}
