// Command conman-worker connects to a conman coordinator and executes
// each job it receives as a shell command, returning the command's
// combined output as the result.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/urfave/cli/v2"

	"github.com/AJMHPC/conman/endpoint"
	"github.com/AJMHPC/conman/internal/config"
	"github.com/AJMHPC/conman/internal/logging"
	"github.com/AJMHPC/conman/worker"
)

func main() {
	app := &cli.App{
		Name:  "conman-worker",
		Usage: "connect to a coordinator and execute jobs as shell commands",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a worker YAML config file",
			},
			&cli.StringFlag{
				Name:  "coordinator",
				Usage: "override coordinator.address from the config file",
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
		loaded, err := config.LoadWorkerConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if addr := c.String("coordinator"); addr != "" {
		cfg.Coordinator.Address = addr
	}

	log, closer := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.FilePath)
	defer closer.Close()

	ctx := context.Background()
	d, err := worker.Dial(ctx, cfg.Coordinator.Address, cfg.Coordinator.Timeout,
		endpoint.WithHandshake(*cfg.Coordinator.HandshakeEnabled))
	if err != nil {
		return fmt.Errorf("connecting to coordinator: %w", err)
	}
	defer d.Exit()
	log.Info("connected to coordinator", "address", cfg.Coordinator.Address)

	var result any
	for {
		job, err := d.Call(result)
		if err != nil {
			log.Info("coordinator closed the connection", "error", err)
			return nil
		}
		result = runJob(job)
	}
}

func defaultConfig() *config.WorkerConfig {
	handshakeEnabled := true
	return &config.WorkerConfig{
		Coordinator: config.CoordinatorAddr{Address: "127.0.0.1:9847", HandshakeEnabled: &handshakeEnabled},
		Logging:     config.LoggingInfo{Level: "info", Format: "json"},
	}
}

func runJob(job any) string {
	cmdline, ok := job.(string)
	if !ok {
		return fmt.Sprintf("job is %T, not a shell command string", job)
	}
	out, err := exec.Command("sh", "-c", cmdline).CombinedOutput()
	if err != nil {
		return fmt.Sprintf("error: %v\n%s", err, out)
	}
	return string(out)
}
