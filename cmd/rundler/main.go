// Command rundler runs the bundle builder task against a single chain
// endpoint, reading every tunable from a TOML config file (spec §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/shunsukew/rundler/builder"
	"github.com/shunsukew/rundler/chain"
	"github.com/shunsukew/rundler/config"
	"github.com/shunsukew/rundler/internal/emit"
	"github.com/shunsukew/rundler/pool"
)

var configFlag = &cli.StringFlag{
	Name:     "config",
	Usage:    "path to the builder TOML config file",
	Required: true,
}

var verbosityFlag = &cli.IntFlag{
	Name:  "verbosity",
	Usage: "log verbosity (0=crit .. 5=trace)",
	Value: 3,
}

func main() {
	app := &cli.App{
		Name:  "rundler",
		Usage: "ERC-4337 bundle builder",
		Flags: []cli.Flag{configFlag, verbosityFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	glogger := log.NewGlogHandler(log.NewTerminalHandler(os.Stderr, false))
	glogger.Verbosity(log.FromLegacyLevel(c.Int(verbosityFlag.Name)))
	log.SetDefault(log.NewLogger(glogger))

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		log.Warn("failed to set GOMAXPROCS", "err", err)
	}

	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return fmt.Errorf("rundler: load config: %w", err)
	}
	taskSettings, err := cfg.TaskSettings()
	if err != nil {
		return fmt.Errorf("rundler: resolve task settings: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	provider, err := chain.Dial(ctx, cfg.RpcUrl)
	if err != nil {
		return fmt.Errorf("rundler: connect provider: %w", err)
	}

	memPool := pool.NewMemoryPoolWithChainID(cfg.ChainID)
	events := emit.NewBus()
	task := builder.NewTask(taskSettings, memPool, provider, events)

	log.Info("starting rundler bundle builder", "rpc", cfg.RpcUrl, "chainId", cfg.ChainID, "unsafeMode", cfg.UnsafeMode)
	return task.Run(ctx)
}
