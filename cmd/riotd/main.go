// riotd runs the HAL, config, heartbeat and bridge services on one
// in-process bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/riot-framework/riot-core/bus"
	"github.com/riot-framework/riot-core/services/bridge"
	"github.com/riot-framework/riot-core/services/config"
	"github.com/riot-framework/riot-core/services/hal"
	"github.com/riot-framework/riot-core/services/heartbeat"
)

const busQueueLen = 64

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		logLevel   string
		logFormat  string
		board      string
		busTimeout time.Duration
	)
	flagSet := pflag.NewFlagSet("riotd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML config file (default: embedded profile for --board)")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.StringVar(&logFormat, "log-format", "text", "text or json")
	flagSet.StringVar(&board, "board", "sim", "board to run on (sim)")
	flagSet.DurationVar(&busTimeout, "bus-timeout", time.Second, "I2C/SPI bus owner queue timeout")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	logger, err := newLogger(logLevel, logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if board != "sim" {
		return fmt.Errorf("unknown board %q", board)
	}
	sim := hal.NewSimBoard(busTimeout)
	defer sim.Close()

	cfgOpt := config.WithDevice(board)
	if configPath != "" {
		cfgOpt = config.WithFile(configPath)
	}
	cfg := config.New(cfgOpt, config.WithLogger(logger.With("service", "config")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	reload := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		}
	}()

	b := bus.NewBus(busQueueLen)

	var wg sync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	halSvc := hal.New(b.NewConnection("hal"), &sim.Board, hal.WithLogger(logger.With("service", "hal")))
	start(func() { halSvc.Run(ctx) })
	start(func() { heartbeat.New(logger.With("service", "heartbeat")).Run(ctx, b.NewConnection("heartbeat")) })
	start(func() { bridge.New(b.NewConnection("bridge"), logger.With("service", "bridge")).Run(ctx) })

	logger.Info("riotd started", "board", sim.Name, "config", configPath)
	err = cfg.Run(ctx, b.NewConnection("config"), reload)
	if err != nil {
		stop()
	}
	wg.Wait()
	if drops := halSvc.EventDrops(); drops > 0 {
		logger.Warn("input events dropped", "count", drops)
	}
	logger.Info("riotd stopped")
	return err
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lv}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
