// Command ofdmsync runs OFDM burst synchronization and channel measurement
// chains against a synthetic, noise-only or replayed sample stream.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/ofdmsync/internal/app"
	"github.com/rjboer/ofdmsync/internal/logging"
	"github.com/rjboer/ofdmsync/internal/mdns"
	"github.com/rjboer/ofdmsync/internal/rx"
	"github.com/rjboer/ofdmsync/internal/telemetry"
)

const defaultConfigPath = "ofdmsync.json"

func main() {
	configPath := envString(os.LookupEnv, "OFDMSYNC_CONFIG", defaultConfigPath)
	persistent, err := loadOrCreateConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.LookupEnv, persistent, configPath)
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd(lookup func(string) (string, bool), persistent persistentConfig, configPath string) *cobra.Command {
	root := &cobra.Command{
		Use:          "ofdmsync",
		Short:        "OFDM burst synchronizer and channel sounder",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(lookup, persistent, configPath), newDiscoverCmd(), newModesCmd())
	return root
}

func newRunCmd(lookup func(string) (string, bool), persistent persistentConfig, configPath string) *cobra.Command {
	var cfg cliConfig
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run receive chains and print their results as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath != "" {
				if err := saveConfig(configPath, persistentFromCLI(cfg)); err != nil {
					return fmt.Errorf("save config: %w", err)
				}
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	bindFlags(cmd, &cfg, lookup, persistent)
	return cmd
}

func newLogger(cfg cliConfig, w io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format, w), nil
}

func run(ctx context.Context, cfg cliConfig, out, errOut io.Writer) error {
	logger, err := newLogger(cfg, errOut)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	configs, err := appConfigs(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reporters := telemetry.MultiReporter{telemetry.NewLogReporter(logger)}
	var hub *telemetry.Hub
	serveErr := make(chan error, 1)
	if cfg.webAddr != "" {
		hub = telemetry.NewHub(cfg.historyLimit, logger)
		reporters = append(reporters, hub)
		srv := telemetry.NewWebServer(cfg.webAddr, hub, logger)
		ln, err := srv.Listen()
		if err != nil {
			return fmt.Errorf("telemetry listen: %w", err)
		}
		go func() { serveErr <- srv.Serve(ctx, ln) }()

		if cfg.advertise {
			ad, err := advertise(ln.Addr(), cfg)
			if err != nil {
				logger.Warn("mdns advertise failed", logging.F("error", err))
			} else {
				defer ad.Shutdown()
			}
		}
	}

	chains := make([]*app.Chain, 0, len(configs))
	for _, c := range configs {
		receiver, err := app.NewReceiver(c)
		if err != nil {
			return err
		}
		chain := app.NewChain(c, receiver, reporters, logger)
		if hub != nil {
			chain.WithSpectrum(hub)
		}
		chains = append(chains, chain)
	}

	start := time.Now()
	results, runErr := app.RunParallel(ctx, chains)
	logger.Info("chains finished", logging.F("chains", len(chains)), logging.F("elapsed", time.Since(start)))

	enc := json.NewEncoder(out)
	for i, res := range results {
		for _, rec := range telemetry.Summarize(configs[i].Name, res, nil) {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
	}

	cancel()
	if hub != nil {
		if err := <-serveErr; err != nil {
			logger.Warn("telemetry server", logging.F("error", err))
		}
	}

	// a replay or synth stream running dry after a partial result is not a failure
	if errors.Is(runErr, rx.ErrStreamEnded) || errors.Is(runErr, context.Canceled) {
		logger.Warn("run ended early", logging.F("error", runErr))
		return nil
	}
	return runErr
}

func advertise(addr net.Addr, cfg cliConfig) (*mdns.Advertisement, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected listener address %v", addr)
	}
	host, _ := os.Hostname()
	return mdns.Advertise("ofdmsync-"+host, tcp.Port, map[string]string{
		"mode":    cfg.mode,
		"backend": cfg.backend,
		"nfft":    strconv.Itoa(cfg.nfft),
		"chains":  strconv.Itoa(cfg.chains),
	})
}

func newDiscoverCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List ofdmsync telemetry endpoints advertised on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			peers, err := mdns.Discover(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(peers) == 0 {
				fmt.Fprintln(out, "no peers found")
				return nil
			}
			for _, p := range peers {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", p.Instance, p.URL(), p.TXT["mode"], p.TXT["backend"])
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "browse duration")
	return cmd
}

func newModesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List operating modes",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, m := range rx.Modes() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tmeasures=%t\n", m, m.Measures())
			}
		},
	}
}
