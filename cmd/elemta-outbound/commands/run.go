package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/unicode/norm"

	"github.com/busybox42/elemta-outbound/internal/api"
	"github.com/busybox42/elemta-outbound/internal/bodyfetch"
	"github.com/busybox42/elemta-outbound/internal/bounce"
	"github.com/busybox42/elemta-outbound/internal/config"
	"github.com/busybox42/elemta-outbound/internal/delivery"
	"github.com/busybox42/elemta-outbound/internal/dialer"
	"github.com/busybox42/elemta-outbound/internal/dkim"
	"github.com/busybox42/elemta-outbound/internal/logging"
	"github.com/busybox42/elemta-outbound/internal/queue"
	"github.com/busybox42/elemta-outbound/internal/resolver"
	"github.com/busybox42/elemta-outbound/internal/srs"
	"github.com/busybox42/elemta-outbound/internal/timers"
	"github.com/busybox42/elemta-outbound/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the outbound delivery worker pool",
	Long:  "Connect to the queue authority and start one delivery loop per configured zone egress address, until interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runWorker(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// buildLogger sets up the process-wide slog logger from cfg.Logging,
// grounded on the teacher's slog.NewJSONHandler setup in
// internal/smtp/server.go, generalized to also support plain text output.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("component", "elemta-outbound")
}

// runWorker wires every collaborator a Loop needs from cfg, then blocks
// under worker.Pool until a SIGINT/SIGTERM, a POST /drain, or a fatal
// queue-command failure in any Loop ends the run.
func runWorker(cfg *config.Config) error {
	logger := buildLogger(cfg)
	timerReg := timers.New(time.Duration(cfg.Timers.WindowSeconds) * time.Second)

	sharedCache, err := buildCache(cfg)
	if err != nil {
		return err
	}

	zones, err := buildZones(cfg, sharedCache)
	if err != nil {
		return err
	}
	if len(zones) == 0 {
		return fmt.Errorf("no zones configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queueClient, err := queue.Dial(ctx, cfg.Queue.Addr, timerReg)
	if err != nil {
		return fmt.Errorf("dialing queue authority at %s: %w", cfg.Queue.Addr, err)
	}
	defer queueClient.Close()

	res := resolver.New(resolver.DefaultConfig())
	dial := dialer.New(logger, timerReg)
	bodyStore := bodyfetch.New(cfg.BodyStore.Host, cfg.BodyStore.Port)
	signer := dkim.New()
	lifecycle := logging.NewMessageLogger(logger)
	notifier := bounce.New(cfg.Bounces.URL, cfg.Bounces.InternalBounce, queueClient, logger)
	assembly := buildAssembly(cfg)

	newLoop := func(zone *delivery.Zone) *worker.Loop {
		return &worker.Loop{
			Queue:     queueClient,
			Resolver:  res,
			Dialer:    dial,
			BodyStore: bodyStore,
			DKIM:      signer,
			Notifier:  notifier,
			Timers:    timerReg,
			Zone:      zone,
			Assembly:  assembly,
			Logger:    logger.With("zone", zone.Name),
			Lifecycle: lifecycle,
		}
	}

	adminServer := api.NewServer(api.Config{Listen: cfg.Admin.Listen}, zones, dial, stop, timerReg, logger)
	adminServer.Start()
	defer adminServer.Stop()

	pool := worker.NewPool(logger)
	logger.Info("starting outbound delivery pool", "zones", len(zones), "admin_listen", cfg.Admin.Listen)
	return pool.Run(ctx, zones, newLoop)
}

// buildAssembly translates cfg's DKIM/SRS/spam/bounce knobs into the
// policy struct every Loop shares.
func buildAssembly(cfg *config.Config) worker.Assembly {
	var rewriter *srs.Rewriter
	exclude := make(map[string]bool, len(cfg.SRS.ExcludeDomains))
	if cfg.SRS.Enabled {
		rewriter = srs.New(cfg.SRS.RewriteDomain, []byte(cfg.SRS.Secret), cfg.SRSValidityDuration())
		for _, d := range cfg.SRS.ExcludeDomains {
			exclude[strings.ToLower(norm.NFC.String(d))] = true
		}
	}
	return worker.Assembly{
		DKIMEnabled:    cfg.DKIM.Enabled,
		SRSEnabled:     cfg.SRS.Enabled,
		SRSExclude:     exclude,
		SRSRewriter:    rewriter,
		SpamDefault:    cfg.Spam.Default,
		BounceWebhook:  cfg.Bounces.URL != "",
		InternalBounce: cfg.Bounces.InternalBounce,
	}
}
