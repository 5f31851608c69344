// Command callsweep runs the stuck-call repair passes once and exits. It is
// the manual counterpart to the daemon's scheduled sweep, useful after an
// outage or before trusting a freshly restored database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/callwatch/internal/ami"
	"github.com/sweeney/callwatch/internal/config"
	"github.com/sweeney/callwatch/internal/store"
	"github.com/sweeney/callwatch/internal/sweep"
)

func main() {
	configPath := flag.String("config", "/etc/callwatch/callwatch.yaml", "Path to config file")
	dryRun := flag.Bool("dry-run", false, "Report repairs without persisting them")
	skipVerify := flag.Bool("skip-verify", false, "Close candidates without consulting the switch")
	ringThreshold := flag.Duration("ring-threshold", 0, "Override ringing threshold (e.g. 5m)")
	answerThreshold := flag.Duration("answer-threshold", 0, "Override answered threshold (e.g. 4h)")
	flag.Parse()

	if err := realMain(*configPath, *dryRun, *skipVerify, *ringThreshold, *answerThreshold); err != nil {
		fmt.Fprintf(os.Stderr, "callsweep: %v\n", err)
		os.Exit(1)
	}
}

func realMain(configPath string, dryRun, skipVerify bool, ringThreshold, answerThreshold time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	opts := sweep.Options{
		RingThreshold:   cfg.Sweep.RingThreshold(),
		AnswerThreshold: cfg.Sweep.AnswerThreshold(),
		DryRun:          dryRun || cfg.Sweep.DryRun,
		SkipVerify:      skipVerify || cfg.Sweep.SkipVerify,
	}
	if ringThreshold > 0 {
		opts.RingThreshold = ringThreshold
	}
	if answerThreshold > 0 {
		opts.AnswerThreshold = answerThreshold
	}

	var lister sweep.ChannelLister
	if !opts.SkipVerify {
		client, err := ami.Dial(cfg.AMI.Host, cfg.AMI.Port, 10*time.Second, log)
		if err != nil {
			return fmt.Errorf("connecting to AMI: %w", err)
		}
		defer client.Close()
		if err := client.Login(cfg.AMI.Username, cfg.AMI.Secret); err != nil {
			return fmt.Errorf("AMI login: %w", err)
		}
		defer client.Logoff()
		lister = client
	}

	changes, err := sweep.New(db, lister, opts, log).Run(ctx)
	if err != nil {
		if errors.Is(err, sweep.ErrSafetyAbort) {
			return err
		}
		return fmt.Errorf("sweep: %w", err)
	}

	verb := "closed"
	if opts.DryRun {
		verb = "would close"
	}
	fmt.Printf("%s %d call(s)\n", verb, len(changes))
	for _, change := range changes {
		fmt.Printf("  %s  started=%s  cause=%s\n",
			change.Call.LinkedID,
			change.Call.StartedAt.Format(time.RFC3339),
			change.Call.HangupCause)
	}
	return nil
}
