package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sweeney/callwatch/internal/ami"
	"github.com/sweeney/callwatch/internal/config"
	"github.com/sweeney/callwatch/internal/events"
	"github.com/sweeney/callwatch/internal/metrics"
	"github.com/sweeney/callwatch/internal/publisher"
	"github.com/sweeney/callwatch/internal/reconcile"
	"github.com/sweeney/callwatch/internal/store"
	"github.com/sweeney/callwatch/internal/sweep"
)

const (
	dialTimeout    = 10 * time.Second
	idleTimeout    = 30 * time.Second
	reconnectDelay = 5 * time.Second
)

// run keeps one AMI session alive, reconnecting with a fixed backoff. The
// reconciler's upserts make replaying a few already-seen events after a
// reconnect harmless.
func run(ctx context.Context, cfg *config.Config, st store.Store, pub publisher.Publisher, log *slog.Logger) error {
	first := true
	for {
		if !first {
			metrics.Reconnects.Inc()
		}
		first = false

		err := runSession(ctx, cfg, st, pub, log)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ami.ErrAuthentication) {
			// Bad credentials will not fix themselves; exit loudly instead
			// of hammering the switch with retries.
			log.Error("AMI rejected the credentials, giving up", "error", err)
			return err
		}
		if err != nil {
			log.Warn("AMI session error, reconnecting", "error", err, "delay", reconnectDelay)
			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func runSession(ctx context.Context, cfg *config.Config, st store.Store, pub publisher.Publisher, log *slog.Logger) error {
	client, err := ami.Dial(cfg.AMI.Host, cfg.AMI.Port, dialTimeout, log)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Login(cfg.AMI.Username, cfg.AMI.Secret); err != nil {
		return err
	}
	defer client.Logoff()

	log.Info("AMI authenticated, processing events", "addr", cfg.AMI.Addr())

	rec := reconcile.New(st, reconcile.WithLogger(log))
	seedExtensions(ctx, client, rec, pub, cfg.MQTT.TopicPrefix, log)

	for {
		if ctx.Err() != nil {
			return nil
		}
		evt, err := client.ReadEvent(idleTimeout)
		if err != nil {
			return err
		}
		if evt == nil {
			// Idle timeout; loop to observe cancellation.
			continue
		}

		typed, ok := events.Classify(*evt)
		if !ok {
			if evt.Type() != "" {
				log.Debug("dropping event", "kind", evt.Type())
				metrics.EventsDropped.Inc()
			}
			continue
		}
		metrics.EventsProcessed.WithLabelValues(fmt.Sprintf("%T", typed)).Inc()

		changes, err := rec.Process(ctx, typed)
		if err != nil {
			// One bad call record must never stop the stream.
			log.Error("event processing failed",
				"kind", evt.Type(),
				"linked_id", evt.Get("Linkedid"),
				"unique_id", evt.Get("Uniqueid"),
				"error", err)
			metrics.EventErrors.Inc()
			continue
		}
		publishChanges(ctx, pub, cfg.MQTT.TopicPrefix, changes, log)
	}
}

// seedExtensions primes the extension tracker from a full state listing so
// retained status topics are correct immediately, instead of only after each
// extension's next transition.
func seedExtensions(ctx context.Context, client *ami.Client, rec *reconcile.Reconciler, pub publisher.Publisher, prefix string, log *slog.Logger) {
	states, err := client.ExtensionStateList(15 * time.Second)
	if err != nil {
		// Not all manager accounts may list hints; the tracker still
		// converges from the live stream.
		log.Warn("extension state listing failed", "error", err)
		return
	}
	for _, state := range states {
		changes, err := rec.Process(ctx, events.ExtensionStatusChanged{
			Exten:      state.Exten,
			Context:    state.Context,
			RawStatus:  fmt.Sprintf("%d", state.Status),
			StatusText: state.StatusText,
			Hint:       state.Hint,
		})
		if err != nil {
			log.Error("seeding extension failed", "exten", state.Exten, "error", err)
			continue
		}
		publishChanges(ctx, pub, prefix, changes, log)
	}
	log.Info("extension states seeded", "count", len(states))
}

func publishChanges(ctx context.Context, pub publisher.Publisher, prefix string, changes []reconcile.Change, log *slog.Logger) {
	for _, change := range changes {
		if err := publishChange(ctx, pub, prefix, change); err != nil {
			log.Error("publish failed", "kind", change.Kind, "error", err)
			continue
		}
		metrics.Broadcasts.WithLabelValues(string(change.Kind)).Inc()
	}
}

// runScheduledSweep opens a short-lived AMI connection of its own so the
// sweep never blocks, or is blocked by, the listener loop.
func runScheduledSweep(ctx context.Context, cfg *config.Config, st store.Store, pub publisher.Publisher, log *slog.Logger) {
	opts := sweep.Options{
		RingThreshold:   cfg.Sweep.RingThreshold(),
		AnswerThreshold: cfg.Sweep.AnswerThreshold(),
		DryRun:          cfg.Sweep.DryRun,
		SkipVerify:      cfg.Sweep.SkipVerify,
	}

	var lister sweep.ChannelLister
	if !opts.SkipVerify {
		client, err := ami.Dial(cfg.AMI.Host, cfg.AMI.Port, dialTimeout, log)
		if err != nil {
			log.Error("sweep: connecting to AMI", "error", err)
			metrics.SweepAborts.Inc()
			return
		}
		defer client.Close()
		if err := client.Login(cfg.AMI.Username, cfg.AMI.Secret); err != nil {
			log.Error("sweep: AMI login", "error", err)
			metrics.SweepAborts.Inc()
			return
		}
		defer client.Logoff()
		lister = client
	}

	changes, err := sweep.New(st, lister, opts, log).Run(ctx)
	if err != nil {
		if errors.Is(err, sweep.ErrSafetyAbort) {
			metrics.SweepAborts.Inc()
		}
		log.Error("sweep failed", "error", err)
	}
	metrics.SweepClosures.Add(float64(len(changes)))
	if !cfg.Sweep.DryRun {
		publishChanges(ctx, pub, cfg.MQTT.TopicPrefix, changes, log)
	}

	if open, err := st.OpenCalls(ctx); err == nil {
		metrics.OpenCalls.Set(float64(len(open)))
	}
}
