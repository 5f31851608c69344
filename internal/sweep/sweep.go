// Package sweep repairs calls whose terminal event was lost. It runs two
// idempotent passes: a timeout-based orphan cleanup verified against the
// switch's live channel list, and an extension-conflict cleanup that
// enforces at most one open call per extension.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sweeney/callwatch/internal/ami"
	"github.com/sweeney/callwatch/internal/reconcile"
	"github.com/sweeney/callwatch/internal/store"
)

// ErrSafetyAbort means the live channel verification failed while there
// were cleanup candidates. Closing calls on a guess is worse than doing
// nothing, so the whole pass aborts and the caller must treat it as a hard
// failure.
var ErrSafetyAbort = errors.New("sweep: live channel verification failed, aborting")

// ChannelLister queries the switch for its currently active channels.
// *ami.Client satisfies this.
type ChannelLister interface {
	CoreShowChannels(timeout time.Duration) ([]ami.Channel, error)
}

// Options tune a sweep run.
type Options struct {
	// RingThreshold is how long an unanswered call may stay open.
	RingThreshold time.Duration
	// AnswerThreshold is how long an answered call may stay open.
	AnswerThreshold time.Duration
	// DryRun computes and logs the repairs without persisting anything.
	DryRun bool
	// SkipVerify closes timeout candidates on database evidence alone,
	// without consulting the switch. Only for when the switch is known dead.
	SkipVerify bool
}

// Sweeper runs the repair passes against a store, consulting the switch
// through a short-lived connection of its own.
type Sweeper struct {
	store  store.Store
	lister ChannelLister
	clock  reconcile.Clock
	log    *slog.Logger
	opts   Options
}

// New creates a Sweeper. lister may be nil only when opts.SkipVerify is set.
func New(st store.Store, lister ChannelLister, opts Options, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if opts.RingThreshold <= 0 {
		opts.RingThreshold = 5 * time.Minute
	}
	if opts.AnswerThreshold <= 0 {
		opts.AnswerThreshold = 4 * time.Hour
	}
	return &Sweeper{store: st, lister: lister, clock: time.Now, log: log, opts: opts}
}

// WithClock overrides the time source. For tests.
func (s *Sweeper) WithClock(c reconcile.Clock) *Sweeper {
	s.clock = c
	return s
}

// Run executes both passes and returns the transitions they caused. The
// passes are independent: the conflict pass never consults the switch, so a
// SafetyAbort in the orphan pass does not stop it.
func (s *Sweeper) Run(ctx context.Context) ([]reconcile.Change, error) {
	changes, orphanErr := s.closeOrphans(ctx)
	conflicts, conflictErr := s.resolveExtensionConflicts(ctx)
	changes = append(changes, conflicts...)
	return changes, errors.Join(orphanErr, conflictErr)
}

// closeOrphans finds calls stuck past their threshold and force-closes the
// ones with no surviving channel on the switch.
func (s *Sweeper) closeOrphans(ctx context.Context) ([]reconcile.Change, error) {
	now := s.clock()
	candidates, err := s.store.StuckCalls(ctx, now.Add(-s.opts.RingThreshold), now.Add(-s.opts.AnswerThreshold))
	if err != nil {
		return nil, fmt.Errorf("selecting stuck candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var live map[string]bool
	if !s.opts.SkipVerify {
		channels, err := s.lister.CoreShowChannels(15 * time.Second)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSafetyAbort, err)
		}
		live = make(map[string]bool, len(channels)*2)
		for _, ch := range channels {
			if ch.UniqueID != "" {
				live[ch.UniqueID] = true
			}
			if ch.LinkedID != "" {
				live[ch.LinkedID] = true
			}
		}
	}

	var changes []reconcile.Change
	for _, call := range candidates {
		if live != nil && s.hasLiveChannel(ctx, call, live) {
			s.log.Debug("stuck candidate still has live channels", "linked_id", call.LinkedID)
			continue
		}
		change, err := s.forceClose(ctx, call, now, "stuck call cleanup", true)
		if err != nil {
			return changes, err
		}
		changes = append(changes, change)
	}
	return changes, nil
}

func (s *Sweeper) hasLiveChannel(ctx context.Context, call *store.Call, live map[string]bool) bool {
	if live[call.LinkedID] {
		return true
	}
	legs, err := s.store.OpenLegs(ctx, call.LinkedID)
	if err != nil {
		// Can't verify: err on the side of leaving the call open.
		s.log.Warn("listing open legs failed", "linked_id", call.LinkedID, "error", err)
		return true
	}
	for _, leg := range legs {
		if live[leg.UniqueID] || live[leg.LinkedID] {
			return true
		}
	}
	return false
}

// resolveExtensionConflicts keeps only the newest open call per extension
// and force-closes the rest.
func (s *Sweeper) resolveExtensionConflicts(ctx context.Context) ([]reconcile.Change, error) {
	open, err := s.store.OpenCalls(ctx)
	if err != nil {
		return nil, fmt.Errorf("selecting open calls: %w", err)
	}

	byExtension := make(map[string][]*store.Call)
	for _, c := range open {
		if c.AgentExtension == "" {
			continue
		}
		byExtension[c.AgentExtension] = append(byExtension[c.AgentExtension], c)
	}

	now := s.clock()
	var changes []reconcile.Change
	for ext, calls := range byExtension {
		if len(calls) < 2 {
			continue
		}
		sort.Slice(calls, func(i, j int) bool { return calls[i].StartedAt.After(calls[j].StartedAt) })
		s.log.Info("extension conflict", "extension", ext, "open_calls", len(calls), "keeping", calls[0].LinkedID)
		for _, stale := range calls[1:] {
			cause := "extension conflict (ringing)"
			if stale.Answered() {
				cause = "extension conflict (answered)"
			}
			change, err := s.forceClose(ctx, stale, now, cause, false)
			if err != nil {
				return changes, err
			}
			changes = append(changes, change)
		}
	}
	return changes, nil
}

// forceClose stamps the terminal state on a call and closes its open legs
// and segments. overrideDisposition marks the call canceled regardless of
// whether it was answered (the stuck pass); otherwise only unanswered calls
// become canceled.
func (s *Sweeper) forceClose(ctx context.Context, call *store.Call, now time.Time, cause string, overrideDisposition bool) (reconcile.Change, error) {
	end := now
	call.EndedAt = &end
	call.DisplayStatus = "ended"
	call.HangupCause = cause
	if call.Answered() {
		call.TalkSeconds = end.Sub(*call.AnsweredAt).Seconds()
	}
	if overrideDisposition || !call.Answered() {
		call.Disposition = store.DispositionCanceled
	} else if call.Disposition == "" {
		call.Disposition = store.DispositionAnswered
	}

	s.log.Info("force-closing call",
		"linked_id", call.LinkedID,
		"cause", cause,
		"started_at", call.StartedAt,
		"dry_run", s.opts.DryRun)

	if s.opts.DryRun {
		return reconcile.Change{Kind: reconcile.ChangeEnded, Call: call}, nil
	}

	if err := s.store.CloseOpenLegs(ctx, call.LinkedID, now, cause); err != nil {
		return reconcile.Change{}, err
	}
	if err := s.store.CloseOpenSegments(ctx, call.LinkedID, now); err != nil {
		return reconcile.Change{}, err
	}
	if err := s.store.UpdateCall(ctx, call); err != nil {
		return reconcile.Change{}, err
	}
	return reconcile.Change{Kind: reconcile.ChangeEnded, Call: call}, nil
}
