// Package reconcile folds the typed event stream into call, leg, bridge and
// extension aggregates. The state transition and the notification are kept
// apart: Process mutates the store and returns the meaningful transitions
// that occurred, and the caller decides whether to broadcast them. That is
// what guarantees at most one broadcast per transition.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sweeney/callwatch/internal/events"
	"github.com/sweeney/callwatch/internal/store"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// ChangeKind labels a meaningful state transition.
type ChangeKind string

const (
	ChangeRinging   ChangeKind = "ringing"
	ChangeAnswered  ChangeKind = "answered"
	ChangeEnded     ChangeKind = "ended"
	ChangeExtension ChangeKind = "extension"
)

// Change is one meaningful transition, carrying a snapshot of the affected
// aggregate as it looked right after the transition.
type Change struct {
	Kind      ChangeKind
	Call      *store.Call
	Extension *store.Extension
}

// Reconciler is the per-event state machine. It is driven by a single
// goroutine per connection; all cross-process coordination happens through
// the store's natural-key upserts.
type Reconciler struct {
	store store.Store
	clock Clock
	log   *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// New creates a Reconciler writing through the given store.
func New(st store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{store: st, clock: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process ingests one typed event and returns the transitions it caused.
// Replaying an already-processed event causes no transitions.
func (r *Reconciler) Process(ctx context.Context, ev events.Event) ([]Change, error) {
	switch e := ev.(type) {
	case events.ChannelCreated:
		return r.channelCreated(ctx, e)
	case events.ChannelStateChanged:
		return r.channelStateChanged(ctx, e)
	case events.ChannelEnded:
		return r.channelEnded(ctx, e)
	case events.DialStarted:
		return nil, r.dialStarted(ctx, e)
	case events.DialEnded:
		return nil, r.dialEnded(ctx, e)
	case events.BridgeJoined:
		return r.bridgeJoined(ctx, e)
	case events.BridgeLeft:
		return nil, r.store.CloseBridgeSegment(ctx, e.LinkedID, e.Channel, r.clock())
	case events.ExtensionStatusChanged:
		return r.extensionStatus(ctx, e)
	}
	return nil, nil
}

func (r *Reconciler) channelCreated(ctx context.Context, e events.ChannelCreated) ([]Change, error) {
	if e.LinkedID == "" || e.UniqueID == "" {
		return nil, nil
	}
	now := r.clock()

	call, created, err := r.store.FindOrCreateCall(ctx, e.LinkedID, now)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", e.LinkedID, err)
	}
	if created {
		r.log.Debug("call created", "linked_id", e.LinkedID, "channel", e.Channel)
	}

	leg, err := r.store.FindLeg(ctx, e.UniqueID)
	if err != nil {
		return nil, fmt.Errorf("leg %s: %w", e.UniqueID, err)
	}
	if leg == nil {
		leg = &store.CallLeg{UniqueID: e.UniqueID, LinkedID: e.LinkedID, StartedAt: now}
	}
	leg.Channel = e.Channel
	leg.Context = e.Context
	leg.Exten = e.Exten
	leg.StateCode = e.StateCode
	leg.StateDesc = e.StateDesc
	leg.CallerIDNum = e.CallerIDNum
	leg.CallerIDName = e.CallerIDName
	leg.ConnectedLineNum = e.ConnectedLineNum
	leg.ConnectedLineName = e.ConnectedLineName
	if err := r.store.UpsertLeg(ctx, leg); err != nil {
		return nil, err
	}

	// Direction, other party and agent extension are derived from the
	// master leg only; secondary legs carry the callee's perspective and
	// would flip the heuristics.
	if e.UniqueID != e.LinkedID {
		return nil, nil
	}

	dirty := false
	if call.Direction == store.DirectionUnknown {
		if d := deriveDirection(e); d != store.DirectionUnknown {
			call.Direction = d
			dirty = true
		}
	}
	if call.OtherParty == "" {
		if p := deriveOtherParty(call.Direction, e); p != "" {
			call.OtherParty = p
			dirty = true
		}
	}
	if call.AgentExtension == "" {
		if a := deriveAgentExtension(call.Direction, e); a != "" {
			call.AgentExtension = a
			dirty = true
		}
	}
	if dirty {
		if err := r.store.UpdateCall(ctx, call); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// deriveDirection implements the canonical direction heuristic: the
// dialplan context is the primary signal, digit shapes the fallback.
func deriveDirection(e events.ChannelCreated) store.Direction {
	switch e.Context {
	case "from-trunk", "from-pstn", "from-did-direct":
		return store.DirectionIncoming
	case "from-internal", "macro-dialout-trunk":
		return store.DirectionOutgoing
	}
	if LooksLikeExtension(e.CallerIDNum) && LooksLikeExternal(e.Exten) {
		return store.DirectionOutgoing
	}
	if LooksLikeExternal(e.CallerIDNum) && !LooksLikeExtension(e.Exten) {
		return store.DirectionIncoming
	}
	return store.DirectionUnknown
}

func deriveOtherParty(d store.Direction, e events.ChannelCreated) string {
	switch d {
	case store.DirectionIncoming:
		if LooksLikeExternal(e.CallerIDNum) {
			return NormalizeNumber(e.CallerIDNum)
		}
	case store.DirectionOutgoing:
		if LooksLikeExternal(e.Exten) {
			return NormalizeNumber(e.Exten)
		}
	}
	return ""
}

func deriveAgentExtension(d store.Direction, e events.ChannelCreated) string {
	switch d {
	case store.DirectionIncoming:
		if LooksLikeExtension(e.Exten) {
			return NormalizeNumber(e.Exten)
		}
	case store.DirectionOutgoing:
		if LooksLikeExtension(e.CallerIDNum) {
			return NormalizeNumber(e.CallerIDNum)
		}
	}
	return ""
}

func (r *Reconciler) channelStateChanged(ctx context.Context, e events.ChannelStateChanged) ([]Change, error) {
	if e.LinkedID == "" {
		return nil, nil
	}
	now := r.clock()

	leg, err := r.store.FindLeg(ctx, e.UniqueID)
	if err != nil {
		return nil, err
	}
	if leg == nil {
		// State change before we saw the channel's creation; tolerate the
		// reordering by materializing the leg now.
		leg = &store.CallLeg{UniqueID: e.UniqueID, LinkedID: e.LinkedID, Channel: e.Channel, StartedAt: now}
	}
	leg.StateCode = e.StateCode
	leg.StateDesc = e.StateDesc
	if e.CallerIDNum != "" {
		leg.CallerIDNum = e.CallerIDNum
	}
	if e.ConnectedLineNum != "" {
		leg.ConnectedLineNum = e.ConnectedLineNum
	}
	if err := r.store.UpsertLeg(ctx, leg); err != nil {
		return nil, err
	}

	call, _, err := r.store.FindOrCreateCall(ctx, e.LinkedID, now)
	if err != nil {
		return nil, err
	}
	if call.Ended() {
		return nil, nil
	}

	switch e.StateDesc {
	case "Up":
		if call.Answered() {
			return nil, nil
		}
		t := now
		call.AnsweredAt = &t
		if ring := now.Sub(call.StartedAt).Seconds(); ring > 0 {
			call.RingSeconds = ring
		}
		call.DisplayStatus = "answered"
		if err := r.store.UpdateCall(ctx, call); err != nil {
			return nil, err
		}
		return []Change{{Kind: ChangeAnswered, Call: call}}, nil

	case "Ringing", "Ring":
		if call.Answered() || call.DisplayStatus == "ringing" {
			return nil, nil
		}
		call.DisplayStatus = "ringing"
		if err := r.store.UpdateCall(ctx, call); err != nil {
			return nil, err
		}
		return []Change{{Kind: ChangeRinging, Call: call}}, nil

	case "Busy":
		if call.DisplayStatus != "busy" {
			call.DisplayStatus = "busy"
			if err := r.store.UpdateCall(ctx, call); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

func (r *Reconciler) channelEnded(ctx context.Context, e events.ChannelEnded) ([]Change, error) {
	if e.LinkedID == "" {
		return nil, nil
	}
	now := r.clock()

	call, err := r.store.GetCall(ctx, e.LinkedID)
	if err != nil {
		return nil, err
	}
	if call == nil {
		r.log.Debug("hangup for unknown call", "linked_id", e.LinkedID, "unique_id", e.UniqueID)
		return nil, nil
	}

	cause := e.CauseText
	if cause == "" {
		cause = CauseName(e.CauseCode)
	}

	leg, err := r.store.FindLeg(ctx, e.UniqueID)
	if err != nil {
		return nil, err
	}
	if leg != nil && !leg.Open() {
		// Replayed hangup; the leg is already closed.
		return nil, nil
	}
	if leg == nil {
		leg = &store.CallLeg{UniqueID: e.UniqueID, LinkedID: e.LinkedID, Channel: e.Channel, StartedAt: now}
	}
	t := now
	leg.HangupAt = &t
	leg.HangupCause = cause
	if err := r.store.UpsertLeg(ctx, leg); err != nil {
		return nil, err
	}
	if err := r.store.CloseBridgeSegment(ctx, e.LinkedID, leg.Channel, now); err != nil {
		return nil, err
	}

	if call.Ended() {
		return nil, nil
	}

	masterClosed := leg.Master()
	if !masterClosed {
		master, err := r.store.FindLeg(ctx, e.LinkedID)
		if err != nil {
			return nil, err
		}
		masterClosed = master != nil && !master.Open()
	}
	open, err := r.store.OpenLegs(ctx, e.LinkedID)
	if err != nil {
		return nil, err
	}
	// A master hangup with surviving legs must not terminate the call; that
	// is how attended transfers and parked calls look on the wire.
	if !masterClosed || len(open) > 0 {
		return nil, nil
	}

	end := now
	call.EndedAt = &end
	call.DisplayStatus = "ended"
	if call.HangupCause == "" {
		call.HangupCause = cause
	}
	if call.Answered() {
		call.TalkSeconds = end.Sub(*call.AnsweredAt).Seconds()
		if call.TalkSeconds < 0 {
			call.TalkSeconds = 0
		}
	}
	if call.Disposition == "" {
		if call.Answered() {
			call.Disposition = store.DispositionAnswered
		} else {
			call.Disposition = store.DispositionNoAnswer
		}
	}
	if err := r.store.CloseOpenSegments(ctx, e.LinkedID, now); err != nil {
		return nil, err
	}
	if err := r.store.UpdateCall(ctx, call); err != nil {
		return nil, err
	}
	return []Change{{Kind: ChangeEnded, Call: call}}, nil
}

func (r *Reconciler) dialStarted(ctx context.Context, e events.DialStarted) error {
	call, err := r.store.GetCall(ctx, e.LinkedID)
	if err != nil || call == nil {
		return err
	}
	if call.Direction != store.DirectionOutgoing || call.OtherParty != "" {
		return nil
	}

	// Best-effort refinement, first external-looking candidate wins.
	candidates := []string{
		ExtractDialedNumber(e.DialString),
		e.DestCallerIDNum,
		e.ConnectedLineNum,
		e.Exten,
	}
	for _, c := range candidates {
		if LooksLikeExternal(c) {
			call.OtherParty = NormalizeNumber(c)
			return r.store.UpdateCall(ctx, call)
		}
	}
	return nil
}

// dialStatusDispositions maps the switch's dial result to our disposition.
var dialStatusDispositions = map[string]store.Disposition{
	"ANSWER":     store.DispositionAnswered,
	"BUSY":       store.DispositionBusy,
	"NOANSWER":   store.DispositionNoAnswer,
	"CANCEL":     store.DispositionCanceled,
	"CONGESTION": store.DispositionCongestion,
}

func (r *Reconciler) dialEnded(ctx context.Context, e events.DialEnded) error {
	call, err := r.store.GetCall(ctx, e.LinkedID)
	if err != nil || call == nil {
		return err
	}
	if call.DialStatus == e.DialStatus {
		return nil
	}
	call.DialStatus = e.DialStatus
	if d, ok := dialStatusDispositions[e.DialStatus]; ok {
		call.Disposition = d
	}
	return r.store.UpdateCall(ctx, call)
}

func (r *Reconciler) bridgeJoined(ctx context.Context, e events.BridgeJoined) ([]Change, error) {
	if e.LinkedID == "" {
		return nil, nil
	}
	now := r.clock()

	call, _, err := r.store.FindOrCreateCall(ctx, e.LinkedID, now)
	if err != nil {
		return nil, err
	}
	if call.Ended() {
		// Replayed join; the segments were closed with the call.
		return nil, nil
	}

	existing, err := r.store.OpenSegments(ctx, e.LinkedID)
	if err != nil {
		return nil, err
	}
	if err := r.store.OpenBridgeSegment(ctx, &store.BridgeSegment{
		LinkedID:  e.LinkedID,
		Channel:   e.Channel,
		UniqueID:  e.UniqueID,
		EnteredAt: now,
	}); err != nil {
		return nil, err
	}

	dirty := false
	if call.AgentExtension == "" && LooksLikeExtension(e.CallerIDNum) {
		call.AgentExtension = NormalizeNumber(e.CallerIDNum)
		dirty = true
	}

	// Some channel technologies never report an Up state. Two channels
	// mixed into the same bridge means the parties are talking, so treat
	// the second join as the answer signal.
	var changes []Change
	if !call.Answered() && joinsOtherChannel(existing, e.Channel) {
		t := now
		call.AnsweredAt = &t
		if ring := now.Sub(call.StartedAt).Seconds(); ring > 0 {
			call.RingSeconds = ring
		}
		call.DisplayStatus = "answered"
		dirty = true
		changes = append(changes, Change{Kind: ChangeAnswered, Call: call})
	}

	if dirty {
		if err := r.store.UpdateCall(ctx, call); err != nil {
			return nil, err
		}
	}
	return changes, nil
}

func joinsOtherChannel(open []*store.BridgeSegment, channel string) bool {
	for _, s := range open {
		if s.Channel != channel {
			return true
		}
	}
	return false
}

func (r *Reconciler) extensionStatus(ctx context.Context, e events.ExtensionStatusChanged) ([]Change, error) {
	if e.Exten == "" {
		return nil, nil
	}
	status, label, code := MapDeviceState(e.RawStatus, e.StatusText)
	if status == store.StatusUnknown {
		r.log.Debug("unmapped device state", "exten", e.Exten, "raw", e.RawStatus, "text", e.StatusText)
	}

	existing, err := r.store.GetExtension(ctx, e.Exten)
	if err != nil {
		return nil, err
	}

	ext := &store.Extension{
		Number:      e.Exten,
		Status:      status,
		StatusCode:  code,
		DeviceState: label,
		LastSeen:    r.clock(),
	}
	if err := r.store.UpsertExtension(ctx, ext); err != nil {
		return nil, err
	}

	changed := existing == nil || existing.Status != status ||
		existing.DeviceState != label || existing.StatusCode != code
	if !changed {
		return nil, nil
	}
	return []Change{{Kind: ChangeExtension, Extension: ext}}, nil
}
