// Package store defines the call/leg/bridge/extension entity model and the
// persistence contract the reconcilers write through. Every mutation is an
// upsert keyed by a natural key, so two processes observing overlapping
// events converge on the same rows instead of racing into duplicate-key
// failures.
package store

import (
	"context"
	"time"
)

// Direction of a call as seen from the switch.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionUnknown  Direction = "unknown"
)

// Disposition is the final outcome of a call's dial attempt.
type Disposition string

const (
	DispositionAnswered   Disposition = "answered"
	DispositionBusy       Disposition = "busy"
	DispositionNoAnswer   Disposition = "no_answer"
	DispositionCanceled   Disposition = "canceled"
	DispositionCongestion Disposition = "congestion"
)

// ExtensionStatus is the coarse tri-state availability of an extension.
type ExtensionStatus string

const (
	StatusOnline  ExtensionStatus = "online"
	StatusOffline ExtensionStatus = "offline"
	StatusUnknown ExtensionStatus = "unknown"
)

// Call is the aggregate for one logical phone call, identified by the
// switch-assigned linked id. It is never hard-deleted; setting EndedAt
// makes it historical.
type Call struct {
	LinkedID       string
	Direction      Direction
	DisplayStatus  string
	StartedAt      time.Time
	AnsweredAt     *time.Time
	EndedAt        *time.Time
	AgentExtension string
	OtherParty     string
	DialStatus     string
	Disposition    Disposition
	HangupCause    string
	RingSeconds    float64
	TalkSeconds    float64
}

// Answered reports whether the call has been picked up.
func (c *Call) Answered() bool { return c.AnsweredAt != nil }

// Ended reports whether the call has reached its terminal state.
func (c *Call) Ended() bool { return c.EndedAt != nil }

// CallLeg is one channel participating in a call. The master leg is the one
// whose unique id equals the call's linked id; it opens and closes the call.
type CallLeg struct {
	UniqueID          string
	LinkedID          string
	Channel           string
	Context           string
	Exten             string
	StateCode         int
	StateDesc         string
	CallerIDNum       string
	CallerIDName      string
	ConnectedLineNum  string
	ConnectedLineName string
	StartedAt         time.Time
	HangupAt          *time.Time
	HangupCause       string
}

// Master reports whether this leg owns the call lifecycle.
func (l *CallLeg) Master() bool { return l.UniqueID == l.LinkedID }

// Open reports whether the leg has not hung up yet.
func (l *CallLeg) Open() bool { return l.HangupAt == nil }

// BridgeSegment records the interval during which one channel was mixed
// into an audio bridge for a call.
type BridgeSegment struct {
	LinkedID  string
	Channel   string
	UniqueID  string
	EnteredAt time.Time
	LeftAt    *time.Time
}

// Extension is the live status of one extension, keyed by number.
type Extension struct {
	Number      string
	Status      ExtensionStatus
	StatusCode  int
	DeviceState string
	LastSeen    time.Time
}

// Store is the persistence collaborator. Implementations must enforce
// natural-key uniqueness and resolve creation races by returning the
// existing row rather than failing.
type Store interface {
	// FindOrCreateCall returns the call for the linked id, creating it with
	// the given start time if it does not exist. The bool reports whether a
	// new row was created.
	FindOrCreateCall(ctx context.Context, linkedID string, startedAt time.Time) (*Call, bool, error)
	// GetCall returns the call or nil when the linked id is unknown.
	GetCall(ctx context.Context, linkedID string) (*Call, error)
	UpdateCall(ctx context.Context, call *Call) error
	// OpenCalls returns all calls without an end timestamp.
	OpenCalls(ctx context.Context) ([]*Call, error)
	// StuckCalls returns open calls that either have never been answered and
	// started before ringBefore, or were answered before answerBefore.
	StuckCalls(ctx context.Context, ringBefore, answerBefore time.Time) ([]*Call, error)

	// FindLeg returns the leg or nil when the unique id is unknown.
	FindLeg(ctx context.Context, uniqueID string) (*CallLeg, error)
	UpsertLeg(ctx context.Context, leg *CallLeg) error
	// OpenLegs returns the legs of the call that have not hung up.
	OpenLegs(ctx context.Context, linkedID string) ([]*CallLeg, error)
	// CloseOpenLegs stamps every open leg of the call with the given hangup
	// time and cause. Used by the stuck-call sweep.
	CloseOpenLegs(ctx context.Context, linkedID string, at time.Time, cause string) error

	// OpenBridgeSegment opens a segment for (linkedID, channel) if one is
	// not already open; replaying the same join is a no-op.
	OpenBridgeSegment(ctx context.Context, seg *BridgeSegment) error
	// CloseBridgeSegment closes the open segment for (linkedID, channel);
	// a missing or already-closed segment is a no-op.
	CloseBridgeSegment(ctx context.Context, linkedID, channel string, at time.Time) error
	// CloseOpenSegments closes every open segment of the call.
	CloseOpenSegments(ctx context.Context, linkedID string, at time.Time) error
	// OpenSegments returns the segments of the call without a leave time.
	OpenSegments(ctx context.Context, linkedID string) ([]*BridgeSegment, error)

	// GetExtension returns the extension or nil when the number is unknown.
	GetExtension(ctx context.Context, number string) (*Extension, error)
	UpsertExtension(ctx context.Context, ext *Extension) error
}
