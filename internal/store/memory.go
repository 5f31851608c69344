package store

import (
	"context"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and dry runs;
// the semantics mirror the SQLite implementation exactly.
type Memory struct {
	mu         sync.Mutex
	calls      map[string]*Call
	legs       map[string]*CallLeg
	segments   []*BridgeSegment
	extensions map[string]*Extension
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		calls:      make(map[string]*Call),
		legs:       make(map[string]*CallLeg),
		extensions: make(map[string]*Extension),
	}
}

func (m *Memory) FindOrCreateCall(_ context.Context, linkedID string, startedAt time.Time) (*Call, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.calls[linkedID]; ok {
		cp := *c
		return &cp, false, nil
	}
	c := &Call{
		LinkedID:  linkedID,
		Direction: DirectionUnknown,
		StartedAt: startedAt,
	}
	m.calls[linkedID] = c
	cp := *c
	return &cp, true, nil
}

func (m *Memory) GetCall(_ context.Context, linkedID string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[linkedID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) UpdateCall(_ context.Context, call *Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *call
	m.calls[call.LinkedID] = &cp
	return nil
}

func (m *Memory) OpenCalls(_ context.Context) ([]*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Call
	for _, c := range m.calls {
		if c.EndedAt == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) StuckCalls(_ context.Context, ringBefore, answerBefore time.Time) ([]*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Call
	for _, c := range m.calls {
		if c.EndedAt != nil {
			continue
		}
		stuck := (c.AnsweredAt == nil && c.StartedAt.Before(ringBefore)) ||
			(c.AnsweredAt != nil && c.AnsweredAt.Before(answerBefore))
		if stuck {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) FindLeg(_ context.Context, uniqueID string) (*CallLeg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.legs[uniqueID]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (m *Memory) UpsertLeg(_ context.Context, leg *CallLeg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *leg
	m.legs[leg.UniqueID] = &cp
	return nil
}

func (m *Memory) OpenLegs(_ context.Context, linkedID string) ([]*CallLeg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*CallLeg
	for _, l := range m.legs {
		if l.LinkedID == linkedID && l.HangupAt == nil {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) CloseOpenLegs(_ context.Context, linkedID string, at time.Time, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.legs {
		if l.LinkedID == linkedID && l.HangupAt == nil {
			t := at
			l.HangupAt = &t
			l.HangupCause = cause
		}
	}
	return nil
}

func (m *Memory) OpenBridgeSegment(_ context.Context, seg *BridgeSegment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.segments {
		if s.LinkedID == seg.LinkedID && s.Channel == seg.Channel && s.LeftAt == nil {
			return nil // already open
		}
	}
	cp := *seg
	m.segments = append(m.segments, &cp)
	return nil
}

func (m *Memory) CloseBridgeSegment(_ context.Context, linkedID, channel string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.segments {
		if s.LinkedID == linkedID && s.Channel == channel && s.LeftAt == nil {
			t := at
			s.LeftAt = &t
		}
	}
	return nil
}

func (m *Memory) CloseOpenSegments(_ context.Context, linkedID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.segments {
		if s.LinkedID == linkedID && s.LeftAt == nil {
			t := at
			s.LeftAt = &t
		}
	}
	return nil
}

func (m *Memory) OpenSegments(_ context.Context, linkedID string) ([]*BridgeSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BridgeSegment
	for _, s := range m.segments {
		if s.LinkedID == linkedID && s.LeftAt == nil {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) GetExtension(_ context.Context, number string) (*Extension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.extensions[number]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) UpsertExtension(_ context.Context, ext *Extension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ext
	m.extensions[ext.Number] = &cp
	return nil
}
