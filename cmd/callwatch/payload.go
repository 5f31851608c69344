package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sweeney/callwatch/internal/publisher"
	"github.com/sweeney/callwatch/internal/reconcile"
)

// callPayload is the JSON snapshot published on call transitions.
type callPayload struct {
	Event          string   `json:"event"`
	CallID         string   `json:"call_id"`
	Direction      string   `json:"direction"`
	AgentExtension string   `json:"agent_extension,omitempty"`
	OtherParty     string   `json:"other_party,omitempty"`
	StartedAt      string   `json:"started_at"`
	AnsweredAt     string   `json:"answered_at,omitempty"`
	EndedAt        string   `json:"ended_at,omitempty"`
	RingSeconds    *float64 `json:"ring_seconds,omitempty"`
	TalkSeconds    *float64 `json:"talk_seconds,omitempty"`
	DialStatus     string   `json:"dial_status,omitempty"`
	Disposition    string   `json:"disposition,omitempty"`
	HangupCause    string   `json:"hangup_cause,omitempty"`
	Timestamp      string   `json:"timestamp"`
}

// extensionPayload is the JSON snapshot published on extension transitions.
// It is retained by the broker so late subscribers see current state.
type extensionPayload struct {
	Extension   string `json:"extension"`
	Status      string `json:"status"`
	StatusCode  int    `json:"status_code"`
	DeviceState string `json:"device_state"`
	LastSeen    string `json:"last_seen"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// publishChange broadcasts one state transition. The reconciler guarantees
// each transition is reported once, so this maps one change to exactly one
// message.
func publishChange(ctx context.Context, pub publisher.Publisher, prefix string, change reconcile.Change) error {
	if change.Kind == reconcile.ChangeExtension {
		ext := change.Extension
		payload := extensionPayload{
			Extension:   ext.Number,
			Status:      string(ext.Status),
			StatusCode:  ext.StatusCode,
			DeviceState: ext.DeviceState,
			LastSeen:    formatTime(ext.LastSeen),
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling extension payload: %w", err)
		}
		topic := fmt.Sprintf("%s/extension/%s", prefix, ext.Number)
		return pub.PublishRetained(ctx, topic, data)
	}

	call := change.Call
	payload := callPayload{
		Event:          string(change.Kind),
		CallID:         call.LinkedID,
		Direction:      string(call.Direction),
		AgentExtension: call.AgentExtension,
		OtherParty:     call.OtherParty,
		StartedAt:      formatTime(call.StartedAt),
		DialStatus:     call.DialStatus,
		Disposition:    string(call.Disposition),
		HangupCause:    call.HangupCause,
		Timestamp:      formatTime(time.Now()),
	}
	if call.AnsweredAt != nil {
		payload.AnsweredAt = formatTime(*call.AnsweredAt)
		ring := call.RingSeconds
		payload.RingSeconds = &ring
	}
	if call.EndedAt != nil {
		payload.EndedAt = formatTime(*call.EndedAt)
		talk := call.TalkSeconds
		payload.TalkSeconds = &talk
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling call payload: %w", err)
	}
	topic := fmt.Sprintf("%s/call/%s/%s", prefix, call.LinkedID, change.Kind)
	return pub.Publish(ctx, topic, data)
}
