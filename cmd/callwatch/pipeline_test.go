package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/callwatch/internal/ami"
	"github.com/sweeney/callwatch/internal/events"
	"github.com/sweeney/callwatch/internal/publisher"
	"github.com/sweeney/callwatch/internal/reconcile"
	"github.com/sweeney/callwatch/internal/store"
)

// answeredInternalRaw is an internal call from ext 201 to ext 1986, answered
// and hung up normally. Secondary leg hangs up first.
const answeredInternalRaw = "Event: Newchannel\r\n" +
	"Channel: PJSIP/201-00000018\r\n" +
	"ChannelState: 4\r\n" +
	"ChannelStateDesc: Ring\r\n" +
	"CallerIDNum: 201\r\n" +
	"CallerIDName: Kitchen\r\n" +
	"Context: from-internal\r\n" +
	"Exten: 1986\r\n" +
	"Uniqueid: 1770888509.40\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n" +
	"Event: Newchannel\r\n" +
	"Channel: PJSIP/1986-00000019\r\n" +
	"ChannelState: 0\r\n" +
	"ChannelStateDesc: Down\r\n" +
	"CallerIDNum: 1986\r\n" +
	"Context: from-internal\r\n" +
	"Uniqueid: 1770888510.41\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n" +
	"Event: DialBegin\r\n" +
	"Channel: PJSIP/201-00000018\r\n" +
	"DestChannel: PJSIP/1986-00000019\r\n" +
	"DestUniqueid: 1770888510.41\r\n" +
	"DestCallerIDNum: 1986\r\n" +
	"DialString: PJSIP/1986\r\n" +
	"Uniqueid: 1770888509.40\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n" +
	"Event: Newstate\r\n" +
	"Channel: PJSIP/1986-00000019\r\n" +
	"ChannelState: 5\r\n" +
	"ChannelStateDesc: Ringing\r\n" +
	"Uniqueid: 1770888510.41\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n" +
	"Event: DialEnd\r\n" +
	"Channel: PJSIP/201-00000018\r\n" +
	"DestChannel: PJSIP/1986-00000019\r\n" +
	"DestUniqueid: 1770888510.41\r\n" +
	"DialStatus: ANSWER\r\n" +
	"Uniqueid: 1770888509.40\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n" +
	"Event: Newstate\r\n" +
	"Channel: PJSIP/201-00000018\r\n" +
	"ChannelState: 6\r\n" +
	"ChannelStateDesc: Up\r\n" +
	"Uniqueid: 1770888509.40\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n" +
	"Event: BridgeEnter\r\n" +
	"BridgeUniqueid: e1f0-4a11\r\n" +
	"Channel: PJSIP/201-00000018\r\n" +
	"Uniqueid: 1770888509.40\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n" +
	"Event: BridgeEnter\r\n" +
	"BridgeUniqueid: e1f0-4a11\r\n" +
	"Channel: PJSIP/1986-00000019\r\n" +
	"Uniqueid: 1770888510.41\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n" +
	"Event: BridgeLeave\r\n" +
	"BridgeUniqueid: e1f0-4a11\r\n" +
	"Channel: PJSIP/1986-00000019\r\n" +
	"Uniqueid: 1770888510.41\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n" +
	"Event: BridgeLeave\r\n" +
	"BridgeUniqueid: e1f0-4a11\r\n" +
	"Channel: PJSIP/201-00000018\r\n" +
	"Uniqueid: 1770888509.40\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n" +
	"Event: Hangup\r\n" +
	"Channel: PJSIP/1986-00000019\r\n" +
	"Cause: 16\r\n" +
	"Cause-txt: Normal Clearing\r\n" +
	"Uniqueid: 1770888510.41\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n" +
	"Event: Hangup\r\n" +
	"Channel: PJSIP/201-00000018\r\n" +
	"Cause: 16\r\n" +
	"Cause-txt: Normal Clearing\r\n" +
	"Uniqueid: 1770888509.40\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n"

// incomingCanceledRaw is an inbound trunk call to ext 1986, canceled by the
// caller before being answered.
const incomingCanceledRaw = "Event: Newchannel\r\n" +
	"Channel: PJSIP/trunk-00000030\r\n" +
	"ChannelState: 4\r\n" +
	"ChannelStateDesc: Ring\r\n" +
	"CallerIDNum: +8801700000000\r\n" +
	"Context: from-trunk\r\n" +
	"Exten: 1986\r\n" +
	"Uniqueid: 1770900000.60\r\n" +
	"Linkedid: 1770900000.60\r\n" +
	"\r\n" +
	"Event: Newchannel\r\n" +
	"Channel: PJSIP/1986-00000031\r\n" +
	"ChannelState: 0\r\n" +
	"ChannelStateDesc: Down\r\n" +
	"CallerIDNum: 1986\r\n" +
	"Context: from-internal\r\n" +
	"Uniqueid: 1770900001.61\r\n" +
	"Linkedid: 1770900000.60\r\n" +
	"\r\n" +
	"Event: Newstate\r\n" +
	"Channel: PJSIP/1986-00000031\r\n" +
	"ChannelState: 5\r\n" +
	"ChannelStateDesc: Ringing\r\n" +
	"Uniqueid: 1770900001.61\r\n" +
	"Linkedid: 1770900000.60\r\n" +
	"\r\n" +
	"Event: DialEnd\r\n" +
	"Channel: PJSIP/trunk-00000030\r\n" +
	"DestChannel: PJSIP/1986-00000031\r\n" +
	"DestUniqueid: 1770900001.61\r\n" +
	"DialStatus: CANCEL\r\n" +
	"Uniqueid: 1770900000.60\r\n" +
	"Linkedid: 1770900000.60\r\n" +
	"\r\n" +
	"Event: Hangup\r\n" +
	"Channel: PJSIP/1986-00000031\r\n" +
	"Cause: 26\r\n" +
	"Cause-txt: Answered elsewhere\r\n" +
	"Uniqueid: 1770900001.61\r\n" +
	"Linkedid: 1770900000.60\r\n" +
	"\r\n" +
	"Event: Hangup\r\n" +
	"Channel: PJSIP/trunk-00000030\r\n" +
	"Cause: 16\r\n" +
	"Cause-txt: Normal Clearing\r\n" +
	"Uniqueid: 1770900000.60\r\n" +
	"Linkedid: 1770900000.60\r\n" +
	"\r\n"

const extensionStatusRaw = "Event: ExtensionStatus\r\n" +
	"Exten: 1986\r\n" +
	"Context: ext-local\r\n" +
	"Hint: PJSIP/1986\r\n" +
	"Status: 0\r\n" +
	"StatusText: Idle\r\n" +
	"\r\n" +
	"Event: ExtensionStatus\r\n" +
	"Exten: 1986\r\n" +
	"Context: ext-local\r\n" +
	"Hint: PJSIP/1986\r\n" +
	"Status: 0\r\n" +
	"StatusText: Idle\r\n" +
	"\r\n" +
	"Event: ExtensionStatus\r\n" +
	"Exten: 1986\r\n" +
	"Context: ext-local\r\n" +
	"Hint: PJSIP/1986\r\n" +
	"Status: 8\r\n" +
	"StatusText: Ringing\r\n" +
	"\r\n"

// steppedClock advances one second per observation so durations come out
// positive and deterministic.
func steppedClock() reconcile.Clock {
	now := time.Date(2026, 2, 12, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func feedPipeline(t *testing.T, rec *reconcile.Reconciler, mock *publisher.MockPublisher, raw, prefix string) {
	t.Helper()
	for _, evt := range ami.ParseBytes([]byte(raw)) {
		typed, ok := events.Classify(evt)
		if !ok {
			continue
		}
		changes, err := rec.Process(context.Background(), typed)
		if err != nil {
			t.Fatalf("processing %s: %v", evt.Type(), err)
		}
		for _, change := range changes {
			if err := publishChange(context.Background(), mock, prefix, change); err != nil {
				t.Fatalf("publish error: %v", err)
			}
		}
	}
}

func runPipeline(t *testing.T, raw, prefix string) *publisher.MockPublisher {
	t.Helper()
	mock := publisher.NewMockPublisher()
	rec := reconcile.New(store.NewMemory(), reconcile.WithClock(steppedClock()))
	feedPipeline(t, rec, mock, raw, prefix)
	return mock
}

func parsePayload(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return m
}

func TestPipelineAnsweredInternal(t *testing.T) {
	mock := runPipeline(t, answeredInternalRaw, "callwatch")
	msgs := mock.Messages()

	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}

	assertTopicSuffix(t, msgs[0].Topic, "/ringing")
	assertTopicSuffix(t, msgs[1].Topic, "/answered")
	assertTopicSuffix(t, msgs[2].Topic, "/ended")

	callID := extractCallID(t, msgs[0].Topic)
	if callID != "1770888509.40" {
		t.Errorf("expected call ID 1770888509.40, got %q", callID)
	}
	for _, m := range msgs[1:] {
		if extractCallID(t, m.Topic) != callID {
			t.Error("expected consistent call ID across topics")
		}
	}

	ringing := parsePayload(t, msgs[0].Payload)
	assertPayloadField(t, ringing, "event", "ringing")
	assertPayloadField(t, ringing, "call_id", callID)
	assertPayloadField(t, ringing, "direction", "outgoing")
	assertPayloadField(t, ringing, "agent_extension", "201")
	assertPayloadHasKey(t, ringing, "timestamp")

	answered := parsePayload(t, msgs[1].Payload)
	assertPayloadField(t, answered, "event", "answered")
	assertPayloadHasKey(t, answered, "answered_at")
	if answered["ring_seconds"].(float64) <= 0 {
		t.Errorf("expected positive ring_seconds, got %v", answered["ring_seconds"])
	}

	ended := parsePayload(t, msgs[2].Payload)
	assertPayloadField(t, ended, "event", "ended")
	assertPayloadField(t, ended, "disposition", "answered")
	assertPayloadField(t, ended, "dial_status", "ANSWER")
	assertPayloadField(t, ended, "hangup_cause", "Normal Clearing")
	if ended["talk_seconds"].(float64) <= 0 {
		t.Errorf("expected positive talk_seconds, got %v", ended["talk_seconds"])
	}
}

func TestPipelineIncomingCanceled(t *testing.T) {
	mock := runPipeline(t, incomingCanceledRaw, "pbx")
	msgs := mock.Messages()

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (ringing + ended), got %d", len(msgs))
	}

	if !strings.HasPrefix(msgs[0].Topic, "pbx/call/") {
		t.Errorf("expected topic prefix 'pbx/call/', got %q", msgs[0].Topic)
	}
	assertTopicSuffix(t, msgs[0].Topic, "/ringing")
	assertTopicSuffix(t, msgs[1].Topic, "/ended")

	ringing := parsePayload(t, msgs[0].Payload)
	assertPayloadField(t, ringing, "direction", "incoming")
	assertPayloadField(t, ringing, "other_party", "+8801700000000")
	assertPayloadField(t, ringing, "agent_extension", "1986")

	ended := parsePayload(t, msgs[1].Payload)
	assertPayloadField(t, ended, "disposition", "canceled")
	assertPayloadField(t, ended, "dial_status", "CANCEL")
	if _, ok := ended["answered_at"]; ok {
		t.Error("unexpected answered_at on a canceled call")
	}
	if _, ok := ended["talk_seconds"]; ok {
		t.Error("unexpected talk_seconds on a canceled call")
	}
}

func TestPipelineReplayIsIdempotent(t *testing.T) {
	mock := publisher.NewMockPublisher()
	rec := reconcile.New(store.NewMemory(), reconcile.WithClock(steppedClock()))

	feedPipeline(t, rec, mock, answeredInternalRaw, "callwatch")
	feedPipeline(t, rec, mock, answeredInternalRaw, "callwatch")

	if got := len(mock.Messages()); got != 3 {
		t.Errorf("expected replay to add no messages, got %d total", got)
	}
}

func TestPipelineExtensionStatusRetained(t *testing.T) {
	mock := runPipeline(t, extensionStatusRaw, "callwatch")
	msgs := mock.Messages()

	// Duplicate idle report publishes nothing.
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Topic != "callwatch/extension/1986" {
			t.Errorf("message %d: unexpected topic %q", i, m.Topic)
		}
		if !m.Retained {
			t.Errorf("message %d: expected retained publish", i)
		}
	}

	idle := parsePayload(t, msgs[0].Payload)
	assertPayloadField(t, idle, "extension", "1986")
	assertPayloadField(t, idle, "status", "online")
	assertPayloadField(t, idle, "device_state", "IDLE")

	ringing := parsePayload(t, msgs[1].Payload)
	assertPayloadField(t, ringing, "device_state", "RINGING")
	if ringing["status_code"].(float64) != 8 {
		t.Errorf("expected status_code=8, got %v", ringing["status_code"])
	}
}

// --- helpers ---

func assertTopicSuffix(t *testing.T, topic, suffix string) {
	t.Helper()
	if !strings.HasSuffix(topic, suffix) {
		t.Errorf("expected topic %q to end with %q", topic, suffix)
	}
}

func assertPayloadField(t *testing.T, p map[string]any, key string, expected string) {
	t.Helper()
	if v, ok := p[key]; !ok {
		t.Errorf("missing field %q", key)
	} else if v != expected {
		t.Errorf("expected %s=%q, got %q", key, expected, v)
	}
}

func assertPayloadHasKey(t *testing.T, p map[string]any, key string) {
	t.Helper()
	if _, ok := p[key]; !ok {
		t.Errorf("missing field %q", key)
	}
}

func extractCallID(t *testing.T, topic string) string {
	t.Helper()
	// topic format: prefix/call/{id}/{state}
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		t.Fatalf("unexpected topic format: %q", topic)
	}
	return parts[len(parts)-2]
}
