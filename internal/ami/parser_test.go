package ami_test

import (
	"io"
	"strings"
	"testing"

	"github.com/sweeney/callwatch/internal/ami"
)

// answeredInternalRaw is a trimmed capture of an internal call from ext 21
// to ext 1986, answered and hung up normally.
const answeredInternalRaw = "Asterisk Call Manager/11.0.0\r\n" +
	"\r\n" +
	"Event: Newchannel\r\n" +
	"Channel: PJSIP/21-00000018\r\n" +
	"ChannelState: 4\r\n" +
	"ChannelStateDesc: Ring\r\n" +
	"CallerIDNum: 21\r\n" +
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
	"Uniqueid: 1770888510.41\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n" +
	"Event: DialBegin\r\n" +
	"Channel: PJSIP/21-00000018\r\n" +
	"DestChannel: PJSIP/1986-00000019\r\n" +
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
	"Channel: PJSIP/21-00000018\r\n" +
	"DestChannel: PJSIP/1986-00000019\r\n" +
	"DialStatus: ANSWER\r\n" +
	"Uniqueid: 1770888509.40\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n" +
	"Event: Newstate\r\n" +
	"Channel: PJSIP/21-00000018\r\n" +
	"ChannelState: 6\r\n" +
	"ChannelStateDesc: Up\r\n" +
	"Uniqueid: 1770888509.40\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n" +
	"Event: BridgeEnter\r\n" +
	"BridgeUniqueid: e1f0-4a11\r\n" +
	"Channel: PJSIP/21-00000018\r\n" +
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
	"Channel: PJSIP/21-00000018\r\n" +
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
	"Channel: PJSIP/21-00000018\r\n" +
	"Cause: 16\r\n" +
	"Cause-txt: Normal Clearing\r\n" +
	"Uniqueid: 1770888509.40\r\n" +
	"Linkedid: 1770888509.40\r\n" +
	"\r\n"

func TestParseAnsweredInternal(t *testing.T) {
	events := ami.ParseBytes([]byte(answeredInternalRaw))

	if len(events) != 12 {
		t.Fatalf("expected 12 events, got %d", len(events))
	}

	if events[0].Type() != "Newchannel" {
		t.Errorf("expected first event Newchannel, got %q", events[0].Type())
	}
	if events[0].Get("CallerIDNum") != "21" {
		t.Errorf("expected CallerIDNum=21, got %q", events[0].Get("CallerIDNum"))
	}
	if events[0].Get("CallerIDName") != "Kitchen" {
		t.Errorf("expected CallerIDName=Kitchen, got %q", events[0].Get("CallerIDName"))
	}
	if events[0].Get("Context") != "from-internal" {
		t.Errorf("expected Context=from-internal, got %q", events[0].Get("Context"))
	}

	types := countEventTypes(events)
	assertEventCount(t, types, "Newchannel", 2)
	assertEventCount(t, types, "Newstate", 2)
	assertEventCount(t, types, "DialBegin", 1)
	assertEventCount(t, types, "DialEnd", 1)
	assertEventCount(t, types, "BridgeEnter", 2)
	assertEventCount(t, types, "BridgeLeave", 2)
	assertEventCount(t, types, "Hangup", 2)

	// All events share the same Linkedid
	for _, e := range events {
		if lid := e.Get("Linkedid"); lid != "1770888509.40" {
			t.Errorf("unexpected Linkedid %q", lid)
		}
	}

	hangups := filterByType(events, "Hangup")
	for _, h := range hangups {
		if h.GetInt("Cause") != 16 {
			t.Errorf("expected Cause=16, got %d", h.GetInt("Cause"))
		}
		if h.Get("Cause-txt") != "Normal Clearing" {
			t.Errorf("expected Cause-txt=Normal Clearing, got %q", h.Get("Cause-txt"))
		}
	}
}

func TestParseEmptyInput(t *testing.T) {
	events := ami.ParseBytes([]byte(""))
	if len(events) != 0 {
		t.Errorf("expected 0 events from empty input, got %d", len(events))
	}
}

func TestParseBannerOnly(t *testing.T) {
	events := ami.ParseBytes([]byte("Asterisk Call Manager/11.0.0\r\n\r\n"))
	if len(events) != 0 {
		t.Errorf("expected 0 events from banner only, got %d", len(events))
	}
}

func TestParserStreamReading(t *testing.T) {
	input := "Event: Test\r\nKey: Value\r\n\r\nEvent: Test2\r\nKey2: Value2\r\n\r\n"
	parser := ami.NewParser(strings.NewReader(input))

	evt1, err := parser.Next()
	if err != nil {
		t.Fatalf("reading first event: %v", err)
	}
	if evt1.Type() != "Test" {
		t.Errorf("expected Test, got %q", evt1.Type())
	}

	evt2, err := parser.Next()
	if err != nil {
		t.Fatalf("reading second event: %v", err)
	}
	if evt2.Type() != "Test2" {
		t.Errorf("expected Test2, got %q", evt2.Type())
	}

	if _, err := parser.Next(); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestParserNoTrailingBlankLine(t *testing.T) {
	// AMI stream that ends without a trailing blank line
	input := "Event: Final\r\nKey: Value"
	events := ami.ParseBytes([]byte(input))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type() != "Final" {
		t.Errorf("expected Final, got %q", events[0].Type())
	}
}

func TestParserSkipsSeparatorlessLinesBetweenBlocks(t *testing.T) {
	input := "garbage line\r\nEvent: Real\r\n\r\n"
	events := ami.ParseBytes([]byte(input))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type() != "Real" {
		t.Errorf("expected Real, got %q", events[0].Type())
	}
}

func TestParserSkipsSeparatorlessLinesInsideBlocks(t *testing.T) {
	input := "Event: Real\r\nOutput follows\r\nKey: Value\r\n\r\n"
	events := ami.ParseBytes([]byte(input))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	evt := events[0]
	if evt.Len() != 2 {
		t.Fatalf("expected separator-less line dropped, got %d headers", evt.Len())
	}
	if evt.Get("Key") != "Value" {
		t.Errorf("expected Key=Value, got %q", evt.Get("Key"))
	}
	// The skipped line must not leak back out when re-encoded.
	if want := "Event: Real\r\nKey: Value\r\n\r\n"; string(evt.Marshal()) != want {
		t.Errorf("unexpected marshal output %q", evt.Marshal())
	}
}

func TestParserAcceptsBareNewlines(t *testing.T) {
	// Some captures arrive with LF only line endings.
	input := "Event: Unix\nKey: Value\n\n"
	events := ami.ParseBytes([]byte(input))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Get("Key") != "Value" {
		t.Errorf("expected Key=Value, got %q", events[0].Get("Key"))
	}
}

// helpers

func countEventTypes(events []ami.Event) map[string]int {
	types := map[string]int{}
	for _, e := range events {
		if t := e.Type(); t != "" {
			types[t]++
		}
	}
	return types
}

func assertEventCount(t *testing.T, types map[string]int, eventType string, expected int) {
	t.Helper()
	if types[eventType] != expected {
		t.Errorf("expected %d %s events, got %d", expected, eventType, types[eventType])
	}
}

func filterByType(events []ami.Event, eventType string) []ami.Event {
	var result []ami.Event
	for _, e := range events {
		if e.Type() == eventType {
			result = append(result, e)
		}
	}
	return result
}
