// Package events turns generic AMI blocks into the typed events the call
// reconciler understands. The generic string map stays behind this boundary;
// everything downstream works with concrete structs.
package events

import "github.com/sweeney/callwatch/internal/ami"

// Event is the closed set of typed events produced by Classify.
type Event interface {
	event()
}

// ChannelCreated corresponds to Newchannel.
type ChannelCreated struct {
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
}

// ChannelStateChanged corresponds to Newstate.
type ChannelStateChanged struct {
	UniqueID         string
	LinkedID         string
	Channel          string
	StateCode        int
	StateDesc        string
	CallerIDNum      string
	ConnectedLineNum string
}

// ChannelEnded corresponds to Hangup.
type ChannelEnded struct {
	UniqueID  string
	LinkedID  string
	Channel   string
	CauseCode int
	CauseText string
}

// DialStarted corresponds to DialBegin.
type DialStarted struct {
	UniqueID         string
	LinkedID         string
	DestUniqueID     string
	DialString       string
	DestCallerIDNum  string
	ConnectedLineNum string
	Exten            string
}

// DialEnded corresponds to DialEnd.
type DialEnded struct {
	UniqueID     string
	LinkedID     string
	DestUniqueID string
	DialStatus   string
}

// BridgeJoined corresponds to BridgeEnter.
type BridgeJoined struct {
	UniqueID     string
	LinkedID     string
	Channel      string
	BridgeID     string
	CallerIDNum  string
	StateDesc    string
	ConnectedNum string
}

// BridgeLeft corresponds to BridgeLeave.
type BridgeLeft struct {
	UniqueID string
	LinkedID string
	Channel  string
	BridgeID string
}

// ExtensionStatusChanged corresponds to ExtensionStatus. RawStatus is kept
// as text because older switches report legacy strings like "Registered"
// instead of a device-state code.
type ExtensionStatusChanged struct {
	Exten      string
	Context    string
	RawStatus  string
	StatusText string
	Hint       string
}

func (ChannelCreated) event()         {}
func (ChannelStateChanged) event()    {}
func (ChannelEnded) event()           {}
func (DialStarted) event()            {}
func (DialEnded) event()              {}
func (BridgeJoined) event()           {}
func (BridgeLeft) event()             {}
func (ExtensionStatusChanged) event() {}

// Classify maps an AMI block to its typed event. The second return value is
// false for responses and for the many event kinds the reconciler does not
// consume; dropping those is normal operation, not an error.
func Classify(evt ami.Event) (Event, bool) {
	if evt.IsResponse() {
		return nil, false
	}

	switch evt.Type() {
	case "Newchannel":
		return ChannelCreated{
			UniqueID:          evt.Get("Uniqueid"),
			LinkedID:          evt.Get("Linkedid"),
			Channel:           evt.Get("Channel"),
			Context:           evt.Get("Context"),
			Exten:             evt.Get("Exten"),
			StateCode:         evt.GetInt("ChannelState"),
			StateDesc:         evt.Get("ChannelStateDesc"),
			CallerIDNum:       evt.Get("CallerIDNum"),
			CallerIDName:      evt.Get("CallerIDName"),
			ConnectedLineNum:  evt.Get("ConnectedLineNum"),
			ConnectedLineName: evt.Get("ConnectedLineName"),
		}, true
	case "Newstate":
		return ChannelStateChanged{
			UniqueID:         evt.Get("Uniqueid"),
			LinkedID:         evt.Get("Linkedid"),
			Channel:          evt.Get("Channel"),
			StateCode:        evt.GetInt("ChannelState"),
			StateDesc:        evt.Get("ChannelStateDesc"),
			CallerIDNum:      evt.Get("CallerIDNum"),
			ConnectedLineNum: evt.Get("ConnectedLineNum"),
		}, true
	case "Hangup":
		return ChannelEnded{
			UniqueID:  evt.Get("Uniqueid"),
			LinkedID:  evt.Get("Linkedid"),
			Channel:   evt.Get("Channel"),
			CauseCode: evt.GetInt("Cause"),
			CauseText: evt.Get("Cause-txt"),
		}, true
	case "DialBegin":
		return DialStarted{
			UniqueID:         evt.Get("Uniqueid"),
			LinkedID:         evt.Get("Linkedid"),
			DestUniqueID:     evt.Get("DestUniqueid"),
			DialString:       evt.Get("DialString"),
			DestCallerIDNum:  evt.Get("DestCallerIDNum"),
			ConnectedLineNum: evt.Get("ConnectedLineNum"),
			Exten:            evt.Get("Exten"),
		}, true
	case "DialEnd":
		return DialEnded{
			UniqueID:     evt.Get("Uniqueid"),
			LinkedID:     evt.Get("Linkedid"),
			DestUniqueID: evt.Get("DestUniqueid"),
			DialStatus:   evt.Get("DialStatus"),
		}, true
	case "BridgeEnter":
		return BridgeJoined{
			UniqueID:     evt.Get("Uniqueid"),
			LinkedID:     evt.Get("Linkedid"),
			Channel:      evt.Get("Channel"),
			BridgeID:     evt.Get("BridgeUniqueid"),
			CallerIDNum:  evt.Get("CallerIDNum"),
			StateDesc:    evt.Get("ChannelStateDesc"),
			ConnectedNum: evt.Get("ConnectedLineNum"),
		}, true
	case "BridgeLeave":
		return BridgeLeft{
			UniqueID: evt.Get("Uniqueid"),
			LinkedID: evt.Get("Linkedid"),
			Channel:  evt.Get("Channel"),
			BridgeID: evt.Get("BridgeUniqueid"),
		}, true
	case "ExtensionStatus":
		return ExtensionStatusChanged{
			Exten:      evt.Get("Exten"),
			Context:    evt.Get("Context"),
			RawStatus:  evt.Get("Status"),
			StatusText: evt.Get("StatusText"),
			Hint:       evt.Get("Hint"),
		}, true
	}
	return nil, false
}
