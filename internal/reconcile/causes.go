package reconcile

// hangupCauses maps hangup cause codes to short names used for the call's
// hangup_cause field when the event carries no cause text.
var hangupCauses = map[int]string{
	0:   "unknown",
	16:  "normal clearing",
	17:  "user busy",
	18:  "no answer",
	19:  "no answer",
	21:  "call rejected",
	31:  "normal unspecified",
	34:  "congestion",
	127: "interworking",
}

// CauseName returns the short name for a hangup cause code.
func CauseName(code int) string {
	if name, ok := hangupCauses[code]; ok {
		return name
	}
	return "unknown"
}
