package reconcile

import (
	"strconv"
	"strings"

	"github.com/sweeney/callwatch/internal/store"
)

// deviceStates maps the numeric device-state codes the switch reports to a
// coarse availability plus a detailed label.
var deviceStates = map[int]struct {
	Status store.ExtensionStatus
	Label  string
}{
	0:  {store.StatusOnline, "IDLE"},
	1:  {store.StatusOnline, "IN_USE"},
	2:  {store.StatusOnline, "BUSY"},
	4:  {store.StatusOffline, "UNAVAILABLE"},
	8:  {store.StatusOnline, "RINGING"},
	16: {store.StatusOnline, "ON_HOLD"},
	-1: {store.StatusUnknown, "NOT_FOUND"},
}

// MapDeviceState resolves a raw status (numeric device-state code or legacy
// registration text) plus optional human-readable text to the tri-state
// availability and a device-state label. The mapping is total: anything
// unrecognized resolves to unknown/UNKNOWN.
func MapDeviceState(rawStatus, statusText string) (store.ExtensionStatus, string, int) {
	if code, err := strconv.Atoi(strings.TrimSpace(rawStatus)); err == nil {
		if ds, ok := deviceStates[code]; ok {
			return ds.Status, ds.Label, code
		}
		return store.StatusUnknown, "UNKNOWN", code
	}

	// Legacy peers report registration text instead of a code.
	switch text := strings.ToLower(strings.TrimSpace(rawStatus)); {
	case text == "registered", strings.HasPrefix(text, "ok"):
		return store.StatusOnline, "REGISTERED", 0
	case text == "unregistered", text == "unreachable":
		return store.StatusOffline, "UNREGISTERED", 4
	}

	if statusText != "" {
		// Some events only carry the text field.
		switch strings.ToLower(strings.TrimSpace(statusText)) {
		case "idle":
			return store.StatusOnline, "IDLE", 0
		case "inuse", "in use":
			return store.StatusOnline, "IN_USE", 1
		case "unavailable":
			return store.StatusOffline, "UNAVAILABLE", 4
		}
	}

	return store.StatusUnknown, "UNKNOWN", 0
}
