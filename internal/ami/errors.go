package ami

import "errors"

// Sentinel errors for the failure modes callers need to tell apart.
// All client methods wrap these with fmt.Errorf("...: %w", ...), so use
// errors.Is to classify.
var (
	// ErrConnection covers socket-level failures: dial, read, write.
	ErrConnection = errors.New("ami: connection error")

	// ErrAuthentication means the switch rejected the login credentials.
	ErrAuthentication = errors.New("ami: authentication failed")

	// ErrProtocolTimeout means an expected completion event never arrived
	// within the allotted time.
	ErrProtocolTimeout = errors.New("ami: protocol timeout")

	// ErrActionRejected means the switch answered an action with
	// Response: Error. Retrying will not help.
	ErrActionRejected = errors.New("ami: action rejected")
)
