package smtp

// State is the position of a Session in the delivery sequence. Sessions only
// move forward; StateTLSNegotiated is skipped when STARTTLS is not used.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateGreeted
	StateTLSNegotiated
	StateAuthenticated
	StateSending
	StateClosing
)

var stateNames = [...]string{
	StateDisconnected:  "disconnected",
	StateConnected:     "connected",
	StateGreeted:       "greeted",
	StateTLSNegotiated: "tls-negotiated",
	StateAuthenticated: "authenticated",
	StateSending:       "sending",
	StateClosing:       "closing",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
