package errors

import "fmt"

var (
	// ErrConnectTimeout means the signaling relay was unreachable within the
	// connection budget. The session keeps running in degraded text/bot mode.
	ErrConnectTimeout = fmt.Errorf("signaling connect timeout")

	// ErrMediaUnavailable means camera/microphone access was denied or the
	// device is absent. Callers must fall back to text mode.
	ErrMediaUnavailable = fmt.Errorf("media unavailable")

	// ErrNegotiation covers malformed or out-of-order offer/answer exchanges.
	ErrNegotiation = fmt.Errorf("negotiation error")

	// ErrPresenceRaceUnresolved means the online re-assertion retries were
	// exhausted without a confirming read-back.
	ErrPresenceRaceUnresolved = fmt.Errorf("presence re-assertion unresolved")

	ErrPeerLinkActive   = fmt.Errorf("a peer link is already active for this room")
	ErrOfferInProgress  = fmt.Errorf("offer already in progress")
	ErrLinkClosed       = fmt.Errorf("peer link closed")
	ErrNotJoined        = fmt.Errorf("no room joined")
	ErrWorkerPanic      = fmt.Errorf("worker panic")
	ErrInvalidExpertID  = fmt.Errorf("invalid expert identifier")
	ErrInvalidEnvelope  = fmt.Errorf("invalid signaling envelope")
	ErrEmptyRuleSet     = fmt.Errorf("no reply rules have been loaded")
	ErrProvenance       = fmt.Errorf("message provenance flags are mutually exclusive")
)
