package update

// State of an update session.
type State uint8

const (
	Idle State = iota
	ResolvingName
	Connecting
	AwaitingFirstChunk
	ReceivingBody
	Succeeded
	Failed
	TornDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ResolvingName:
		return "resolving"
	case Connecting:
		return "connecting"
	case AwaitingFirstChunk:
		return "awaiting-response"
	case ReceivingBody:
		return "receiving"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TornDown:
		return "torn-down"
	}
	return "unknown"
}

// Result is the outcome of a session, set once.
type Result uint8

const (
	Pending Result = iota
	Success
	Failure
)

// event drives the session state machine.
type event uint8

const (
	evStart event = iota
	evResolved
	evResolveFailed
	evConnected
	evNetError   // connect error, reconnect error or send failure
	evHead       // response head accepted
	evChunk      // body chunk written, more expected
	evComplete   // declared length reached
	evFail       // parse, flash or overrun failure
	evTimeout    // watchdog expired
	evDisconnect // transport closed before completion
	evAbort      // cancelled by the owner
	evTeardown
)

// transition returns the state that follows from on ev, and false when ev
// is not valid in from.
func transition(from State, ev event) (State, bool) {
	switch from {
	case Idle:
		if ev == evStart {
			return ResolvingName, true
		}
	case ResolvingName:
		switch ev {
		case evResolved:
			return Connecting, true
		case evResolveFailed, evAbort:
			return Failed, true
		}
	case Connecting:
		switch ev {
		case evConnected:
			return AwaitingFirstChunk, true
		case evNetError, evTimeout, evDisconnect, evAbort:
			return Failed, true
		}
	case AwaitingFirstChunk:
		switch ev {
		case evHead:
			return ReceivingBody, true
		case evFail, evNetError, evTimeout, evDisconnect, evAbort:
			return Failed, true
		}
	case ReceivingBody:
		switch ev {
		case evChunk:
			return ReceivingBody, true
		case evComplete:
			return Succeeded, true
		case evFail, evNetError, evTimeout, evDisconnect, evAbort:
			return Failed, true
		}
	case Succeeded, Failed:
		if ev == evTeardown {
			return TornDown, true
		}
	}
	return from, false
}

// timed reports whether the watchdog bounds the wait in s.
func (s State) timed() bool {
	return s == Connecting || s == AwaitingFirstChunk || s == ReceivingBody
}
