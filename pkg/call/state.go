// Package call реализует хранилище звонков и детальную машину состояний
// звонка: жизненный цикл от INVITE до терминального состояния, hold и
// resume, классификация ошибок.
package call

// State детальное наблюдаемое состояние звонка.
type State int

const (
	StateIdle State = iota
	StateOutgoingInit
	StateOutgoingProgress
	StateOutgoingRinging
	StateIncomingReceived
	StateConnected
	StateStreamsRunning
	StatePausing
	StatePaused
	StateResuming
	StateEnding
	StateEnded
	StateError
)

var stateNames = map[State]string{
	StateIdle:             "IDLE",
	StateOutgoingInit:     "OUTGOING_INIT",
	StateOutgoingProgress: "OUTGOING_PROGRESS",
	StateOutgoingRinging:  "OUTGOING_RINGING",
	StateIncomingReceived: "INCOMING_RECEIVED",
	StateConnected:        "CONNECTED",
	StateStreamsRunning:   "STREAMS_RUNNING",
	StatePausing:          "PAUSING",
	StatePaused:           "PAUSED",
	StateResuming:         "RESUMING",
	StateEnding:           "ENDING",
	StateEnded:            "ENDED",
	StateError:            "ERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsActive сообщает, идет ли звонок (от раннего диалога до ENDING
// включительно).
func (s State) IsActive() bool {
	switch s {
	case StateOutgoingProgress, StateOutgoingRinging, StateIncomingReceived,
		StateConnected, StateStreamsRunning,
		StatePausing, StatePaused, StateResuming, StateEnding:
		return true
	default:
		return false
	}
}

// IsTerminal сообщает, достигнуто ли терминальное состояние.
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateError
}

// InDialog сообщает, установлен ли подтвержденный диалог (можно слать
// in-dialog запросы: BYE, re-INVITE, INFO).
func (s State) InDialog() bool {
	switch s {
	case StateConnected, StateStreamsRunning,
		StatePausing, StatePaused, StateResuming:
		return true
	default:
		return false
	}
}

// fsm state identifiers; одно к одному со State.
const (
	fsIdle             = "idle"
	fsOutgoingInit     = "outgoing_init"
	fsOutgoingProgress = "outgoing_progress"
	fsOutgoingRinging  = "outgoing_ringing"
	fsIncomingReceived = "incoming_received"
	fsConnected        = "connected"
	fsStreamsRunning   = "streams_running"
	fsPausing          = "pausing"
	fsPaused           = "paused"
	fsResuming         = "resuming"
	fsEnding           = "ending"
	fsEnded            = "ended"
	fsError            = "error"
)

var fsmToState = map[string]State{
	fsIdle:             StateIdle,
	fsOutgoingInit:     StateOutgoingInit,
	fsOutgoingProgress: StateOutgoingProgress,
	fsOutgoingRinging:  StateOutgoingRinging,
	fsIncomingReceived: StateIncomingReceived,
	fsConnected:        StateConnected,
	fsStreamsRunning:   StateStreamsRunning,
	fsPausing:          StatePausing,
	fsPaused:           StatePaused,
	fsResuming:         StateResuming,
	fsEnding:           StateEnding,
	fsEnded:            StateEnded,
	fsError:            StateError,
}
