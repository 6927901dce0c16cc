// Package media defines the contract the signaling core expects from an
// external media engine and the SDP inspection helpers the core needs
// for hold detection and diagnostics.
//
// The engine produces and consumes SDP as opaque strings. The core reads
// only the connection address and the direction attribute; the one edit
// it makes is to the direction attribute of its own SDP when it sends a
// hold or resume re-INVITE.
package media

// ConnState is the media-plane connection state reported by the engine.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "NEW"
	case ConnConnecting:
		return "CONNECTING"
	case ConnConnected:
		return "CONNECTED"
	case ConnDisconnected:
		return "DISCONNECTED"
	case ConnFailed:
		return "FAILED"
	case ConnClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SDPKind distinguishes an offer from an answer in SetRemoteDescription.
type SDPKind int

const (
	SDPOffer SDPKind = iota
	SDPAnswer
)

// EngineEvents are the callbacks an engine fires toward the core. All
// fields are required; use NopEvents to ignore everything.
type EngineEvents struct {
	OnConnState   func(ConnState)
	OnRemoteTrack func()
}

// NopEvents returns an EngineEvents with no-op callbacks.
func NopEvents() EngineEvents {
	return EngineEvents{
		OnConnState:   func(ConnState) {},
		OnRemoteTrack: func() {},
	}
}

// Engine is the opaque media plane. Implementations wrap a WebRTC peer
// connection or any other RTP stack. Methods may block on internal
// negotiation; callers treat them as suspension points.
type Engine interface {
	// CreateOffer returns a local SDP offer.
	CreateOffer() (string, error)

	// CreateAnswer returns a local SDP answer for the given remote offer.
	CreateAnswer(remoteSDP string) (string, error)

	// SetRemoteDescription applies the peer's SDP.
	SetRemoteDescription(sdp string, kind SDPKind) error

	// SetAudioEnabled toggles sending/receiving audio.
	SetAudioEnabled(enabled bool) error

	// SetMuted toggles the capture mute.
	SetMuted(muted bool) error

	// InsertDTMF injects an in-band RFC 4733 telephone-event with the
	// given payload bytes. Used by the RFC2833 DTMF mode.
	InsertDTMF(payload []byte) error

	// Dispose releases the engine. Idempotent.
	Dispose() error
}
