package media

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// Direction is the negotiated media direction attribute of a session
// description. Used for hold detection.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionSendRecv
	DirectionSendOnly
	DirectionRecvOnly
	DirectionInactive
)

func (d Direction) String() string {
	switch d {
	case DirectionSendRecv:
		return "sendrecv"
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Hold reports whether this direction, seen in a remote offer, places
// the call on hold.
func (d Direction) Hold() bool {
	return d == DirectionSendOnly || d == DirectionInactive
}

func parseDirection(key string) Direction {
	switch key {
	case "sendrecv":
		return DirectionSendRecv
	case "sendonly":
		return DirectionSendOnly
	case "recvonly":
		return DirectionRecvOnly
	case "inactive":
		return DirectionInactive
	default:
		return DirectionUnknown
	}
}

// SessionInfo is what the core extracts from an SDP body.
type SessionInfo struct {
	// ConnectionAddress is the c= line address, media-level first,
	// session-level as fallback. Empty when absent.
	ConnectionAddress string

	// Direction is the media direction attribute, media-level first,
	// session-level as fallback, sendrecv if absent (RFC 3264 default).
	Direction Direction
}

// InspectSDP parses raw SDP and extracts the connection address and the
// direction attribute. The raw body is otherwise treated as opaque.
func InspectSDP(raw string) (SessionInfo, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return SessionInfo{}, fmt.Errorf("unmarshal sdp: %w", err)
	}

	info := SessionInfo{Direction: DirectionUnknown}

	if ci := desc.ConnectionInformation; ci != nil && ci.Address != nil {
		info.ConnectionAddress = ci.Address.Address
	}
	for _, attr := range desc.Attributes {
		if d := parseDirection(attr.Key); d != DirectionUnknown {
			info.Direction = d
		}
	}

	// Media-level values win over session-level ones. The first audio
	// section decides; this core is voice only.
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		if ci := m.ConnectionInformation; ci != nil && ci.Address != nil {
			info.ConnectionAddress = ci.Address.Address
		}
		for _, attr := range m.Attributes {
			if d := parseDirection(attr.Key); d != DirectionUnknown {
				info.Direction = d
			}
		}
		break
	}

	if info.Direction == DirectionUnknown {
		info.Direction = DirectionSendRecv
	}
	return info, nil
}
