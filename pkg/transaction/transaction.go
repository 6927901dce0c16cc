// Package transaction matches SIP responses to outstanding requests and
// tracks inbound server transactions. The transport is reliable, so no
// retransmission timers run; only final-response timeouts are enforced.
package transaction

import (
	"errors"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Default final-response timeouts.
const (
	DefaultInviteTimeout  = 180 * time.Second
	DefaultRequestTimeout = 32 * time.Second
)

var (
	// ErrTimeout no final response arrived within the deadline.
	ErrTimeout = errors.New("transaction: timeout")
	// ErrCancelled the transaction was cancelled locally.
	ErrCancelled = errors.New("transaction: cancelled")
	// ErrNetwork the transport failed while the transaction was in flight.
	ErrNetwork = errors.New("transaction: network error")
	// ErrTerminated the manager shut down.
	ErrTerminated = errors.New("transaction: terminated")
	// ErrMissingVia the request has no Via header to take a branch from.
	ErrMissingVia = errors.New("transaction: request has no Via branch")
)

// Sender writes serialized messages to the wire.
type Sender interface {
	Send(msg sip.Message) error
}

// branchOf extracts the branch parameter of the top Via.
func branchOf(msg sip.Message) string {
	var via *sip.ViaHeader
	switch m := msg.(type) {
	case *sip.Request:
		via = m.Via()
	case *sip.Response:
		via = m.Via()
	}
	if via == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}

// methodOf extracts the CSeq method, which distinguishes a CANCEL from
// the INVITE it targets on the same branch.
func methodOf(msg sip.Message) string {
	var cseq *sip.CSeqHeader
	switch m := msg.(type) {
	case *sip.Request:
		cseq = m.CSeq()
	case *sip.Response:
		cseq = m.CSeq()
	}
	if cseq == nil {
		return ""
	}
	return string(cseq.MethodName)
}

func txKey(branch, method string) string {
	return branch + "|" + method
}
