package transaction

import (
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// ServerTx is an inbound request awaiting responses. A retransmitted
// request on the same branch replays the last response instead of being
// surfaced again.
type ServerTx struct {
	request *sip.Request
	branch  string
	sender  Sender

	mu       sync.Mutex
	last     *sip.Response
	toTag    string
	finished bool
}

func newServerTx(req *sip.Request, branch string, sender Sender) *ServerTx {
	return &ServerTx{request: req, branch: branch, sender: sender}
}

// Request returns the inbound request.
func (tx *ServerTx) Request() *sip.Request { return tx.request }

// Branch returns the Via branch of the request.
func (tx *ServerTx) Branch() string { return tx.branch }

// RespondOption mutates the response before it is sent.
type RespondOption func(*sip.Response)

// WithBody sets a typed body on the response.
func WithBody(contentType string, body []byte) RespondOption {
	return func(res *sip.Response) {
		res.AppendHeader(sip.NewHeader("Content-Type", contentType))
		res.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(body))))
		res.SetBody(body)
	}
}

// WithHeader appends an extra header to the response.
func WithHeader(name, value string) RespondOption {
	return func(res *sip.Response) {
		res.AppendHeader(sip.NewHeader(name, value))
	}
}

// SetToTag fixes the local tag this transaction stamps on the To header
// of every response it sends. The first assignment wins; the tag must
// stay stable for the dialog lifetime.
func (tx *ServerTx) SetToTag(tag string) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.toTag == "" {
		tx.toTag = tag
	}
}

// ToTag returns the local tag, empty until SetToTag.
func (tx *ServerTx) ToTag() string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.toTag
}

// Respond builds a response from the stored request and sends it. A
// final response (>=200) completes the transaction; later Respond calls
// on a completed transaction fail except for replays handled internally.
func (tx *ServerTx) Respond(statusCode int, reason string, opts ...RespondOption) error {
	res := sip.NewResponseFromRequest(tx.request, statusCode, reason, nil)
	for _, o := range opts {
		o(res)
	}

	tx.mu.Lock()
	if tx.toTag != "" {
		if to := res.To(); to != nil {
			// Replaces any tag the response builder generated.
			to.Params = to.Params.Add("tag", tx.toTag)
		}
	}
	if tx.finished && statusCode >= 200 {
		tx.mu.Unlock()
		return fmt.Errorf("transaction: final response already sent for branch %s", tx.branch)
	}
	tx.last = res
	if statusCode >= 200 {
		tx.finished = true
	}
	tx.mu.Unlock()

	return tx.sender.Send(res)
}

// Finished reports whether a final response has been sent.
func (tx *ServerTx) Finished() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.finished
}

// replay re-sends the last response for a retransmitted request.
func (tx *ServerTx) replay() {
	tx.mu.Lock()
	res := tx.last
	tx.mu.Unlock()
	if res != nil {
		tx.sender.Send(res)
	}
}
