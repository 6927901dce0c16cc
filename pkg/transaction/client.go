package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// ClientTx is one outstanding client transaction. Responses are
// delivered in arrival order on Responses; a terminal error (timeout,
// cancel, network, shutdown) is delivered once on Errors.
type ClientTx struct {
	request *sip.Request
	branch  string
	method  string

	responses chan *sip.Response
	errs      chan error
	done      chan struct{}

	timer *time.Timer

	mu         sync.Mutex
	terminated bool
	final      *sip.Response
}

func newClientTx(req *sip.Request, branch string, timeout time.Duration, onExpire func(*ClientTx)) *ClientTx {
	tx := &ClientTx{
		request:   req,
		branch:    branch,
		method:    req.Method.String(),
		responses: make(chan *sip.Response, 8),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}
	tx.timer = time.AfterFunc(timeout, func() { onExpire(tx) })
	return tx
}

// Request returns the request this transaction was created for.
func (tx *ClientTx) Request() *sip.Request { return tx.request }

// Branch returns the Via branch of the request.
func (tx *ClientTx) Branch() string { return tx.branch }

// Responses delivers provisional and final responses in arrival order.
func (tx *ClientTx) Responses() <-chan *sip.Response { return tx.responses }

// Errors delivers the terminal error, if any.
func (tx *ClientTx) Errors() <-chan error { return tx.errs }

// Done is closed when the transaction terminates.
func (tx *ClientTx) Done() <-chan struct{} { return tx.done }

// Final returns the final response once terminated, nil otherwise.
func (tx *ClientTx) Final() *sip.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.final
}

// deliver hands a response to the consumer. A final response terminates
// the transaction: the transport is reliable, no absorb period is
// needed.
func (tx *ClientTx) deliver(res *sip.Response) (terminal bool) {
	tx.mu.Lock()
	if tx.terminated {
		tx.mu.Unlock()
		return true
	}
	terminal = res.StatusCode >= 200
	if terminal {
		tx.terminated = true
		tx.final = res
		tx.timer.Stop()
	}
	tx.mu.Unlock()

	select {
	case tx.responses <- res:
	default:
		// Consumer is far behind; it will still observe the final via Final().
	}
	if terminal {
		close(tx.done)
	}
	return terminal
}

// fail terminates the transaction with err. No-op if already terminated.
func (tx *ClientTx) fail(err error) {
	tx.mu.Lock()
	if tx.terminated {
		tx.mu.Unlock()
		return
	}
	tx.terminated = true
	tx.timer.Stop()
	tx.mu.Unlock()

	tx.errs <- err
	close(tx.done)
}

// WaitFinal blocks until a final (>=200) response, a terminal error, or
// ctx expiry. Provisional responses are skipped.
func (tx *ClientTx) WaitFinal(ctx context.Context) (*sip.Response, error) {
	for {
		select {
		case res := <-tx.responses:
			if res.StatusCode >= 200 {
				return res, nil
			}
		case err := <-tx.errs:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
