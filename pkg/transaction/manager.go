package transaction

import (
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// RequestHandler receives inbound requests that did not match an
// existing server transaction. ACKs bypass server transactions entirely
// and go to the AckHandler instead.
type RequestHandler func(tx *ServerTx)

// AckHandler receives ACK requests. ACK for a 2xx is its own
// "transaction" in name only; it is delivered directly.
type AckHandler func(req *sip.Request)

// Manager owns all in-flight transactions of one connection.
type Manager struct {
	sender Sender
	log    *slog.Logger

	inviteTimeout  time.Duration
	requestTimeout time.Duration

	onRequest RequestHandler
	onAck     AckHandler

	mu      sync.Mutex
	clients map[string]*ClientTx
	servers map[string]*ServerTx
	closed  bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// WithTimeouts overrides the INVITE and non-INVITE final-response
// timeouts.
func WithTimeouts(invite, nonInvite time.Duration) ManagerOption {
	return func(m *Manager) {
		m.inviteTimeout = invite
		m.requestTimeout = nonInvite
	}
}

// WithRequestHandler sets the inbound request callback.
func WithRequestHandler(h RequestHandler) ManagerOption {
	return func(m *Manager) { m.onRequest = h }
}

// WithAckHandler sets the ACK callback.
func WithAckHandler(h AckHandler) ManagerOption {
	return func(m *Manager) { m.onAck = h }
}

// NewManager creates a transaction manager writing to sender.
func NewManager(sender Sender, opts ...ManagerOption) *Manager {
	m := &Manager{
		sender:         sender,
		log:            slog.Default(),
		inviteTimeout:  DefaultInviteTimeout,
		requestTimeout: DefaultRequestTimeout,
		clients:        make(map[string]*ClientTx),
		servers:        make(map[string]*ServerTx),
		onRequest:      func(*ServerTx) {},
		onAck:          func(*sip.Request) {},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Request registers a client transaction for req and sends it. The
// request must already carry a Via with a branch.
func (m *Manager) Request(req *sip.Request) (*ClientTx, error) {
	branch := branchOf(req)
	if branch == "" {
		return nil, ErrMissingVia
	}

	timeout := m.requestTimeout
	if req.Method == sip.INVITE {
		timeout = m.inviteTimeout
	}

	tx := newClientTx(req, branch, timeout, m.expire)
	key := txKey(branch, req.Method.String())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		tx.timer.Stop()
		return nil, ErrTerminated
	}
	m.clients[key] = tx
	m.mu.Unlock()

	if err := m.sender.Send(req); err != nil {
		m.remove(tx)
		tx.fail(ErrNetwork)
		return nil, err
	}

	m.log.Debug("client transaction started",
		slog.String("method", req.Method.String()),
		slog.String("branch", branch))
	return tx, nil
}

// SendDirect writes a message outside any transaction. Used for ACK to
// 2xx, which is matched by the peer on the dialog, not on a transaction.
func (m *Manager) SendDirect(msg sip.Message) error {
	return m.sender.Send(msg)
}

// HandleMessage dispatches one inbound message. Wire it to the transport
// message callback.
func (m *Manager) HandleMessage(msg sip.Message) {
	switch v := msg.(type) {
	case *sip.Response:
		m.handleResponse(v)
	case *sip.Request:
		m.handleRequest(v)
	}
}

func (m *Manager) handleResponse(res *sip.Response) {
	branch := branchOf(res)
	method := methodOf(res)
	key := txKey(branch, method)

	m.mu.Lock()
	tx := m.clients[key]
	m.mu.Unlock()

	if tx == nil {
		m.log.Debug("response matches no transaction",
			slog.Int("status", res.StatusCode),
			slog.String("branch", branch),
			slog.String("method", method))
		return
	}

	if tx.deliver(res) {
		m.remove(tx)
	}
}

func (m *Manager) handleRequest(req *sip.Request) {
	if req.Method == sip.ACK {
		m.onAck(req)
		return
	}

	branch := branchOf(req)
	key := txKey(branch, req.Method.String())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if existing := m.servers[key]; existing != nil {
		m.mu.Unlock()
		existing.replay()
		return
	}
	tx := newServerTx(req, branch, m.sender)
	m.servers[key] = tx
	m.mu.Unlock()

	m.onRequest(tx)
}

// expire is the final-response timeout callback.
func (m *Manager) expire(tx *ClientTx) {
	m.remove(tx)
	tx.fail(ErrTimeout)
}

// Cancel terminates a client transaction locally, surfacing a CANCELLED
// outcome to its consumer. This does not emit a SIP CANCEL; callers
// build that themselves when the protocol requires one.
func (m *Manager) Cancel(tx *ClientTx) {
	m.remove(tx)
	tx.fail(ErrCancelled)
}

func (m *Manager) remove(tx *ClientTx) {
	key := txKey(tx.branch, tx.method)
	m.mu.Lock()
	if m.clients[key] == tx {
		delete(m.clients, key)
	}
	m.mu.Unlock()
}

// ReleaseServer drops a completed server transaction from the match
// table once the dialog layer is done with it.
func (m *Manager) ReleaseServer(tx *ServerTx) {
	key := txKey(tx.branch, tx.request.Method.String())
	m.mu.Lock()
	if m.servers[key] == tx {
		delete(m.servers, key)
	}
	m.mu.Unlock()
}

// FailAll surfaces a network error to every in-flight client
// transaction. Called when the transport drops.
func (m *Manager) FailAll() {
	m.mu.Lock()
	txs := make([]*ClientTx, 0, len(m.clients))
	for _, tx := range m.clients {
		txs = append(txs, tx)
	}
	m.clients = make(map[string]*ClientTx)
	m.mu.Unlock()

	for _, tx := range txs {
		tx.fail(ErrNetwork)
	}
}

// InFlight returns the number of outstanding client transactions.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Terminate shuts the manager down, failing all in-flight transactions.
func (m *Manager) Terminate() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	txs := make([]*ClientTx, 0, len(m.clients))
	for _, tx := range m.clients {
		txs = append(txs, tx)
	}
	m.clients = make(map[string]*ClientTx)
	m.servers = make(map[string]*ServerTx)
	m.mu.Unlock()

	for _, tx := range txs {
		tx.fail(ErrTerminated)
	}
}
