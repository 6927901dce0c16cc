// Package ua is the top-level user agent: it owns one transport
// connection per account, routes inbound traffic to the registration
// manager and the call machine, exposes the public call control API,
// and publishes the observable state streams.
//
// A UserAgent is constructed explicitly at startup and passed around;
// there is no process-wide instance.
package ua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/call"
	"github.com/arzzra/sipua/pkg/dtmf"
	"github.com/arzzra/sipua/pkg/media"
	"github.com/arzzra/sipua/pkg/observe"
	"github.com/arzzra/sipua/pkg/registration"
	"github.com/arzzra/sipua/pkg/transaction"
	"github.com/arzzra/sipua/pkg/transport"
)

var (
	// ErrNoActiveCall no call to act on.
	ErrNoActiveCall = errors.New("ua: no active call")
	// ErrUnknownAccount the account is not registered with this UA.
	ErrUnknownAccount = errors.New("ua: unknown account")
)

// AppEvent is an application lifecycle event routed by the broker.
type AppEvent int

const (
	AppForeground AppEvent = iota
	AppBackground
	AppWillTerminate
	AppDataAvailable
	AppDataUnavailable
)

// Account is the public account description.
type Account struct {
	User        string
	Domain      string
	DisplayName string
	Password    string

	// Edge is the SIP edge address host:port this account connects to.
	Edge string

	// Expires requested registration interval; default 3600 s.
	Expires time.Duration

	// Push registration parameters, optional.
	PushProvider string
	PushPRID     string
	PushParam    string
}

// Key returns user@domain.
func (a Account) Key() string { return a.User + "@" + a.Domain }

type uaAccount struct {
	acc  registration.Account
	edge string
	conn *transport.Conn
	txm  *transaction.Manager
	ref  call.AccountRef
}

// UserAgent is the composed SIP client core.
type UserAgent struct {
	log       *slog.Logger
	userAgent string

	engineFactory call.EngineFactory
	dtmfMode      dtmf.Mode
	dtmfGap       time.Duration
	dialer        transport.DialFunc // test override, nil in production

	inviteTimeout time.Duration
	ueTimeout     time.Duration // non-INVITE
	backoffBase   time.Duration
	backoffCap    time.Duration
	metrics       *metrics

	store   *call.Store
	machine *call.Machine
	reg     *registration.Manager

	mu       sync.Mutex
	accounts map[string]*uaAccount
	queues   map[string]*dtmf.Queue // callID -> queue
	closed   bool

	// Observables.
	callInfo       *observe.Value[*call.Info]
	lastTransition *observe.Value[string]
	dtmfStatus     *observe.Value[dtmf.QueueStatus]
	callLog        *observe.Value[call.LogEntry]
}

// New constructs a UserAgent.
func New(opts ...Option) *UserAgent {
	ua := &UserAgent{
		log:           slog.Default(),
		userAgent:     "sipua/1.0",
		dtmfMode:      dtmf.ModeINFO,
		dtmfGap:       dtmf.DefaultGap,
		inviteTimeout: transaction.DefaultInviteTimeout,
		ueTimeout:     transaction.DefaultRequestTimeout,
		engineFactory: func() (media.Engine, error) {
			return nil, errors.New("ua: no media engine factory configured")
		},
		accounts:       make(map[string]*uaAccount),
		queues:         make(map[string]*dtmf.Queue),
		callInfo:       observe.NewValue[*call.Info](),
		lastTransition: observe.NewValue[string](),
		dtmfStatus:     observe.NewValue[dtmf.QueueStatus](),
		callLog:        observe.NewValue[call.LogEntry](),
	}
	for _, o := range opts {
		o(ua)
	}
	if ua.metrics == nil {
		ua.metrics = newMetrics(nil)
	}

	ua.store = call.NewStore()
	ua.machine = call.NewMachine(ua.store,
		call.WithLogger(ua.log),
		call.WithUserAgent(ua.userAgent),
		call.WithEngineFactory(ua.engineFactory),
		call.WithInfoHandler(ua.onCallInfo),
		call.WithLogHandler(ua.onCallLog),
	)
	ua.reg = registration.NewManager(
		registration.WithLogger(ua.log),
		registration.WithUserAgent(ua.userAgent),
	)
	return ua
}

// onCallInfo fans a machine transition out to the observables, the DTMF
// queues, and the metrics.
func (ua *UserAgent) onCallInfo(info *call.Info) {
	ua.callInfo.Publish(info)
	ua.lastTransition.Publish(info.Transition)
	ua.metrics.observeTransition(info)

	// Leaving the DTMF-capable states flushes the call's queue.
	if info.State != call.StateConnected && info.State != call.StateStreamsRunning {
		ua.mu.Lock()
		q := ua.queues[info.CallID]
		if info.State.IsTerminal() {
			delete(ua.queues, info.CallID)
		}
		ua.mu.Unlock()
		if q != nil {
			q.Flush()
			if info.State.IsTerminal() {
				q.Close()
			}
		}
	}
}

func (ua *UserAgent) onCallLog(entry call.LogEntry) {
	ua.metrics.observeOutcome(entry)
	ua.callLog.Publish(entry)
}

// Register connects the account's transport and starts registration.
func (ua *UserAgent) Register(acc Account) error {
	if acc.Edge == "" {
		return fmt.Errorf("ua: account %s has no edge address", acc.Key())
	}

	ua.mu.Lock()
	if ua.closed {
		ua.mu.Unlock()
		return errors.New("ua: closed")
	}
	if _, exists := ua.accounts[acc.Key()]; exists {
		ua.mu.Unlock()
		return registration.ErrAlreadyRegistered
	}
	ua.mu.Unlock()

	regAcc := registration.Account{
		User:         acc.User,
		Domain:       acc.Domain,
		DisplayName:  acc.DisplayName,
		Password:     acc.Password,
		Expires:      acc.Expires,
		PushProvider: acc.PushProvider,
		PushPRID:     acc.PushPRID,
		PushParam:    acc.PushParam,
	}
	key := acc.Key()

	a := &uaAccount{acc: regAcc, edge: acc.Edge}

	var txm *transaction.Manager
	connOpts := []transport.Option{
		transport.WithLogger(ua.log),
	}
	if ua.dialer != nil {
		connOpts = append(connOpts, transport.WithDialer(ua.dialer))
	}
	if ua.backoffBase > 0 {
		connOpts = append(connOpts, transport.WithBackoff(ua.backoffBase, ua.backoffCap))
	}
	conn := transport.NewConn(acc.Edge, transport.Handler{
		OnMessage: func(msg sip.Message) { txm.HandleMessage(msg) },
		OnState:   func(st transport.State) { ua.onTransportState(key, st) },
	}, connOpts...)

	txm = transaction.NewManager(conn,
		transaction.WithLogger(ua.log),
		transaction.WithTimeouts(ua.inviteTimeout, ua.ueTimeout),
		transaction.WithRequestHandler(func(tx *transaction.ServerTx) { ua.route(key, tx) }),
		transaction.WithAckHandler(ua.machine.HandleAck),
	)

	contact := sip.Uri{
		Scheme: "sip",
		User:   acc.User,
		Host:   contactHost(acc.Edge),
		Port:   5060,
	}
	aor := sip.Uri{Scheme: "sip", User: acc.User, Host: acc.Domain}

	a.conn = conn
	a.txm = txm
	a.ref = call.AccountRef{
		Key:         key,
		AOR:         aor,
		DisplayName: acc.DisplayName,
		Contact:     contact,
		Tx:          txm,
		Auth:        ua.reg.AuthFor(regAcc),
	}

	ua.mu.Lock()
	ua.accounts[key] = a
	ua.mu.Unlock()

	conn.Start(context.Background())
	if err := ua.reg.Register(regAcc, registration.Deps{Tx: txm, Contact: contact}); err != nil {
		ua.mu.Lock()
		delete(ua.accounts, key)
		ua.mu.Unlock()
		conn.Close()
		return err
	}
	return nil
}

// contactHost derives the local contact host from the edge address.
// It returns the host part of the edge address with any port stripped.
// Real deployments learn it from the transport; for this core the edge
// host is sufficient for a client behind an outbound proxy.
func contactHost(edge string) string {
	host := edge
	if i := strings.LastIndexByte(edge, ':'); i > 0 {
		host = edge[:i]
	}
	return host
}

// Unregister clears the registration and tears the transport down.
func (ua *UserAgent) Unregister(key string) error {
	ua.mu.Lock()
	a, ok := ua.accounts[key]
	if ok {
		delete(ua.accounts, key)
	}
	ua.mu.Unlock()
	if !ok {
		return ErrUnknownAccount
	}

	err := ua.reg.Unregister(key)
	a.txm.Terminate()
	a.conn.Close()
	return err
}

// route dispatches an inbound request to the right component.
func (ua *UserAgent) route(accountKey string, tx *transaction.ServerTx) {
	ua.mu.Lock()
	a := ua.accounts[accountKey]
	ua.mu.Unlock()
	if a == nil {
		tx.Respond(sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}

	req := tx.Request()
	switch req.Method {
	case sip.INVITE:
		ua.machine.HandleInvite(a.ref, tx)
	case sip.BYE:
		ua.machine.HandleBye(tx)
	case sip.CANCEL:
		ua.machine.HandleCancel(tx)
	case sip.OPTIONS:
		tx.Respond(sip.StatusOK, "OK",
			transaction.WithHeader("Allow", "INVITE, ACK, BYE, CANCEL, OPTIONS, INFO"))
	case sip.INFO:
		// Inbound DTMF relay is acknowledged and left to the media plane.
		tx.Respond(sip.StatusOK, "OK")
	default:
		tx.Respond(sip.StatusMethodNotAllowed, "Method Not Allowed",
			transaction.WithHeader("Allow", "INVITE, ACK, BYE, CANCEL, OPTIONS, INFO"))
	}
}

// onTransportState fans connection state to registration and calls.
func (ua *UserAgent) onTransportState(accountKey string, st transport.State) {
	switch st {
	case transport.StateConnected:
		ua.reg.OnTransportUp(accountKey)
	case transport.StateDisconnected, transport.StateClosed:
		ua.mu.Lock()
		a := ua.accounts[accountKey]
		ua.mu.Unlock()
		if a != nil {
			a.txm.FailAll()
		}
		ua.machine.OnTransportDown(accountKey)
		if st == transport.StateDisconnected {
			ua.reg.OnTransportDown(accountKey)
		}
	}
}

// MakeCall places an outgoing call from the given account.
func (ua *UserAgent) MakeCall(fromAccount, destination string) (string, error) {
	ua.mu.Lock()
	a := ua.accounts[fromAccount]
	ua.mu.Unlock()
	if a == nil {
		return "", ErrUnknownAccount
	}

	if !strings.Contains(destination, ":") {
		destination = "sip:" + destination
	}
	var dest sip.Uri
	if err := sip.ParseUri(destination, &dest); err != nil {
		return "", fmt.Errorf("ua: parse destination: %w", err)
	}

	eng, err := ua.engineFactory()
	if err != nil {
		return "", fmt.Errorf("ua: media engine: %w", err)
	}

	c, err := ua.machine.PlaceCall(a.ref, dest, eng)
	if err != nil {
		eng.Dispose()
		return "", err
	}
	return c.ID(), nil
}

// active returns the current non-terminal call; if there are several, the
// one whose state changed most recently.
func (ua *UserAgent) active() (*call.Call, error) {
	calls := ua.store.Active()
	if len(calls) == 0 {
		return nil, ErrNoActiveCall
	}
	best := calls[0]
	for _, c := range calls[1:] {
		if c.Snapshot().ChangedAt.After(best.Snapshot().ChangedAt) {
			best = c
		}
	}
	return best, nil
}

// Accept answers the incoming call.
func (ua *UserAgent) Accept() error {
	c, err := ua.active()
	if err != nil {
		return err
	}
	return ua.machine.Accept(c.ID())
}

// Decline rejects the incoming call with 603.
func (ua *UserAgent) Decline() error {
	c, err := ua.active()
	if err != nil {
		return err
	}
	return ua.machine.Decline(c.ID())
}

// Hangup ends the active call.
func (ua *UserAgent) Hangup() error {
	c, err := ua.active()
	if err != nil {
		return err
	}
	return ua.machine.Hangup(c.ID())
}

// Hold puts the active call on hold.
func (ua *UserAgent) Hold() error {
	c, err := ua.active()
	if err != nil {
		return err
	}
	return ua.machine.Hold(c.ID())
}

// Resume takes the active call off hold.
func (ua *UserAgent) Resume() error {
	c, err := ua.active()
	if err != nil {
		return err
	}
	return ua.machine.Resume(c.ID())
}

// SendDTMF queues a digit on the active call. Zero duration uses the
// default; the mode defaults to the UA-configured one.
func (ua *UserAgent) SendDTMF(digit rune, duration time.Duration, mode *dtmf.Mode) error {
	c, err := ua.active()
	if err != nil {
		return err
	}
	q := ua.queueFor(c)

	m := ua.dtmfMode
	if mode != nil {
		m = *mode
	}
	if err := q.Enqueue(dtmf.Request{Digit: digit, Duration: duration, Mode: m}); err != nil {
		return err
	}
	ua.metrics.dtmfQueued.WithLabelValues(m.String()).Inc()
	return nil
}

// queueFor returns the call's DTMF queue, creating it on first use.
func (ua *UserAgent) queueFor(c *call.Call) *dtmf.Queue {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	if q, ok := ua.queues[c.ID()]; ok {
		return q
	}
	callID := c.ID()
	q := dtmf.NewQueue(
		func() bool {
			st := c.Snapshot().State
			return st == call.StateConnected || st == call.StateStreamsRunning
		},
		func(signal string, durationMs int) error {
			return ua.machine.SendInfo(callID, signal, durationMs)
		},
		func(payload []byte) error {
			return ua.machine.InsertDTMF(callID, payload)
		},
		dtmf.WithLogger(ua.log),
		dtmf.WithGap(ua.dtmfGap),
	)
	ua.queues[callID] = q

	// Mirror the queue status into the UA-level observable.
	go func() {
		ch, cancel := q.Status().Subscribe()
		defer cancel()
		for {
			select {
			case st := <-ch:
				ua.dtmfStatus.Publish(st)
			case <-q.Done():
				return
			}
		}
	}()
	return q
}

// OnMediaState forwards a media engine event for the given call.
func (ua *UserAgent) OnMediaState(callID string, st media.ConnState) {
	ua.machine.OnMediaState(callID, st)
}

// SetAppState routes application lifecycle events.
func (ua *UserAgent) SetAppState(ev AppEvent) {
	switch ev {
	case AppForeground:
		ua.reg.ExitPushMode()
	case AppBackground:
		ua.reg.EnterPushMode()
	case AppWillTerminate:
		ua.Close()
	case AppDataUnavailable:
		for key := range ua.accountKeys() {
			ua.reg.OnTransportDown(key)
		}
	case AppDataAvailable:
		for key := range ua.accountKeys() {
			ua.reg.OnTransportUp(key)
		}
	}
}

func (ua *UserAgent) accountKeys() map[string]struct{} {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	keys := make(map[string]struct{}, len(ua.accounts))
	for k := range ua.accounts {
		keys[k] = struct{}{}
	}
	return keys
}

// Observables.

// RegistrationStates is the aggregated per-account registration map.
func (ua *UserAgent) RegistrationStates() *observe.Coalescing[registration.Summary] {
	return ua.reg.Summary()
}

// CallState is the detailed call state stream.
func (ua *UserAgent) CallState() *observe.Value[*call.Info] { return ua.callInfo }

// LastTransition is the "FROM→TO (reason)" label stream.
func (ua *UserAgent) LastTransition() *observe.Value[string] { return ua.lastTransition }

// DTMFQueueStatus is the queue status of the active call.
func (ua *UserAgent) DTMFQueueStatus() *observe.Value[dtmf.QueueStatus] { return ua.dtmfStatus }

// CallLog is the stream of completed call log entries.
func (ua *UserAgent) CallLog() *observe.Value[call.LogEntry] { return ua.callLog }

// CallDuration returns the wall-clock duration of the active call.
func (ua *UserAgent) CallDuration() time.Duration {
	c, err := ua.active()
	if err != nil {
		return 0
	}
	return c.Snapshot().Duration()
}

// Close shuts the UA down: calls hung up best-effort within 2 s,
// registration loops stopped, transports closed.
func (ua *UserAgent) Close() {
	ua.mu.Lock()
	if ua.closed {
		ua.mu.Unlock()
		return
	}
	ua.closed = true
	accounts := make([]*uaAccount, 0, len(ua.accounts))
	for _, a := range ua.accounts {
		accounts = append(accounts, a)
	}
	queues := make([]*dtmf.Queue, 0, len(ua.queues))
	for _, q := range ua.queues {
		queues = append(queues, q)
	}
	ua.mu.Unlock()

	ua.machine.Shutdown(context.Background())
	for _, q := range queues {
		q.Close()
	}
	ua.reg.Close()
	for _, a := range accounts {
		a.txm.Terminate()
		a.conn.Close()
	}
}
