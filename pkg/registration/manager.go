package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/sipua/pkg/auth"
	"github.com/arzzra/sipua/pkg/observe"
	"github.com/arzzra/sipua/pkg/transaction"
	"github.com/arzzra/sipua/pkg/transport"
)

var (
	// ErrUnknownAccount no such registered account.
	ErrUnknownAccount = errors.New("registration: unknown account")
	// ErrAlreadyRegistered the account already has a loop.
	ErrAlreadyRegistered = errors.New("registration: account already registered")
)

// summaryWindow coalesces burst emissions of the aggregate observable.
const summaryWindow = 50 * time.Millisecond

// Deps is what an account loop needs from the owning UA.
type Deps struct {
	Tx      *transaction.Manager
	Contact sip.Uri
}

type command struct {
	kind commandKind
	done chan error
}

type commandKind int

const (
	cmdRegister commandKind = iota
	cmdRefresh
	cmdUnregister
	cmdPushEnter
	cmdPushExit
	cmdTransportUp
	cmdTransportDown
)

type entry struct {
	acc     Account
	deps    Deps
	authn   *auth.Authenticator
	state   State
	pushOn  bool
	callID  string
	fromTag string
	cseq    uint32

	backoff      transport.Backoff
	refreshTimer *time.Timer
	retryTimer   *time.Timer

	cmds   chan command
	cancel context.CancelFunc
}

// Manager runs registration loops for all accounts.
type Manager struct {
	log       *slog.Logger
	userAgent string

	mu       sync.Mutex
	accounts map[string]*entry
	// authCache survives unregister: the only per-account residue a
	// register→unregister→register cycle is allowed to keep.
	authCache map[string]*auth.Authenticator

	summary *observe.Coalescing[Summary]
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithUserAgent sets the User-Agent header value.
func WithUserAgent(ua string) Option {
	return func(m *Manager) { m.userAgent = ua }
}

// NewManager creates an empty registration manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:       slog.Default(),
		userAgent: "sipua",
		accounts:  make(map[string]*entry),
		authCache: make(map[string]*auth.Authenticator),
		summary:   observe.NewCoalescing[Summary](summaryWindow),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Summary is the aggregated status observable, coalesced to at most one
// emission per 50 ms burst.
func (m *Manager) Summary() *observe.Coalescing[Summary] { return m.summary }

// AuthFor returns the authenticator of an account, creating it if the
// cache has none. Shared with the call machine for INVITE challenges.
func (m *Manager) AuthFor(acc Account) *auth.Authenticator {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.authCache[acc.Key()]
	if !ok {
		a = auth.New(auth.Credentials{
			Username: acc.User,
			Password: acc.Password,
			Realm:    acc.Domain,
		})
		m.authCache[acc.Key()] = a
	}
	return a
}

// Register starts the registration loop for an account.
func (m *Manager) Register(acc Account, deps Deps) error {
	if acc.Expires <= 0 {
		acc.Expires = 3600 * time.Second
	}

	m.mu.Lock()
	if _, exists := m.accounts[acc.Key()]; exists {
		m.mu.Unlock()
		return ErrAlreadyRegistered
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		acc:     acc,
		deps:    deps,
		state:   StateNone,
		callID:  uuid.NewString(),
		fromTag: uuid.NewString(),
		backoff: transport.Backoff{Base: 2 * time.Second, Cap: 300 * time.Second},
		cmds:    make(chan command, 16),
		cancel:  cancel,
	}
	m.accounts[acc.Key()] = e
	m.mu.Unlock()

	e.authn = m.AuthFor(acc)
	m.publish()

	go m.loop(ctx, e)
	m.send(e, command{kind: cmdRegister})
	return nil
}

// Unregister sends REGISTER with Expires: 0 and removes the account.
// Blocks until the wire exchange finishes or fails.
func (m *Manager) Unregister(key string) error {
	m.mu.Lock()
	e, ok := m.accounts[key]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownAccount
	}

	done := make(chan error, 1)
	m.send(e, command{kind: cmdUnregister, done: done})
	err := <-done

	m.mu.Lock()
	delete(m.accounts, key)
	m.mu.Unlock()
	e.cancel()
	m.publish()
	return err
}

// EnterPushMode re-registers every account with the push contact.
func (m *Manager) EnterPushMode() {
	for _, e := range m.entries() {
		m.send(e, command{kind: cmdPushEnter})
	}
}

// ExitPushMode restores the normal contact on every account.
func (m *Manager) ExitPushMode() {
	for _, e := range m.entries() {
		m.send(e, command{kind: cmdPushExit})
	}
}

// OnTransportDown marks the account FAILED; the loop re-registers when
// the transport recovers.
func (m *Manager) OnTransportDown(key string) {
	if e := m.entry(key); e != nil {
		m.send(e, command{kind: cmdTransportDown})
	}
}

// OnTransportUp triggers immediate re-registration after reconnect.
func (m *Manager) OnTransportUp(key string) {
	if e := m.entry(key); e != nil {
		m.send(e, command{kind: cmdTransportUp})
	}
}

// Close stops all loops without unregistering.
func (m *Manager) Close() {
	for _, e := range m.entries() {
		e.cancel()
	}
	m.summary.Stop()
}

func (m *Manager) entry(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[key]
}

func (m *Manager) entries() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entry, 0, len(m.accounts))
	for _, e := range m.accounts {
		out = append(out, e)
	}
	return out
}

func (m *Manager) send(e *entry, cmd command) {
	select {
	case e.cmds <- cmd:
	default:
		// The loop is saturated; drop refresh-class noise but never a
		// command someone is waiting on.
		if cmd.done != nil {
			e.cmds <- cmd
		}
	}
}

// publish emits the aggregate state map and summary line.
func (m *Manager) publish() {
	m.mu.Lock()
	states := make(map[string]State, len(m.accounts))
	registered := 0
	for key, e := range m.accounts {
		states[key] = e.state
		if e.state == StateOK {
			registered++
		}
	}
	total := len(m.accounts)
	m.mu.Unlock()

	m.summary.Publish(Summary{
		States: states,
		Text:   fmt.Sprintf("%d/%d registered", registered, total),
	})
}

func (m *Manager) setState(e *entry, s State) {
	m.mu.Lock()
	changed := e.state != s
	e.state = s
	m.mu.Unlock()
	if changed {
		m.log.Info("registration state",
			slog.String("account", e.acc.Key()),
			slog.String("state", s.String()))
		m.publish()
	}
}

// loop serializes all REGISTER traffic of one account: no two REGISTERs
// of the same account are ever in flight at once.
func (m *Manager) loop(ctx context.Context, e *entry) {
	for {
		select {
		case <-ctx.Done():
			e.stopTimers()
			return
		case cmd := <-e.cmds:
			m.handle(ctx, e, cmd)
		}
	}
}

func (m *Manager) handle(ctx context.Context, e *entry, cmd command) {
	switch cmd.kind {
	case cmdRegister, cmdRefresh:
		m.doRegister(ctx, e, e.acc.Expires)

	case cmdTransportUp:
		// Reconnect recovery; a live registration keeps its schedule.
		if e.state == StateOK || e.state == StateProgress || e.state == StateInProgress {
			return
		}
		e.stopTimers()
		m.doRegister(ctx, e, e.acc.Expires)

	case cmdUnregister:
		e.stopTimers()
		err := m.doRegister(ctx, e, 0)
		if cmd.done != nil {
			cmd.done <- err
		}

	case cmdPushEnter:
		if !e.pushOn {
			e.pushOn = true
			e.stopTimers()
			m.doRegister(ctx, e, e.acc.Expires)
		}

	case cmdPushExit:
		if e.pushOn {
			e.pushOn = false
			e.stopTimers()
			m.doRegister(ctx, e, e.acc.Expires)
		}

	case cmdTransportDown:
		e.stopTimers()
		if e.state == StateOK || e.state == StateProgress {
			m.setState(e, StateFailed)
		}
	}
}

func (e *entry) stopTimers() {
	if e.refreshTimer != nil {
		e.refreshTimer.Stop()
		e.refreshTimer = nil
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// contact builds the Contact header value, push parameters included in
// push mode.
func (e *entry) contact() *sip.ContactHeader {
	h := &sip.ContactHeader{Address: e.deps.Contact, Params: sip.NewParams()}
	if e.pushOn && e.acc.PushPRID != "" {
		h.Params = h.Params.Add("pn-provider", e.acc.PushProvider)
		h.Params = h.Params.Add("pn-prid", e.acc.PushPRID)
		h.Params = h.Params.Add("pn-param", e.acc.PushParam)
	}
	return h
}

// buildRegister constructs one REGISTER request.
func (m *Manager) buildRegister(e *entry, expires time.Duration) *sip.Request {
	target := sip.Uri{Scheme: "sip", Host: e.acc.Domain}
	req := sip.NewRequest(sip.REGISTER, target)

	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "TCP",
		Host:            e.deps.Contact.Host,
		Port:            e.deps.Contact.Port,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	})
	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)

	aor := sip.Uri{Scheme: "sip", User: e.acc.User, Host: e.acc.Domain}
	req.AppendHeader(&sip.FromHeader{
		DisplayName: e.acc.DisplayName,
		Address:     aor,
		Params:      sip.NewParams().Add("tag", e.fromTag),
	})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	cid := sip.CallIDHeader(e.callID)
	req.AppendHeader(&cid)
	e.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: e.cseq, MethodName: sip.REGISTER})
	req.AppendHeader(e.contact())
	exp := sip.ExpiresHeader(expires / time.Second)
	req.AppendHeader(&exp)
	req.AppendHeader(sip.NewHeader("User-Agent", m.userAgent))
	return req
}

// doRegister performs one REGISTER exchange including the single
// authenticated retry, then schedules the refresh or the retry.
func (m *Manager) doRegister(ctx context.Context, e *entry, expires time.Duration) error {
	if expires > 0 {
		if e.state == StateOK {
			m.setState(e, StateProgress)
		} else {
			m.setState(e, StateInProgress)
		}
	}

	res, err := m.exchange(ctx, e, expires)
	if err != nil {
		m.registerFailed(ctx, e, expires, err)
		return err
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		err := fmt.Errorf("registration: authentication rejected (%d %s)", res.StatusCode, res.Reason)
		m.registerFailed(ctx, e, expires, err)
		return err
	}
	if res.StatusCode != sip.StatusOK {
		err := fmt.Errorf("registration: rejected (%d %s)", res.StatusCode, res.Reason)
		m.registerFailed(ctx, e, expires, err)
		return err
	}

	e.backoff.Reset()
	if expires == 0 {
		m.setState(e, StateCleared)
		return nil
	}

	granted := grantedExpiry(res, expires)
	m.setState(e, StateOK)

	delay := refreshIn(granted)
	e.refreshTimer = time.AfterFunc(delay, func() {
		m.send(e, command{kind: cmdRefresh})
	})
	m.log.Debug("registration refresh scheduled",
		slog.String("account", e.acc.Key()),
		slog.Duration("granted", granted),
		slog.Duration("refresh_in", delay))
	return nil
}

// exchange sends REGISTER, retrying exactly once on a 401/407.
func (m *Manager) exchange(ctx context.Context, e *entry, expires time.Duration) (*sip.Response, error) {
	req := m.buildRegister(e, expires)
	tx, err := e.deps.Tx.Request(req)
	if err != nil {
		return nil, fmt.Errorf("registration: send: %w", err)
	}
	res, err := tx.WaitFinal(ctx)
	if err != nil {
		return nil, fmt.Errorf("registration: wait: %w", err)
	}

	if res.StatusCode != sip.StatusUnauthorized && res.StatusCode != sip.StatusProxyAuthRequired {
		return res, nil
	}

	retry, err := e.authn.Authorize(req, res)
	if err != nil {
		return nil, fmt.Errorf("registration: %w", err)
	}
	if via := retry.Via(); via != nil {
		via.Params = via.Params.Add("branch", sip.GenerateBranch())
	}
	if cseq := retry.CSeq(); cseq != nil {
		e.cseq++
		cseq.SeqNo = e.cseq
	}

	tx, err = e.deps.Tx.Request(retry)
	if err != nil {
		return nil, fmt.Errorf("registration: send retry: %w", err)
	}
	res, err = tx.WaitFinal(ctx)
	if err != nil {
		return nil, fmt.Errorf("registration: wait retry: %w", err)
	}
	return res, nil
}

func (m *Manager) registerFailed(ctx context.Context, e *entry, expires time.Duration, err error) {
	m.log.Warn("registration failed",
		slog.String("account", e.acc.Key()),
		slog.Any("error", err))
	if expires == 0 {
		// Unregister failures do not retry.
		m.setState(e, StateFailed)
		return
	}
	m.setState(e, StateFailed)

	delay := e.backoff.Next()
	e.retryTimer = time.AfterFunc(delay, func() {
		m.send(e, command{kind: cmdRegister})
	})
}

// grantedExpiry extracts the expiry granted by the server: the Expires
// header, else the expires parameter of the first Contact header, else the
// requested value. The server may shorten but not extend the request.
func grantedExpiry(res *sip.Response, requested time.Duration) time.Duration {
	granted := requested
	if h := res.GetHeader("Expires"); h != nil {
		if secs, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && secs > 0 {
			granted = time.Duration(secs) * time.Second
		}
	} else if h := res.GetHeader("Contact"); h != nil {
		for _, part := range strings.Split(h.Value(), ";") {
			if name, val, ok := strings.Cut(strings.TrimSpace(part), "="); ok &&
				strings.EqualFold(name, "expires") {
				if secs, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && secs > 0 {
					granted = time.Duration(secs) * time.Second
				}
			}
		}
	}
	if granted > requested {
		granted = requested
	}
	return granted
}
