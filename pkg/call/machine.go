package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/sipua/pkg/media"
	"github.com/arzzra/sipua/pkg/transaction"
)

// События машины состояний.
const (
	evPlace    = "place"
	evProgress = "progress"
	evRinging  = "ringing"
	evAnswered = "answered"
	evIncoming = "incoming"
	evAccept   = "accept"
	evMediaUp  = "media_up"
	evHold     = "hold"
	evHeld     = "held"
	evResume   = "resume"
	evResumed  = "resumed"
	evEnd      = "end"
	evEnded    = "ended"
	evFail     = "fail"
)

var (
	// ErrNoSuchCall звонок с таким Call-ID не найден.
	ErrNoSuchCall = errors.New("call: no such call")
	// ErrBadState операция недопустима в текущем состоянии.
	ErrBadState = errors.New("call: operation not allowed in this state")
	// ErrDuplicateCallID Call-ID уже занят активным звонком.
	ErrDuplicateCallID = errors.New("call: duplicate Call-ID")
)

// endFallback время ожидания ACK/487 в ENDING до принудительного ENDED.
const endFallback = 2 * time.Second

// EngineFactory создает media engine для входящего звонка.
type EngineFactory func() (media.Engine, error)

// Machine управляет жизненным циклом всех звонков. События каждого
// звонка сериализуются его собственной очередью; переходы валидируются
// конечным автоматом.
type Machine struct {
	store     *Store
	log       *slog.Logger
	userAgent string

	engineFactory EngineFactory

	onInfo func(*Info)
	onLog  func(LogEntry)
}

// MachineOption настраивает Machine.
type MachineOption func(*Machine)

// WithLogger задает логгер машины.
func WithLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) { m.log = l }
}

// WithUserAgent задает значение заголовка User-Agent.
func WithUserAgent(ua string) MachineOption {
	return func(m *Machine) { m.userAgent = ua }
}

// WithEngineFactory задает фабрику media engine для входящих звонков.
func WithEngineFactory(f EngineFactory) MachineOption {
	return func(m *Machine) { m.engineFactory = f }
}

// WithInfoHandler подписывает обработчик на каждый переход состояния.
func WithInfoHandler(h func(*Info)) MachineOption {
	return func(m *Machine) { m.onInfo = h }
}

// WithLogHandler подписывает обработчик записей журнала звонков.
func WithLogHandler(h func(LogEntry)) MachineOption {
	return func(m *Machine) { m.onLog = h }
}

// NewMachine создает машину звонков поверх хранилища.
func NewMachine(store *Store, opts ...MachineOption) *Machine {
	m := &Machine{
		store:     store,
		log:       slog.Default(),
		userAgent: "sipua",
		engineFactory: func() (media.Engine, error) {
			return nil, errors.New("call: no media engine factory configured")
		},
		onInfo: func(*Info) {},
		onLog:  func(LogEntry) {},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func newCallFSM() *fsm.FSM {
	nonTerminal := []string{
		fsIdle, fsOutgoingInit, fsOutgoingProgress, fsOutgoingRinging,
		fsIncomingReceived, fsConnected, fsStreamsRunning,
		fsPausing, fsPaused, fsResuming, fsEnding,
	}
	endable := []string{
		fsOutgoingInit, fsOutgoingProgress, fsOutgoingRinging,
		fsIncomingReceived, fsConnected, fsStreamsRunning,
		fsPausing, fsPaused, fsResuming,
	}
	return fsm.NewFSM(
		fsIdle,
		fsm.Events{
			{Name: evPlace, Src: []string{fsIdle}, Dst: fsOutgoingInit},
			{Name: evProgress, Src: []string{fsOutgoingInit}, Dst: fsOutgoingProgress},
			{Name: evRinging, Src: []string{fsOutgoingProgress}, Dst: fsOutgoingRinging},
			{Name: evAnswered, Src: []string{fsOutgoingProgress, fsOutgoingRinging}, Dst: fsConnected},
			{Name: evIncoming, Src: []string{fsIdle}, Dst: fsIncomingReceived},
			{Name: evAccept, Src: []string{fsIncomingReceived}, Dst: fsConnected},
			{Name: evMediaUp, Src: []string{fsConnected}, Dst: fsStreamsRunning},
			{Name: evHold, Src: []string{fsConnected, fsStreamsRunning}, Dst: fsPausing},
			{Name: evHeld, Src: []string{fsPausing}, Dst: fsPaused},
			{Name: evResume, Src: []string{fsPaused}, Dst: fsResuming},
			{Name: evResumed, Src: []string{fsResuming}, Dst: fsStreamsRunning},
			{Name: evEnd, Src: endable, Dst: fsEnding},
			{Name: evEnded, Src: []string{fsEnding}, Dst: fsEnded},
			{Name: evFail, Src: nonTerminal, Dst: fsError},
		},
		fsm.Callbacks{},
	)
}

// transition выполняет событие FSM и публикует новый снимок. Вызывается
// только из цикла событий звонка.
func (m *Machine) transition(c *Call, event string, reason Reason, code int, phrase string) bool {
	from := c.fsm.Current()
	if err := c.fsm.Event(context.Background(), event); err != nil {
		m.log.Debug("transition rejected",
			slog.String("call_id", c.id),
			slog.String("event", event),
			slog.String("state", from),
			slog.Any("error", err))
		return false
	}
	to := c.fsm.Current()

	now := time.Now()
	state := fsmToState[to]
	if state == StateStreamsRunning && c.streamsAt.IsZero() {
		c.streamsAt = now
	}

	prev := c.snapshot.Load()
	info := &Info{
		CallID:     c.id,
		AccountKey: c.acc.Key,
		Direction:  c.direction,
		LocalURI:   c.localURI.String(),
		RemoteURI:  c.remoteURI.String(),
		RemoteName: c.remoteName,
		State:      state,
		Reason:     reason,
		SIPCode:    code,
		SIPPhrase:  phrase,
		Hold:       c.hold,
		StartedAt:  c.streamsAt,
		ChangedAt:  now,
	}
	if info.Reason == ReasonNone {
		info.Reason = prev.Reason
	}
	if info.SIPCode == 0 {
		info.SIPCode = prev.SIPCode
		info.SIPPhrase = prev.SIPPhrase
	}
	info.Transition = fmt.Sprintf("%s→%s (%s)", fsmToState[from], state, reason)
	c.snapshot.Store(info)

	m.log.Info("call state",
		slog.String("call_id", c.id),
		slog.String("transition", info.Transition),
		slog.Int("sip_code", code))
	m.onInfo(info)

	if state.IsTerminal() {
		m.finish(c, info)
	}
	return true
}

// fail переводит звонок в ERROR с классифицированной причиной.
func (m *Machine) fail(c *Call, reason Reason, code int, phrase string) {
	if c.Snapshot().State.IsTerminal() {
		return
	}
	m.transition(c, evFail, reason, code, phrase)
}

// finish завершает звонок: журнал, утилизация media engine, grace reap.
func (m *Machine) finish(c *Call, info *Info) {
	if c.engine != nil {
		c.engine.Dispose()
	}

	entry := LogEntry{
		ID:        c.id,
		Direction: c.direction,
		To:        c.remoteURI.String(),
		From:      c.localURI.String(),
		StartTime: c.createdAt,
		Duration:  info.Duration(),
		LocalAddr: c.acc.Contact.String(),
	}
	if c.direction == DirectionIncoming {
		entry.To, entry.From = c.localURI.String(), c.remoteURI.String()
	}
	if c.hasRemote {
		entry.Contact = c.remoteTgt.String()
	}

	switch {
	case info.Reason == ReasonNormalTermination && info.Duration() > 0:
		entry.Outcome = OutcomeSuccess
	case c.declined:
		entry.Outcome = OutcomeDeclined
	case c.direction == DirectionIncoming && c.streamsAt.IsZero() && info.State != StateEnded:
		entry.Outcome = OutcomeMissed
	case c.direction == DirectionIncoming && c.streamsAt.IsZero() && info.Reason == ReasonNormalTermination:
		entry.Outcome = OutcomeMissed
	default:
		entry.Outcome = OutcomeAborted
	}

	m.onLog(entry)
	m.store.reapLater(c)
	if c.serverTx != nil {
		// Держим server транзакцию до конца grace окна для replay
		// ретрансмиссий, затем освобождаем таблицу менеджера.
		srv, mgr := c.serverTx, c.acc.Tx
		time.AfterFunc(reapGrace, func() { mgr.ReleaseServer(srv) })
	}
	close(c.doneCh)
}

// PlaceCall начинает исходящий звонок от аккаунта acc к dest.
func (m *Machine) PlaceCall(acc AccountRef, dest sip.Uri, eng media.Engine) (*Call, error) {
	offer, err := eng.CreateOffer()
	if err != nil {
		return nil, fmt.Errorf("call: create offer: %w", err)
	}

	c := newCall(uuid.NewString(), acc, DirectionOutgoing)
	c.fsm = newCallFSM()
	c.setEngine(eng)
	c.localURI = acc.AOR
	c.remoteURI = dest
	c.localTag = uuid.NewString()
	c.localSDP = offer

	if !m.store.Insert(c) {
		return nil, ErrDuplicateCallID
	}
	go c.loop()

	c.post(func() {
		branch := sip.GenerateBranch()
		c.inviteBr = branch
		req := m.buildRequest(c, sip.INVITE, dest, branch, c.nextCSeq(sip.INVITE))
		setSDPBody(req, offer)
		c.invite = req

		m.transition(c, evPlace, ReasonNone, 0, "")

		tx, err := acc.Tx.Request(req)
		if err != nil {
			m.fail(c, ReasonNetworkError, 0, "")
			return
		}
		c.inviteTx = tx
		go m.pumpInvite(c, tx)
	})
	return c, nil
}

// pumpInvite переносит ответы INVITE транзакции в очередь звонка.
func (m *Machine) pumpInvite(c *Call, tx *transaction.ClientTx) {
	for {
		select {
		case res := <-tx.Responses():
			c.post(func() { m.onInviteResponse(c, res) })
			if res.StatusCode >= 200 {
				return
			}
		case err := <-tx.Errors():
			c.post(func() { m.onInviteError(c, err) })
			return
		}
	}
}

// ensureProgress гарантирует выход из OUTGOING_INIT до обработки
// 180/2xx, пришедших без предварительного 100.
func (m *Machine) ensureProgress(c *Call) {
	if c.fsm.Current() == fsOutgoingInit {
		m.transition(c, evProgress, ReasonNone, 0, "")
	}
}

func (m *Machine) onInviteResponse(c *Call, res *sip.Response) {
	state := c.Snapshot().State
	if state.IsTerminal() {
		return
	}

	switch {
	case res.StatusCode == 100:
		m.ensureProgress(c)

	case res.StatusCode < 200:
		// 180/183: ранний диалог, remote tag стабилен с первого не-100.
		if to := res.To(); to != nil {
			if tag, ok := to.Params.Get("tag"); ok && c.remoteTag == "" {
				c.remoteTag = tag
			}
		}
		m.ensureProgress(c)
		m.transition(c, evRinging, ReasonNone, res.StatusCode, res.Reason)

	case res.StatusCode < 300:
		m.onInviteAnswered(c, res)

	case (res.StatusCode == 401 || res.StatusCode == 407) && !c.authRetried:
		m.retryInviteAuth(c, res)

	default:
		if c.cancelled && res.StatusCode == sip.StatusRequestTerminated {
			// Ожидаемый 487 после локального CANCEL.
			m.transition(c, evEnded, ReasonCancelledLocal, res.StatusCode, res.Reason)
			return
		}
		if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
			// Повторная аутентификация уже была: двойной 401/407 терминален.
			m.fail(c, ReasonAuthenticationFailed, res.StatusCode, res.Reason)
			return
		}
		m.fail(c, ClassifyStatus(res.StatusCode), res.StatusCode, res.Reason)
	}
}

func (m *Machine) onInviteAnswered(c *Call, res *sip.Response) {
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
	}
	if contact, ok := parseContact(res.GetHeader("Contact")); ok {
		c.remoteTgt = contact
		c.hasRemote = true
	}
	c.routeSet = extractRouteSet(res.GetHeaders("Record-Route"), true)
	if body := res.Body(); len(body) > 0 {
		c.remoteSDP = string(body)
		if err := c.engine.SetRemoteDescription(c.remoteSDP, media.SDPAnswer); err != nil {
			m.log.Error("apply remote answer",
				slog.String("call_id", c.id), slog.Any("error", err))
		}
	}

	// ACK на 2xx — самостоятельная отправка вне INVITE транзакции.
	if err := c.acc.Tx.SendDirect(m.buildAck(c)); err != nil {
		m.fail(c, ReasonNetworkError, 0, "")
		return
	}

	if c.cancelled {
		// Глэр: CANCEL разминулся с 200 OK. ACK уже отправлен, закрываем
		// диалог немедленным BYE.
		m.sendBye(c)
		return
	}

	m.ensureProgress(c)
	m.transition(c, evAnswered, ReasonNone, res.StatusCode, res.Reason)
}

// retryInviteAuth повторяет INVITE ровно один раз с Authorization.
func (m *Machine) retryInviteAuth(c *Call, res *sip.Response) {
	c.authRetried = true
	if c.acc.Auth == nil {
		m.fail(c, ReasonAuthenticationFailed, res.StatusCode, res.Reason)
		return
	}

	authed, err := c.acc.Auth.Authorize(c.invite, res)
	if err != nil {
		m.fail(c, ReasonAuthenticationFailed, res.StatusCode, res.Reason)
		return
	}

	// Новый branch и следующий CSeq: это новая транзакция того же звонка.
	branch := sip.GenerateBranch()
	if via := authed.Via(); via != nil {
		via.Params = via.Params.Add("branch", branch)
	}
	if cseq := authed.CSeq(); cseq != nil {
		cseq.SeqNo = c.nextCSeq(sip.INVITE)
	}
	c.invite = authed
	c.inviteBr = branch

	tx, err := c.acc.Tx.Request(authed)
	if err != nil {
		m.fail(c, ReasonNetworkError, 0, "")
		return
	}
	c.inviteTx = tx
	go m.pumpInvite(c, tx)
}

func (m *Machine) onInviteError(c *Call, err error) {
	if c.Snapshot().State.IsTerminal() {
		return
	}
	switch {
	case errors.Is(err, transaction.ErrTimeout):
		if c.cancelled {
			// 487 так и не пришел; закрываем принудительно.
			m.transition(c, evEnded, ReasonCancelledLocal, 0, "")
			return
		}
		m.fail(c, ReasonRequestTimeout, sip.StatusRequestTimeout, "Request Timeout")
	case errors.Is(err, transaction.ErrCancelled):
		m.transition(c, evEnded, ReasonCancelledLocal, 0, "")
	default:
		m.fail(c, ReasonNetworkError, 0, "")
	}
}

// HandleInvite обрабатывает входящий INVITE: новый звонок или re-INVITE
// существующего диалога.
func (m *Machine) HandleInvite(acc AccountRef, tx *transaction.ServerTx) {
	req := tx.Request()
	cid := req.CallID()
	if cid == nil {
		tx.Respond(sip.StatusBadRequest, "Bad Request")
		return
	}

	if existing, ok := m.store.Get(cid.Value()); ok {
		if !existing.post(func() { m.onReinvite(existing, tx) }) {
			tx.Respond(sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		}
		return
	}

	c := newCall(cid.Value(), acc, DirectionIncoming)
	c.fsm = newCallFSM()
	c.invite = req
	c.serverTx = tx
	c.localURI = acc.AOR
	if from := req.From(); from != nil {
		c.remoteURI = from.Address
		c.remoteName = from.DisplayName
		if tag, ok := from.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
	}
	c.localTag = uuid.NewString()
	if contact, ok := parseContact(req.GetHeader("Contact")); ok {
		c.remoteTgt = contact
		c.hasRemote = true
	}
	c.routeSet = extractRouteSet(req.GetHeaders("Record-Route"), false)
	if cseq := req.CSeq(); cseq != nil {
		c.remoteCSeq = cseq.SeqNo
	}
	if body := req.Body(); len(body) > 0 {
		c.remoteSDP = string(body)
	}

	if !m.store.Insert(c) {
		tx.Respond(sip.StatusInternalServerError, "Server Internal Error")
		return
	}
	go c.loop()

	c.post(func() {
		// 100 без tag, затем 180 с локальным tag: диалог создан нашим
		// первым не-100 ответом.
		tx.Respond(sip.StatusTrying, "Trying")
		tx.SetToTag(c.localTag)
		tx.Respond(sip.StatusRinging, "Ringing")
		m.transition(c, evIncoming, ReasonNone, 0, "")
	})
}

// Accept принимает входящий звонок: SDP answer в 200 OK.
func (m *Machine) Accept(callID string) error {
	c, ok := m.store.Get(callID)
	if !ok {
		return ErrNoSuchCall
	}
	done := make(chan error, 1)
	if !c.post(func() { done <- m.doAccept(c) }) {
		return ErrBadState
	}
	return <-done
}

func (m *Machine) doAccept(c *Call) error {
	if c.Snapshot().State != StateIncomingReceived {
		return ErrBadState
	}

	eng, err := m.engineFactory()
	if err != nil {
		c.serverTx.Respond(sip.StatusInternalServerError, "Server Internal Error")
		m.fail(c, ReasonUnknown, 0, "")
		return fmt.Errorf("call: media engine: %w", err)
	}
	c.setEngine(eng)

	if err := eng.SetRemoteDescription(c.remoteSDP, media.SDPOffer); err != nil {
		c.serverTx.Respond(sip.StatusNotAcceptableHere, "Not Acceptable Here")
		m.fail(c, ReasonIncompatibleMedia, sip.StatusNotAcceptableHere, "Not Acceptable Here")
		return err
	}
	answer, err := eng.CreateAnswer(c.remoteSDP)
	if err != nil {
		c.serverTx.Respond(sip.StatusNotAcceptableHere, "Not Acceptable Here")
		m.fail(c, ReasonIncompatibleMedia, sip.StatusNotAcceptableHere, "Not Acceptable Here")
		return err
	}
	c.localSDP = answer

	if err := c.serverTx.Respond(sip.StatusOK, "OK",
		transaction.WithBody("application/sdp", []byte(answer))); err != nil {
		m.fail(c, ReasonNetworkError, 0, "")
		return err
	}
	m.transition(c, evAccept, ReasonNone, sip.StatusOK, "OK")
	return nil
}

// Decline отклоняет входящий звонок с 603 Decline.
func (m *Machine) Decline(callID string) error {
	return m.declineWith(callID, 603, "Decline")
}

// DeclineBusy отклоняет входящий звонок с 486 Busy Here.
func (m *Machine) DeclineBusy(callID string) error {
	return m.declineWith(callID, sip.StatusBusyHere, "Busy Here")
}

func (m *Machine) declineWith(callID string, code int, phrase string) error {
	c, ok := m.store.Get(callID)
	if !ok {
		return ErrNoSuchCall
	}
	done := make(chan error, 1)
	posted := c.post(func() {
		if c.Snapshot().State != StateIncomingReceived {
			done <- ErrBadState
			return
		}
		c.declined = true
		if err := c.serverTx.Respond(code, phrase); err != nil {
			m.fail(c, ReasonNetworkError, 0, "")
			done <- err
			return
		}
		m.transition(c, evEnd, ReasonDeclined, code, phrase)
		m.scheduleEndFallback(c)
		done <- nil
	})
	if !posted {
		return ErrBadState
	}
	return <-done
}

// Hangup завершает звонок: BYE в подтвержденном диалоге, CANCEL в
// раннем, отклонение для непринятого входящего.
func (m *Machine) Hangup(callID string) error {
	c, ok := m.store.Get(callID)
	if !ok {
		return ErrNoSuchCall
	}
	done := make(chan error, 1)
	if !c.post(func() { done <- m.doHangup(c) }) {
		return ErrBadState
	}
	return <-done
}

func (m *Machine) doHangup(c *Call) error {
	state := c.Snapshot().State
	switch {
	case state.InDialog():
		m.sendBye(c)
		return nil

	case state == StateOutgoingInit || state == StateOutgoingProgress || state == StateOutgoingRinging:
		// Ранний исходящий: CANCEL на branch INVITE, ждем 487.
		c.cancelled = true
		cancel := m.buildCancel(c)
		if _, err := c.acc.Tx.Request(cancel); err != nil {
			m.fail(c, ReasonNetworkError, 0, "")
			return err
		}
		m.transition(c, evEnd, ReasonCancelledLocal, 0, "")
		m.scheduleEndFallback(c)
		return nil

	case state == StateIncomingReceived:
		c.declined = true
		if err := c.serverTx.Respond(603, "Decline"); err != nil {
			m.fail(c, ReasonNetworkError, 0, "")
			return err
		}
		m.transition(c, evEnd, ReasonDeclined, 603, "Decline")
		m.scheduleEndFallback(c)
		return nil

	case state == StateEnding:
		return nil

	default:
		return ErrBadState
	}
}

// sendBye шлет BYE и завершает звонок по финальному ответу.
func (m *Machine) sendBye(c *Call) {
	req := m.buildRequest(c, sip.BYE, c.inDialogTarget(), sip.GenerateBranch(), c.nextCSeq(sip.BYE))
	tx, err := c.acc.Tx.Request(req)
	if err != nil {
		m.fail(c, ReasonNetworkError, 0, "")
		return
	}
	m.transition(c, evEnd, ReasonNormalTermination, 0, "")
	m.scheduleEndFallback(c)

	go func() {
		res, err := tx.WaitFinal(context.Background())
		c.post(func() {
			if c.Snapshot().State != StateEnding {
				return
			}
			if err != nil {
				m.transition(c, evEnded, ReasonNormalTermination, 0, "")
				return
			}
			m.transition(c, evEnded, ReasonNormalTermination, res.StatusCode, res.Reason)
		})
	}()
}

// scheduleEndFallback страхует переход ENDING→ENDED, если подтверждение
// (200 на BYE, ACK на финальный ответ, 487) не пришло.
func (m *Machine) scheduleEndFallback(c *Call) {
	time.AfterFunc(endFallback, func() {
		c.post(func() {
			if c.Snapshot().State == StateEnding {
				prev := c.Snapshot()
				m.transition(c, evEnded, prev.Reason, prev.SIPCode, prev.SIPPhrase)
			}
		})
	})
}

// Hold локальное удержание: re-INVITE с a=sendonly.
func (m *Machine) Hold(callID string) error {
	return m.reinviteDirection(callID, "sendonly", evHold, evHeld, HoldLocal)
}

// Resume снятие с удержания: re-INVITE с a=sendrecv.
func (m *Machine) Resume(callID string) error {
	return m.reinviteDirection(callID, "sendrecv", evResume, evResumed, HoldNone)
}

func (m *Machine) reinviteDirection(callID, direction, startEv, doneEv string, target HoldState) error {
	c, ok := m.store.Get(callID)
	if !ok {
		return ErrNoSuchCall
	}
	done := make(chan error, 1)
	posted := c.post(func() {
		sdp := sdpWithDirection(c.localSDP, direction)
		req := m.buildRequest(c, sip.INVITE, c.inDialogTarget(), sip.GenerateBranch(), c.nextCSeq(sip.INVITE))
		setSDPBody(req, sdp)

		if !m.transition(c, startEv, ReasonNone, 0, "") {
			done <- ErrBadState
			return
		}
		c.localSDP = sdp

		tx, err := c.acc.Tx.Request(req)
		if err != nil {
			m.fail(c, ReasonNetworkError, 0, "")
			done <- err
			return
		}
		done <- nil

		go func() {
			res, err := tx.WaitFinal(context.Background())
			c.post(func() { m.onReinviteFinal(c, res, err, doneEv, target) })
		}()
	})
	if !posted {
		return ErrBadState
	}
	return <-done
}

func (m *Machine) onReinviteFinal(c *Call, res *sip.Response, err error, doneEv string, target HoldState) {
	if c.Snapshot().State.IsTerminal() {
		return
	}
	if err != nil {
		if errors.Is(err, transaction.ErrTimeout) {
			m.fail(c, ReasonRequestTimeout, sip.StatusRequestTimeout, "Request Timeout")
		} else {
			m.fail(c, ReasonNetworkError, 0, "")
		}
		return
	}
	if res.StatusCode >= 300 {
		m.fail(c, ClassifyStatus(res.StatusCode), res.StatusCode, res.Reason)
		return
	}

	if body := res.Body(); len(body) > 0 {
		c.remoteSDP = string(body)
		c.engine.SetRemoteDescription(c.remoteSDP, media.SDPAnswer)
	}
	c.hold = target
	if c.engine != nil {
		c.engine.SetAudioEnabled(target != HoldLocal)
	}
	// ACK на 2xx re-INVITE.
	if sendErr := c.acc.Tx.SendDirect(m.buildAck(c)); sendErr != nil {
		m.fail(c, ReasonNetworkError, 0, "")
		return
	}
	m.transition(c, doneEv, ReasonNone, res.StatusCode, res.Reason)
}

// onReinvite обрабатывает входящий re-INVITE: удержание, снятие,
// обновление SDP. В терминальном состоянии — 481.
func (m *Machine) onReinvite(c *Call, tx *transaction.ServerTx) {
	state := c.Snapshot().State
	if state.IsTerminal() {
		tx.Respond(sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	if !state.InDialog() {
		tx.Respond(491, "Request Pending")
		return
	}

	req := tx.Request()
	if cseq := req.CSeq(); cseq != nil {
		if cseq.SeqNo < c.remoteCSeq {
			tx.Respond(sip.StatusInternalServerError, "Server Internal Error")
			return
		}
		c.remoteCSeq = cseq.SeqNo
	}
	tx.SetToTag(c.localTag)

	offer := string(req.Body())
	var dir media.Direction = media.DirectionSendRecv
	if offer != "" {
		if info, err := media.InspectSDP(offer); err == nil {
			dir = info.Direction
		}
		c.remoteSDP = offer
		if c.engine != nil {
			c.engine.SetRemoteDescription(offer, media.SDPOffer)
		}
	}

	answer := c.localSDP
	if c.engine != nil && offer != "" {
		if a, err := c.engine.CreateAnswer(offer); err == nil {
			answer = a
		}
	}

	if err := tx.Respond(sip.StatusOK, "OK",
		transaction.WithBody("application/sdp", []byte(answer))); err != nil {
		m.fail(c, ReasonNetworkError, 0, "")
		return
	}

	// Зеркалим удержание, инициированное удаленной стороной.
	switch {
	case dir.Hold() && (state == StateConnected || state == StateStreamsRunning):
		m.transition(c, evHold, ReasonNone, 0, "")
		m.transition(c, evHeld, ReasonNone, 0, "")
	case !dir.Hold() && state == StatePaused && c.hold != HoldLocal:
		m.transition(c, evResume, ReasonNone, 0, "")
		m.transition(c, evResumed, ReasonNone, 0, "")
	}
}

// HandleBye обрабатывает входящий BYE.
func (m *Machine) HandleBye(tx *transaction.ServerTx) {
	req := tx.Request()
	cid := req.CallID()
	if cid == nil {
		tx.Respond(sip.StatusBadRequest, "Bad Request")
		return
	}
	c, ok := m.store.Get(cid.Value())
	if !ok {
		tx.Respond(sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}

	posted := c.post(func() {
		tx.Respond(sip.StatusOK, "OK")
		if c.Snapshot().State.IsTerminal() {
			return
		}
		if cseq := req.CSeq(); cseq != nil {
			c.remoteCSeq = cseq.SeqNo
		}
		m.transition(c, evEnd, ReasonNormalTermination, 0, "")
		m.transition(c, evEnded, ReasonNormalTermination, 0, "")
	})
	if !posted {
		// Поздняя ретрансмиссия BYE в grace окне.
		tx.Respond(sip.StatusOK, "OK")
	}
}

// HandleCancel обрабатывает входящий CANCEL непринятого INVITE.
func (m *Machine) HandleCancel(tx *transaction.ServerTx) {
	req := tx.Request()
	cid := req.CallID()
	if cid == nil {
		tx.Respond(sip.StatusBadRequest, "Bad Request")
		return
	}
	c, ok := m.store.Get(cid.Value())
	if !ok {
		tx.Respond(sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}

	posted := c.post(func() {
		tx.Respond(sip.StatusOK, "OK")
		if c.Snapshot().State != StateIncomingReceived {
			return
		}
		c.serverTx.Respond(sip.StatusRequestTerminated, "Request Terminated")
		m.transition(c, evEnd, ReasonNormalTermination, sip.StatusRequestTerminated, "Request Terminated")
		m.transition(c, evEnded, ReasonNormalTermination, sip.StatusRequestTerminated, "Request Terminated")
	})
	if !posted {
		tx.Respond(sip.StatusOK, "OK")
	}
}

// HandleAck обрабатывает ACK: подтверждение нашего финального ответа.
func (m *Machine) HandleAck(req *sip.Request) {
	cid := req.CallID()
	if cid == nil {
		return
	}
	c, ok := m.store.Get(cid.Value())
	if !ok {
		return
	}
	c.post(func() {
		if c.Snapshot().State == StateEnding {
			prev := c.Snapshot()
			m.transition(c, evEnded, prev.Reason, prev.SIPCode, prev.SIPPhrase)
		}
	})
}

// SendInfo шлет SIP INFO с DTMF цифрой внутри диалога.
func (m *Machine) SendInfo(callID string, signal string, durationMs int) error {
	c, ok := m.store.Get(callID)
	if !ok {
		return ErrNoSuchCall
	}
	done := make(chan error, 1)
	posted := c.post(func() {
		state := c.Snapshot().State
		if state != StateConnected && state != StateStreamsRunning {
			done <- ErrBadState
			return
		}
		req := m.buildRequest(c, sip.INFO, c.inDialogTarget(), sip.GenerateBranch(), c.nextCSeq(sip.INFO))
		body := fmt.Sprintf("Signal=%s\nDuration=%d\n", signal, durationMs)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
		req.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(body))))
		req.SetBody([]byte(body))

		_, err := c.acc.Tx.Request(req)
		done <- err
	})
	if !posted {
		return ErrBadState
	}
	return <-done
}

// InsertDTMF передает сериализованный telephone-event кадр media engine
// звонка. Используется RFC2833 режимом DTMF очереди.
func (m *Machine) InsertDTMF(callID string, payload []byte) error {
	c, ok := m.store.Get(callID)
	if !ok {
		return ErrNoSuchCall
	}
	eng := c.getEngine()
	if eng == nil {
		return ErrBadState
	}
	return eng.InsertDTMF(payload)
}

// OnMediaState обрабатывает событие состояния media plane.
func (m *Machine) OnMediaState(callID string, st media.ConnState) {
	c, ok := m.store.Get(callID)
	if !ok {
		return
	}
	c.post(func() {
		state := c.Snapshot().State
		switch st {
		case media.ConnConnected:
			if state == StateConnected {
				m.transition(c, evMediaUp, ReasonNone, 0, "")
			}
		case media.ConnFailed:
			if !state.IsTerminal() {
				m.fail(c, ReasonNetworkError, 0, "")
			}
		}
	})
}

// OnTransportDown переводит все активные звонки аккаунта в ERROR с
// NETWORK_ERROR.
func (m *Machine) OnTransportDown(accountKey string) {
	for _, c := range m.store.ByAccount(accountKey) {
		c := c
		c.post(func() { m.fail(c, ReasonNetworkError, 0, "") })
	}
}

// Shutdown завершает все звонки: BYE где диалог подтвержден, лучшее из
// возможного в пределах таймаута.
func (m *Machine) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	active := m.store.Active()
	for _, c := range active {
		c := c
		c.post(func() {
			if c.Snapshot().State.IsTerminal() {
				return
			}
			m.doHangup(c)
		})
	}
	for _, c := range active {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return
		}
	}
}
