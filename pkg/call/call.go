package call

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/arzzra/sipua/pkg/auth"
	"github.com/arzzra/sipua/pkg/media"
	"github.com/arzzra/sipua/pkg/transaction"
)

// Direction направление звонка.
type Direction int

const (
	DirectionIncoming Direction = iota
	DirectionOutgoing
)

func (d Direction) String() string {
	if d == DirectionIncoming {
		return "INCOMING"
	}
	return "OUTGOING"
}

// HoldState трехзначный флаг удержания.
type HoldState int

const (
	HoldUnknown HoldState = iota
	HoldLocal
	HoldNone
)

func (h HoldState) String() string {
	switch h {
	case HoldLocal:
		return "LOCAL_HOLD"
	case HoldNone:
		return "NOT_ON_HOLD"
	default:
		return "UNKNOWN"
	}
}

// AccountRef все, что звонку нужно знать о владеющем аккаунте.
type AccountRef struct {
	// Key устойчивый ключ аккаунта, user@domain.
	Key         string
	AOR         sip.Uri
	DisplayName string
	Contact     sip.Uri
	Tx          *transaction.Manager
	Auth        *auth.Authenticator
}

// Info неизменяемый снимок состояния звонка. Читатели получают
// консистентный снимок без блокировок.
type Info struct {
	CallID      string
	AccountKey  string
	Direction   Direction
	LocalURI    string
	RemoteURI   string
	RemoteName  string
	State       State
	Reason      Reason
	SIPCode     int
	SIPPhrase   string
	Transition  string // "FROM→TO (reason)"
	Hold        HoldState
	StartedAt   time.Time // момент входа в STREAMS_RUNNING, zero до того
	ChangedAt   time.Time // момент последнего перехода
}

// Duration длительность разговора на момент вызова.
func (i *Info) Duration() time.Duration {
	if i.StartedAt.IsZero() {
		return 0
	}
	if i.State.IsTerminal() {
		return i.ChangedAt.Sub(i.StartedAt)
	}
	return time.Since(i.StartedAt)
}

// LogEntry запись журнала звонков. Неизменяема после создания.
type LogEntry struct {
	ID        string
	Direction Direction
	To        string
	From      string
	Contact   string
	StartTime time.Time
	Duration  time.Duration
	Outcome   Outcome
	LocalAddr string
}

// Call один звонок. Мутируется только машиной состояний; внешние
// читатели берут снимок через Snapshot.
type Call struct {
	id  string
	acc AccountRef

	mu sync.Mutex

	direction Direction

	localURI    sip.Uri
	remoteURI   sip.Uri
	remoteName  string
	localTag    string
	remoteTag   string
	remoteTgt   sip.Uri // remote Contact
	hasRemote   bool
	routeSet    []sip.Uri
	localSDP    string
	remoteSDP   string
	inviteBr    string       // branch исходного INVITE
	invite      *sip.Request // оригинальный INVITE дословно
	inviteTx    *transaction.ClientTx
	serverTx    *transaction.ServerTx // для входящего INVITE
	cseq        map[string]uint32     // per-method
	remoteCSeq  uint32
	hold        HoldState
	cancelled   bool // локальный CANCEL отправлен
	authRetried bool

	engine   media.Engine
	declined bool

	fsm *fsm.FSM

	createdAt time.Time
	streamsAt time.Time

	snapshot atomic.Pointer[Info]

	// события сериализуются очередью; см. machine.go
	events chan func()
	doneCh chan struct{}
}

func newCall(id string, acc AccountRef, dir Direction) *Call {
	c := &Call{
		id:        id,
		acc:       acc,
		direction: dir,
		cseq:      make(map[string]uint32),
		hold:      HoldUnknown,
		createdAt: time.Now(),
		events:    make(chan func(), 64),
		doneCh:    make(chan struct{}),
	}
	c.snapshot.Store(&Info{
		CallID:     id,
		AccountKey: acc.Key,
		Direction:  dir,
		State:      StateIdle,
		Hold:       HoldUnknown,
		ChangedAt:  c.createdAt,
	})
	return c
}

// ID возвращает Call-ID.
func (c *Call) ID() string { return c.id }

// Account возвращает владеющий аккаунт.
func (c *Call) Account() AccountRef { return c.acc }

// Snapshot возвращает последний опубликованный снимок.
func (c *Call) Snapshot() *Info { return c.snapshot.Load() }

// Done закрывается при достижении терминального состояния.
func (c *Call) Done() <-chan struct{} { return c.doneCh }

// nextCSeq выдает следующий CSeq для метода. Монотонно неубывающий в
// пределах диалога.
func (c *Call) nextCSeq(method sip.RequestMethod) uint32 {
	key := method.String()
	// ACK и CANCEL используют номер INVITE.
	if method == sip.ACK || method == sip.CANCEL {
		return c.cseq[sip.INVITE.String()]
	}
	c.cseq[key]++
	return c.cseq[key]
}

// peekCSeq текущий CSeq метода без инкремента.
func (c *Call) peekCSeq(method sip.RequestMethod) uint32 {
	return c.cseq[method.String()]
}

// setEngine привязывает media engine к звонку.
func (c *Call) setEngine(eng media.Engine) {
	c.mu.Lock()
	c.engine = eng
	c.mu.Unlock()
}

// getEngine возвращает media engine звонка, nil до привязки.
func (c *Call) getEngine() media.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// post ставит событие в очередь звонка. События обрабатываются строго
// в порядке поступления одним потребителем. После терминального
// состояния события не принимаются; возвращается false.
func (c *Call) post(f func()) bool {
	select {
	case <-c.doneCh:
		return false
	default:
	}
	select {
	case <-c.doneCh:
		return false
	case c.events <- f:
		return true
	}
}

// loop единственный потребитель очереди событий звонка.
func (c *Call) loop() {
	for {
		select {
		case f := <-c.events:
			f()
		case <-c.doneCh:
			for {
				select {
				case f := <-c.events:
					f()
				default:
					return
				}
			}
		}
	}
}
