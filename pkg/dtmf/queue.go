package dtmf

import (
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/sipua/pkg/observe"
)

// SendInfoFunc шлет SIP INFO с цифрой; реализуется машиной звонков.
type SendInfoFunc func(signal string, durationMs int) error

// InsertFunc передает сериализованный telephone-event пакет media
// engine.
type InsertFunc func(payload []byte) error

// ActiveFunc сообщает, находится ли звонок в состоянии, допускающем
// отправку DTMF (CONNECTED или STREAMS_RUNNING).
type ActiveFunc func() bool

// Queue очередь DTMF одного звонка. Строгий FIFO; после каждой цифры
// пауза duration + gap до следующей.
type Queue struct {
	log      *slog.Logger
	gap      time.Duration
	active   ActiveFunc
	sendInfo SendInfoFunc
	insert   InsertFunc
	sender   *Sender

	status *observe.Value[QueueStatus]

	mu       sync.Mutex
	pending  []Request
	draining bool
	closed   bool

	wake chan struct{}
	done chan struct{}
}

// QueueOption настраивает очередь.
type QueueOption func(*Queue)

// WithGap межцифровая пауза, по умолчанию 40 мс.
func WithGap(gap time.Duration) QueueOption {
	return func(q *Queue) { q.gap = gap }
}

// WithLogger логгер очереди.
func WithLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.log = l }
}

// WithSender отправитель RFC 2833 пакетов (по умолчанию payload type
// 101).
func WithSender(s *Sender) QueueOption {
	return func(q *Queue) { q.sender = s }
}

// NewQueue создает очередь и запускает drainer.
func NewQueue(active ActiveFunc, sendInfo SendInfoFunc, insert InsertFunc, opts ...QueueOption) *Queue {
	q := &Queue{
		log:      slog.Default(),
		gap:      DefaultGap,
		active:   active,
		sendInfo: sendInfo,
		insert:   insert,
		sender:   NewSender(101),
		status:   observe.NewValue[QueueStatus](),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.publish()
	go q.drain()
	return q
}

// Status наблюдаемое состояние очереди.
func (q *Queue) Status() *observe.Value[QueueStatus] { return q.status }

// Done закрывается при остановке очереди.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Enqueue ставит цифру в очередь.
func (q *Queue) Enqueue(req Request) error {
	if !ValidDigit(req.Digit) {
		return ErrInvalidDigit
	}
	if req.Duration <= 0 {
		req.Duration = DefaultDuration
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, req)
	q.mu.Unlock()

	q.publish()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Flush сбрасывает очередь; ожидающие цифры считаются прерванными.
func (q *Queue) Flush() []Request {
	q.mu.Lock()
	aborted := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(aborted) > 0 {
		digits := make([]rune, len(aborted))
		for i, r := range aborted {
			digits[i] = r.Digit
		}
		q.log.Info("dtmf queue flushed",
			slog.String("aborted", string(digits)))
	}
	q.publish()
	return aborted
}

// Close останавливает drainer; оставшиеся цифры прерываются.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.Flush()
	close(q.done)
}

func (q *Queue) publish() {
	q.mu.Lock()
	digits := make([]rune, len(q.pending))
	for i, r := range q.pending {
		digits[i] = r.Digit
	}
	st := QueueStatus{
		Pending:  len(q.pending),
		Draining: q.draining,
		Digits:   string(digits),
	}
	q.mu.Unlock()
	q.status.Publish(st)
}

// pop снимает голову очереди, если звонок активен.
func (q *Queue) pop() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.pending) == 0 || !q.active() {
		q.draining = false
		return Request{}, false
	}
	req := q.pending[0]
	q.pending = q.pending[1:]
	q.draining = true
	return req, true
}

func (q *Queue) drain() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			req, ok := q.pop()
			if !ok {
				q.publish()
				break
			}
			q.publish()

			if err := q.send(req); err != nil {
				q.log.Warn("dtmf send failed",
					slog.String("digit", string(req.Digit)),
					slog.String("mode", req.Mode.String()),
					slog.Any("error", err))
			}

			// Темп: длительность цифры плюс межцифровая пауза.
			select {
			case <-q.done:
				return
			case <-time.After(req.Duration + q.gap):
			}
		}
	}
}

func (q *Queue) send(req Request) error {
	switch req.Mode {
	case ModeRFC2833:
		packets, err := q.sender.Packets(req.Digit, req.Duration)
		if err != nil {
			return err
		}
		frames, err := Marshal(packets)
		if err != nil {
			return err
		}
		for _, f := range frames {
			if err := q.insert(f); err != nil {
				return err
			}
		}
		return nil
	default:
		return q.sendInfo(string(req.Digit), int(req.Duration.Milliseconds()))
	}
}
