package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
)

// DialFunc открывает соединение с SIP edge. По умолчанию net.Dialer по
// TCP; тесты и TLS подставляют свое.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Handler callbacks соединения. OnMessage вызывается из read loop
// соединения; обработчик обязан не блокировать надолго.
type Handler struct {
	OnMessage func(sip.Message)
	OnState   func(State)
}

// Conn постоянное двунаправленное соединение с SIP edge.
type Conn struct {
	addr string
	dial DialFunc
	h    Handler
	log  *slog.Logger

	writeTimeout time.Duration
	backoff      Backoff

	parser *sip.Parser

	mu sync.Mutex // guards nc
	nc net.Conn

	closed atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	Stats Stats
}

// Option настраивает Conn.
type Option func(*Conn)

// WithDialer подставляет свой dialer (TLS, in-memory pipe в тестах).
func WithDialer(d DialFunc) Option {
	return func(c *Conn) { c.dial = d }
}

// WithWriteTimeout таймаут записи кадра, по умолчанию 10 секунд.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

// WithLogger логгер соединения.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// WithBackoff параметры reconnect backoff.
func WithBackoff(base, cap time.Duration) Option {
	return func(c *Conn) { c.backoff = Backoff{Base: base, Cap: cap} }
}

// NewConn создает соединение до addr. Соединение не устанавливается до
// вызова Start.
func NewConn(addr string, h Handler, opts ...Option) *Conn {
	c := &Conn{
		addr:         addr,
		h:            h,
		log:          slog.Default(),
		writeTimeout: 10 * time.Second,
		backoff:      Backoff{Base: 2 * time.Second, Cap: 300 * time.Second},
		parser:       sip.NewParser(),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.dial == nil {
		c.dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if c.h.OnMessage == nil {
		c.h.OnMessage = func(sip.Message) {}
	}
	if c.h.OnState == nil {
		c.h.OnState = func(State) {}
	}
	c.log = c.log.With(slog.String("transport", addr))
	return c
}

// Start запускает цикл соединения: dial, read loop, reconnect с backoff
// до вызова Close.
func (c *Conn) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	for {
		if c.closed.Load() || ctx.Err() != nil {
			return
		}

		c.h.OnState(StateConnecting)
		nc, err := c.dial(ctx)
		if err != nil {
			if c.closed.Load() || ctx.Err() != nil {
				return
			}
			delay := c.backoff.Next()
			c.log.Debug("dial failed, will retry",
				slog.Any("error", err),
				slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		c.mu.Lock()
		c.nc = nc
		c.mu.Unlock()
		c.backoff.Reset()
		c.h.OnState(StateConnected)
		c.log.Debug("connected", slog.String("remote", nc.RemoteAddr().String()))

		err = c.readLoop(nc)

		c.mu.Lock()
		c.nc = nil
		c.mu.Unlock()
		nc.Close()

		if c.closed.Load() || ctx.Err() != nil {
			return
		}
		c.Stats.Reconnects.Add(1)
		c.h.OnState(StateDisconnected)
		c.log.Info("connection lost", slog.Any("error", err))
	}
}

// readLoop читает кадры до ошибки чтения.
func (c *Conn) readLoop(nc net.Conn) error {
	br := bufio.NewReaderSize(nc, 64*1024)
	for {
		raw, err := readFrame(br)
		if err != nil {
			return err
		}
		msg, perr := c.parser.ParseSIP(raw)
		if perr != nil {
			// Битый кадр: фиксируем и продолжаем, соединение живо.
			c.Stats.ParseErrors.Add(1)
			c.log.Warn("dropping malformed frame", slog.Any("error", perr))
			continue
		}
		c.Stats.FramesIn.Add(1)
		c.h.OnMessage(msg)
	}
}

// readFrame читает один SIP кадр: блок заголовков до пустой строки,
// затем тело длиной Content-Length.
func readFrame(br *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	contentLength := 0

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF && buf.Len() == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read header line: %w", err)
		}
		buf.WriteString(line)

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if name, value, ok := strings.Cut(trimmed, ":"); ok {
			if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
				if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n >= 0 {
					contentLength = n
				}
			}
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		buf.Write(body)
	}
	return buf.Bytes(), nil
}

// Send сериализует и пишет сообщение в соединение.
func (c *Conn) Send(msg sip.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc == nil {
		return ErrNotConnected
	}

	if c.writeTimeout > 0 {
		nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer nc.SetWriteDeadline(time.Time{})
	}
	if _, err := nc.Write([]byte(msg.String())); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	c.Stats.FramesOut.Add(1)
	return nil
}

// Connected сообщает, есть ли активное соединение.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc != nil && !c.closed.Load()
}

// Close закрывает соединение навсегда.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	nc := c.nc
	c.nc = nil
	c.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
	if c.cancel != nil {
		<-c.done
	}
	c.h.OnState(StateClosed)
	return nil
}
