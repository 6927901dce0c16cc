// Package transport поддерживает одно постоянное соединение с SIP edge
// на аккаунт: фрейминг сообщений, автоматический reconnect с backoff и
// сигналы состояния соединения.
package transport

import (
	"errors"
	"math/rand"
	"sync/atomic"
	"time"
)

// State состояние соединения.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrClosed соединение закрыто вызовом Close.
	ErrClosed = errors.New("transport: closed")
	// ErrNotConnected нет активного соединения для отправки.
	ErrNotConnected = errors.New("transport: not connected")
)

// Stats счетчики соединения. Читаются атомарно.
type Stats struct {
	FramesIn    atomic.Int64
	FramesOut   atomic.Int64
	ParseErrors atomic.Int64
	Reconnects  atomic.Int64
}

// Backoff экспоненциальная задержка с джиттером ±20%.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	attempt int
}

// Next возвращает следующую задержку и увеличивает счетчик попыток.
func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	capd := b.Cap
	if capd <= 0 {
		capd = 300 * time.Second
	}

	d := base << b.attempt
	if d > capd || d <= 0 {
		d = capd
	} else {
		b.attempt++
	}

	// ±20% jitter
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// Reset сбрасывает счетчик попыток после успешного соединения.
func (b *Backoff) Reset() {
	b.attempt = 0
}
