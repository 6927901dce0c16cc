package call

import (
	"sync"
	"time"
)

// reapGrace время удержания терминального звонка в хранилище для
// поглощения поздних ретрансмиссий BYE/ACK.
const reapGrace = 5 * time.Second

// Store хранилище звонков по Call-ID. Единственная разделяемая
// мутабельная структура; блокировка держится только на время операции
// над map, никогда поверх I/O.
type Store struct {
	mu    sync.Mutex
	calls map[string]*Call
}

// NewStore создает пустое хранилище.
func NewStore() *Store {
	return &Store{calls: make(map[string]*Call)}
}

// Insert добавляет звонок. Возвращает false, если Call-ID уже занят:
// инвариант — не более одного активного звонка на Call-ID.
func (s *Store) Insert(c *Call) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calls[c.id]; exists {
		return false
	}
	s.calls[c.id] = c
	return true
}

// Get возвращает звонок по Call-ID.
func (s *Store) Get(callID string) (*Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	return c, ok
}

// Active возвращает все нетерминальные звонки.
func (s *Store) Active() []*Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Call
	for _, c := range s.calls {
		if !c.Snapshot().State.IsTerminal() {
			out = append(out, c)
		}
	}
	return out
}

// ByAccount возвращает нетерминальные звонки аккаунта.
func (s *Store) ByAccount(key string) []*Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Call
	for _, c := range s.calls {
		if c.acc.Key == key && !c.Snapshot().State.IsTerminal() {
			out = append(out, c)
		}
	}
	return out
}

// Len количество звонков в хранилище, включая доживающие grace.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// reapLater удаляет звонок после grace окна.
func (s *Store) reapLater(c *Call) {
	time.AfterFunc(reapGrace, func() {
		s.mu.Lock()
		if s.calls[c.id] == c {
			delete(s.calls, c.id)
		}
		s.mu.Unlock()
	})
}
