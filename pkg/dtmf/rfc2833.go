package dtmf

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/pion/rtp"
)

// telephone-event работает на тактовой частоте 8000 Гц.
const eventClockRate = 8000

// Sender собирает RTP пакеты telephone-event (RFC 4733) для передачи
// через media engine. Начальный пакет с маркером, промежуточный пакет
// обновления длительности, затем завершающий с выставленным end флагом,
// отправленный трижды для надежности.
type Sender struct {
	payloadType uint8
	ssrc        uint32
	seq         uint16
	timestamp   uint32
	volume      uint8 // -dBm, 0..63
}

// NewSender создает отправитель с указанным payload type из SDP
// (обычно 101).
func NewSender(payloadType uint8) *Sender {
	return &Sender{
		payloadType: payloadType,
		ssrc:        rand.Uint32(),
		seq:         uint16(rand.Intn(1 << 16)),
		timestamp:   rand.Uint32(),
		volume:      10,
	}
}

// SetSSRC фиксирует SSRC аудио потока, чтобы события вписались в него.
func (s *Sender) SetSSRC(ssrc uint32) { s.ssrc = ssrc }

// eventPayload 4 байта payload по RFC 4733 §2.3.
func eventPayload(event uint8, end bool, volume uint8, duration uint16) []byte {
	b := make([]byte, 4)
	b[0] = event
	b[1] = volume & 0x3f
	if end {
		b[1] |= 0x80
	}
	b[2] = byte(duration >> 8)
	b[3] = byte(duration)
	return b
}

// Packets генерирует последовательность пакетов для одной цифры.
func (s *Sender) Packets(digit rune, duration time.Duration) ([]*rtp.Packet, error) {
	event, ok := digitCode(digit)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDigit, digit)
	}
	if duration <= 0 {
		duration = DefaultDuration
	}
	samples := uint16(duration.Seconds() * eventClockRate)

	var packets []*rtp.Packet
	add := func(end bool, dur uint16, marker bool) {
		s.seq++
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    s.payloadType,
				SequenceNumber: s.seq,
				Timestamp:      s.timestamp,
				SSRC:           s.ssrc,
			},
			Payload: eventPayload(event, end, s.volume, dur),
		})
	}

	// Начало события: marker bit, нулевая длительность.
	add(false, 0, true)
	// Обновление в середине события.
	add(false, samples/2, false)
	// Завершение, трижды.
	for i := 0; i < 3; i++ {
		add(true, samples, false)
	}

	// Следующее событие начинается после этого.
	s.timestamp += uint32(samples)
	return packets, nil
}

// Marshal сериализует пакеты в байтовые кадры для передачи engine.
func Marshal(packets []*rtp.Packet) ([][]byte, error) {
	out := make([][]byte, 0, len(packets))
	for _, p := range packets {
		raw, err := p.Marshal()
		if err != nil {
			return nil, fmt.Errorf("dtmf: marshal rtp: %w", err)
		}
		out = append(out, raw)
	}
	return out, nil
}
