package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer returns a DialFunc handing out the client halves of
// net.Pipe and a channel of the matching server halves.
func pipeDialer() (DialFunc, chan net.Conn) {
	server := make(chan net.Conn, 4)
	dial := func(ctx context.Context) (net.Conn, error) {
		client, srv := net.Pipe()
		server <- srv
		return client, nil
	}
	return dial, server
}

func collectMessages() (Handler, chan sip.Message, chan State) {
	msgs := make(chan sip.Message, 16)
	states := make(chan State, 16)
	return Handler{
		OnMessage: func(m sip.Message) { msgs <- m },
		OnState:   func(s State) { states <- s },
	}, msgs, states
}

func waitState(t *testing.T, states chan State, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("did not reach state %v", want)
		}
	}
}

const inboundOptions = "OPTIONS sip:alice@ex.test SIP/2.0\r\n" +
	"Via: SIP/2.0/TCP edge.ex.test;branch=z9hG4bKtest1\r\n" +
	"From: <sip:edge@ex.test>;tag=srv1\r\n" +
	"To: <sip:alice@ex.test>\r\n" +
	"Call-ID: opt-1@ex.test\r\n" +
	"CSeq: 1 OPTIONS\r\n" +
	"Max-Forwards: 70\r\n" +
	"Content-Length: 0\r\n" +
	"\r\n"

func TestConnReceiveFrames(t *testing.T) {
	dial, server := pipeDialer()
	h, msgs, states := collectMessages()
	c := NewConn("edge.ex.test:5060", h, WithDialer(dial))
	c.Start(context.Background())
	defer c.Close()

	srv := <-server
	waitState(t, states, StateConnected)

	go srv.Write([]byte(inboundOptions))

	select {
	case m := <-msgs:
		req, ok := m.(*sip.Request)
		require.True(t, ok)
		assert.Equal(t, sip.OPTIONS, req.Method)
		assert.Equal(t, "opt-1@ex.test", req.CallID().Value())
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	assert.EqualValues(t, 1, c.Stats.FramesIn.Load())
}

func TestConnFramesWithBody(t *testing.T) {
	dial, server := pipeDialer()
	h, msgs, states := collectMessages()
	c := NewConn("edge.ex.test:5060", h, WithDialer(dial))
	c.Start(context.Background())
	defer c.Close()

	srv := <-server
	waitState(t, states, StateConnected)

	body := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nt=0 0\r\n"
	frame := "INVITE sip:alice@ex.test SIP/2.0\r\n" +
		"Via: SIP/2.0/TCP edge.ex.test;branch=z9hG4bKinv1\r\n" +
		"From: <sip:carol@ex.test>;tag=c1\r\n" +
		"To: <sip:alice@ex.test>\r\n" +
		"Call-ID: inv-1@ex.test\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Max-Forwards: 70\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: " + itoa(len(body)) + "\r\n" +
		"\r\n" + body

	// Two frames back to back must split cleanly on Content-Length.
	go srv.Write([]byte(frame + inboundOptions))

	var got []sip.Message
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case m := <-msgs:
			got = append(got, m)
		case <-deadline:
			t.Fatalf("received %d of 2 frames", len(got))
		}
	}

	inv := got[0].(*sip.Request)
	assert.Equal(t, sip.INVITE, inv.Method)
	assert.Equal(t, body, string(inv.Body()))
	opt := got[1].(*sip.Request)
	assert.Equal(t, sip.OPTIONS, opt.Method)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [8]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

func TestConnDropsMalformedFrame(t *testing.T) {
	dial, server := pipeDialer()
	h, msgs, states := collectMessages()
	c := NewConn("edge.ex.test:5060", h, WithDialer(dial))
	c.Start(context.Background())
	defer c.Close()

	srv := <-server
	waitState(t, states, StateConnected)

	garbage := "THIS IS NOT SIP AT ALL\r\n\r\n"
	go srv.Write([]byte(garbage + inboundOptions))

	select {
	case m := <-msgs:
		// Only the valid frame survives.
		req := m.(*sip.Request)
		assert.Equal(t, sip.OPTIONS, req.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after garbage was not delivered")
	}
	assert.EqualValues(t, 1, c.Stats.ParseErrors.Load())
}

func TestConnSend(t *testing.T) {
	dial, server := pipeDialer()
	h, _, states := collectMessages()
	c := NewConn("edge.ex.test:5060", h, WithDialer(dial))
	c.Start(context.Background())
	defer c.Close()

	srv := <-server
	waitState(t, states, StateConnected)

	var uri sip.Uri
	require.NoError(t, sip.ParseUri("sip:ex.test", &uri))
	req := sip.NewRequest(sip.REGISTER, uri)
	req.AppendHeader(sip.NewHeader("Call-ID", "reg-1@ex.test"))

	var wg sync.WaitGroup
	wg.Add(1)
	var line string
	go func() {
		defer wg.Done()
		br := bufio.NewReader(srv)
		line, _ = br.ReadString('\n')
	}()

	require.NoError(t, c.Send(req))
	wg.Wait()
	assert.Contains(t, line, "REGISTER sip:ex.test SIP/2.0")
}

func TestConnReconnects(t *testing.T) {
	dial, server := pipeDialer()
	h, _, states := collectMessages()
	c := NewConn("edge.ex.test:5060", h,
		WithDialer(dial),
		WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	c.Start(context.Background())
	defer c.Close()

	srv := <-server
	waitState(t, states, StateConnected)

	// Drop the connection from the server side.
	srv.Close()
	waitState(t, states, StateDisconnected)

	// A new dial must follow.
	select {
	case <-server:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect attempt")
	}
	waitState(t, states, StateConnected)
	assert.EqualValues(t, 1, c.Stats.Reconnects.Load())
}

func TestConnSendAfterClose(t *testing.T) {
	dial, _ := pipeDialer()
	h, _, states := collectMessages()
	c := NewConn("edge.ex.test:5060", h, WithDialer(dial))
	c.Start(context.Background())
	waitState(t, states, StateConnected)
	require.NoError(t, c.Close())

	var uri sip.Uri
	require.NoError(t, sip.ParseUri("sip:ex.test", &uri))
	err := c.Send(sip.NewRequest(sip.REGISTER, uri))
	assert.ErrorIs(t, err, ErrClosed)
}
