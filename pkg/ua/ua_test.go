package ua

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipua/pkg/call"
	"github.com/arzzra/sipua/pkg/dtmf"
	"github.com/arzzra/sipua/pkg/media"
	"github.com/arzzra/sipua/pkg/registration"
)

// edge is a scripted fake SIP edge on the server half of a pipe.
type edge struct {
	t      *testing.T
	conns  chan net.Conn
	conn   net.Conn
	br     *bufio.Reader
	parser *sip.Parser
}

func newEdge(t *testing.T) (*edge, Option) {
	e := &edge{t: t, conns: make(chan net.Conn, 4), parser: sip.NewParser()}
	dial := func(ctx context.Context) (net.Conn, error) {
		client, srv := net.Pipe()
		e.conns <- srv
		return client, nil
	}
	return e, WithDialer(dial)
}

// accept takes the next UA connection.
func (e *edge) accept() {
	e.t.Helper()
	select {
	case c := <-e.conns:
		e.conn = c
		e.br = bufio.NewReader(c)
	case <-time.After(2 * time.Second):
		e.t.Fatal("UA did not dial the edge")
	}
}

// read returns the next inbound frame.
func (e *edge) read() sip.Message {
	e.t.Helper()
	type result struct {
		msg sip.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := readEdgeFrame(e.br)
		if err != nil {
			ch <- result{nil, err}
			return
		}
		msg, err := e.parser.ParseSIP(raw)
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		require.NoError(e.t, r.err)
		return r.msg
	case <-time.After(2 * time.Second):
		e.t.Fatal("no frame from UA")
		return nil
	}
}

// readRequest reads frames until a request of the given method arrives.
func (e *edge) readRequest(method sip.RequestMethod) *sip.Request {
	e.t.Helper()
	for i := 0; i < 8; i++ {
		if req, ok := e.read().(*sip.Request); ok && req.Method == method {
			return req
		}
	}
	e.t.Fatalf("no %s from UA", method)
	return nil
}

func (e *edge) send(msg sip.Message) {
	e.t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := e.conn.Write([]byte(msg.String()))
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(e.t, err)
	case <-time.After(2 * time.Second):
		e.t.Fatal("UA did not read the frame")
	}
}

func readEdgeFrame(br *bufio.Reader) ([]byte, error) {
	var sb strings.Builder
	contentLength := 0
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sb.WriteString(line)
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if name, value, ok := strings.Cut(trimmed, ":"); ok {
			if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
				if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
					contentLength = n
				}
			}
		}
	}
	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, err
		}
		sb.Write(body)
	}
	return []byte(sb.String()), nil
}

func (e *edge) ok(req *sip.Request, mods ...func(*sip.Response)) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	for _, mod := range mods {
		mod(res)
	}
	e.send(res)
}

func withExpires(secs int) func(*sip.Response) {
	return func(res *sip.Response) {
		res.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", secs)))
	}
}

func withToTag(tag string) func(*sip.Response) {
	return func(res *sip.Response) {
		res.To().Params = res.To().Params.Add("tag", tag)
	}
}

func withSDP(body string) func(*sip.Response) {
	return func(res *sip.Response) {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		res.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(body))))
		res.SetBody([]byte(body))
	}
}

const edgeSDP = "v=0\r\no=- 9 9 IN IP4 198.51.100.7\r\ns=-\r\nc=IN IP4 198.51.100.7\r\nt=0 0\r\nm=audio 5004 RTP/AVP 0\r\na=sendrecv\r\n"

type nopEngine struct{ sdp string }

func (n *nopEngine) CreateOffer() (string, error)                  { return n.sdp, nil }
func (n *nopEngine) CreateAnswer(string) (string, error)           { return n.sdp, nil }
func (n *nopEngine) SetRemoteDescription(string, media.SDPKind) error { return nil }
func (n *nopEngine) SetAudioEnabled(bool) error                    { return nil }
func (n *nopEngine) SetMuted(bool) error                           { return nil }
func (n *nopEngine) InsertDTMF([]byte) error                       { return nil }
func (n *nopEngine) Dispose() error                                { return nil }

func testUA(t *testing.T) (*UserAgent, *edge) {
	t.Helper()
	e, dialOpt := newEdge(t)
	u := New(
		dialOpt,
		WithUserAgentString("sipua-test/1.0"),
		WithTimeouts(2*time.Second, 2*time.Second),
		WithTransportBackoff(20*time.Millisecond, 100*time.Millisecond),
		WithEngineFactory(func() (media.Engine, error) {
			return &nopEngine{sdp: edgeSDP}, nil
		}),
	)
	t.Cleanup(u.Close)
	return u, e
}

func testAccount() Account {
	return Account{
		User:     "alice",
		Domain:   "ex.test",
		Password: "secret",
		Edge:     "edge.ex.test:5060",
	}
}

// registerOK drives a registration to OK on the edge side.
func registerOK(t *testing.T, u *UserAgent, e *edge) {
	t.Helper()
	require.NoError(t, u.Register(testAccount()))
	e.accept()
	reg := e.readRequest(sip.REGISTER)
	e.ok(reg, withExpires(3600), withToTag("regtag"))

	require.Eventually(t, func() bool {
		sum, ok := u.RegistrationStates().Load()
		return ok && sum.States["alice@ex.test"] == registration.StateOK
	}, 2*time.Second, 10*time.Millisecond)

	sum, _ := u.RegistrationStates().Load()
	assert.Equal(t, "1/1 registered", sum.Text)
}

func TestRegisterThroughWire(t *testing.T) {
	u, e := testUA(t)
	registerOK(t, u, e)
}

func TestOutgoingCallEndToEnd(t *testing.T) {
	u, e := testUA(t)
	registerOK(t, u, e)

	callID, err := u.MakeCall("alice@ex.test", "bob@ex.test")
	require.NoError(t, err)

	invite := e.readRequest(sip.INVITE)
	assert.Equal(t, "application/sdp", invite.GetHeader("Content-Type").Value())

	e.send(sip.NewResponseFromRequest(invite, 100, "Trying", nil))

	ringing := sip.NewResponseFromRequest(invite, 180, "Ringing", nil)
	withToTag("bobtag")(ringing)
	e.send(ringing)

	answer := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	withToTag("bobtag")(answer)
	answer.AppendHeader(sip.NewHeader("Contact", "<sip:bob@198.51.100.7:5060>"))
	withSDP(edgeSDP)(answer)
	e.send(answer)

	ack := e.readRequest(sip.ACK)
	assert.Equal(t, invite.CSeq().SeqNo, ack.CSeq().SeqNo)

	u.OnMediaState(callID, media.ConnConnected)
	require.Eventually(t, func() bool {
		info, ok := u.CallState().Load()
		return ok && info.State == call.StateStreamsRunning
	}, 2*time.Second, 10*time.Millisecond)

	// DTMF over INFO while streams are running.
	require.NoError(t, u.SendDTMF('5', 120*time.Millisecond, nil))
	info := e.readRequest(sip.INFO)
	assert.Equal(t, "application/dtmf-relay", info.GetHeader("Content-Type").Value())
	assert.Equal(t, "Signal=5\nDuration=120\n", string(info.Body()))
	e.ok(info, withToTag("bobtag"))

	require.Eventually(t, func() bool {
		st, ok := u.DTMFQueueStatus().Load()
		return ok && st.Pending == 0 && !st.Draining
	}, 2*time.Second, 10*time.Millisecond)

	logs, logCancel := u.CallLog().Subscribe()
	defer logCancel()

	require.NoError(t, u.Hangup())
	bye := e.readRequest(sip.BYE)
	e.ok(bye, withToTag("bobtag"))

	select {
	case entry := <-logs:
		assert.Equal(t, call.OutcomeSuccess, entry.Outcome)
		assert.Greater(t, entry.Duration, time.Duration(0))
	case <-time.After(2 * time.Second):
		t.Fatal("no call log entry")
	}

	label, ok := u.LastTransition().Load()
	require.True(t, ok)
	assert.Contains(t, label, "ENDED")
}

func TestIncomingOptionsAnswered(t *testing.T) {
	u, e := testUA(t)
	registerOK(t, u, e)

	var target sip.Uri
	require.NoError(t, sip.ParseUri("sip:alice@ex.test", &target))
	opt := sip.NewRequest(sip.OPTIONS, target)
	opt.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "TCP",
		Host:            "edge.ex.test",
		Params:          sip.NewParams().Add("branch", "z9hG4bKopt1"),
	})
	opt.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "edge", Host: "ex.test"},
		Params:  sip.NewParams().Add("tag", "edgetag"),
	})
	opt.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	cid := sip.CallIDHeader("opt-1@ex.test")
	opt.AppendHeader(&cid)
	opt.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	mf := sip.MaxForwardsHeader(70)
	opt.AppendHeader(&mf)
	e.send(opt)

	msg := e.read()
	res, ok := msg.(*sip.Response)
	require.True(t, ok)
	assert.Equal(t, 200, res.StatusCode)
	require.NotNil(t, res.GetHeader("Allow"))
	assert.Contains(t, res.GetHeader("Allow").Value(), "INVITE")
}

func TestNetworkDropDuringCall(t *testing.T) {
	u, e := testUA(t)
	registerOK(t, u, e)

	callID, err := u.MakeCall("alice@ex.test", "bob@ex.test")
	require.NoError(t, err)

	invite := e.readRequest(sip.INVITE)
	answer := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	withToTag("bobtag")(answer)
	answer.AppendHeader(sip.NewHeader("Contact", "<sip:bob@198.51.100.7:5060>"))
	withSDP(edgeSDP)(answer)
	e.send(answer)
	e.readRequest(sip.ACK)

	u.OnMediaState(callID, media.ConnConnected)
	require.Eventually(t, func() bool {
		info, ok := u.CallState().Load()
		return ok && info.State == call.StateStreamsRunning
	}, 2*time.Second, 10*time.Millisecond)

	// The edge drops the connection mid-call.
	e.conn.Close()

	require.Eventually(t, func() bool {
		info, ok := u.CallState().Load()
		return ok && info.State == call.StateError && info.Reason == call.ReasonNetworkError
	}, 2*time.Second, 10*time.Millisecond)

	// The transport reconnects and the account re-registers.
	e.accept()
	rereg := e.readRequest(sip.REGISTER)
	e.ok(rereg, withExpires(3600), withToTag("regtag"))
	require.Eventually(t, func() bool {
		sum, ok := u.RegistrationStates().Load()
		return ok && sum.States["alice@ex.test"] == registration.StateOK
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendDTMFWithExplicitMode(t *testing.T) {
	u, e := testUA(t)
	registerOK(t, u, e)

	_, err := u.MakeCall("alice@ex.test", "bob@ex.test")
	require.NoError(t, err)
	invite := e.readRequest(sip.INVITE)
	answer := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	withToTag("bobtag")(answer)
	withSDP(edgeSDP)(answer)
	e.send(answer)
	e.readRequest(sip.ACK)

	require.Eventually(t, func() bool {
		info, ok := u.CallState().Load()
		return ok && info.State == call.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	// RFC2833 goes to the media engine, nothing on the wire.
	mode := dtmf.ModeRFC2833
	require.NoError(t, u.SendDTMF('9', 0, &mode))

	require.Eventually(t, func() bool {
		st, ok := u.DTMFQueueStatus().Load()
		return ok && st.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
}
