package auth

import (
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRegister(t *testing.T) *sip.Request {
	t.Helper()
	var uri sip.Uri
	require.NoError(t, sip.ParseUri("sip:ex.test", &uri))
	req := sip.NewRequest(sip.REGISTER, uri)
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "ex.test"},
		Params:  sip.NewParams().Add("tag", "ftag1"),
	})
	req.AppendHeader(&sip.ToHeader{Address: uri, Params: sip.NewParams()})
	cid := sip.CallIDHeader("auth-test@ex.test")
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	return req
}

func challenge401(req *sip.Request, value string) *sip.Response {
	res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", value))
	return res
}

func TestAuthorizeQopAuth(t *testing.T) {
	a := New(Credentials{Username: "alice", Password: "secret"})
	req := makeRegister(t)
	res := challenge401(req, `Digest realm="ex.test", nonce="abc", qop="auth", algorithm=MD5`)

	retry, err := a.Authorize(req, res)
	require.NoError(t, err)

	hdr := retry.GetHeader("Authorization")
	require.NotNil(t, hdr)
	v := hdr.Value()
	assert.Contains(t, v, `username="alice"`)
	assert.Contains(t, v, `realm="ex.test"`)
	assert.Contains(t, v, `nonce="abc"`)
	assert.Contains(t, v, "nc=00000001")
	assert.Contains(t, v, "qop=auth")
	assert.Contains(t, v, `uri="sip:ex.test"`)
}

func TestAuthorizeNonceCounterAdvances(t *testing.T) {
	a := New(Credentials{Username: "alice", Password: "secret"})
	req := makeRegister(t)
	res := challenge401(req, `Digest realm="ex.test", nonce="abc", qop="auth"`)

	first, err := a.Authorize(req, res)
	require.NoError(t, err)
	second, err := a.Authorize(req, res)
	require.NoError(t, err)

	assert.Contains(t, first.GetHeader("Authorization").Value(), "nc=00000001")
	assert.Contains(t, second.GetHeader("Authorization").Value(), "nc=00000002")
}

func TestAuthorizeNewNonceResetsCounter(t *testing.T) {
	a := New(Credentials{Username: "alice", Password: "secret"})
	req := makeRegister(t)

	_, err := a.Authorize(req, challenge401(req, `Digest realm="ex.test", nonce="abc", qop="auth"`))
	require.NoError(t, err)

	// stale=true with a fresh nonce: same credentials, nc restarts.
	retry, err := a.Authorize(req, challenge401(req, `Digest realm="ex.test", nonce="def", qop="auth", stale=true`))
	require.NoError(t, err)
	assert.Contains(t, retry.GetHeader("Authorization").Value(), "nc=00000001")
	assert.Contains(t, retry.GetHeader("Authorization").Value(), `nonce="def"`)
}

func TestAuthorizeProxyChallenge(t *testing.T) {
	a := New(Credentials{Username: "alice", Password: "secret"})
	req := makeRegister(t)
	res := sip.NewResponseFromRequest(req, sip.StatusProxyAuthRequired, "Proxy Authentication Required", nil)
	res.AppendHeader(sip.NewHeader("Proxy-Authenticate", `Digest realm="proxy.test", nonce="xyz"`))

	retry, err := a.Authorize(req, res)
	require.NoError(t, err)
	require.NotNil(t, retry.GetHeader("Proxy-Authorization"))
	assert.Nil(t, retry.GetHeader("Authorization"))
}

func TestAuthorizeNoChallenge(t *testing.T) {
	a := New(Credentials{Username: "alice", Password: "secret"})
	req := makeRegister(t)
	res := sip.NewResponseFromRequest(req, sip.StatusForbidden, "Forbidden", nil)

	_, err := a.Authorize(req, res)
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestAuthorizeDoesNotStackHeaders(t *testing.T) {
	a := New(Credentials{Username: "alice", Password: "secret"})
	req := makeRegister(t)
	res := challenge401(req, `Digest realm="ex.test", nonce="abc", qop="auth"`)

	once, err := a.Authorize(req, res)
	require.NoError(t, err)
	twice, err := a.Authorize(once, res)
	require.NoError(t, err)

	count := strings.Count(twice.String(), "Authorization:")
	assert.Equal(t, 1, count)
}
