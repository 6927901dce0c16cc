// Package auth computes Digest (MD5) credentials for SIP 401/407
// challenges. One Authenticator serves one account; it caches the nonce
// counter per (realm, nonce) so repeated challenges from the same server
// advance nc instead of restarting it.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

var (
	// ErrNoChallenge is returned when the response carries no parsable
	// WWW-Authenticate / Proxy-Authenticate header.
	ErrNoChallenge = errors.New("auth: response carries no digest challenge")
)

// Credentials are the account secrets used to answer challenges.
type Credentials struct {
	Username string
	Password string
	// Realm is a hint only; the realm of the challenge always wins.
	Realm string
}

// Authenticator answers digest challenges for a single account.
type Authenticator struct {
	creds Credentials

	mu    sync.Mutex
	cache map[string]*nonceState // key: realm \x00 nonce
}

type nonceState struct {
	count int
	qop   []string
}

// New creates an Authenticator for the given credentials.
func New(creds Credentials) *Authenticator {
	return &Authenticator{
		creds: creds,
		cache: make(map[string]*nonceState),
	}
}

// challengeHeader returns the authenticate header matching the status
// code: WWW-Authenticate for 401, Proxy-Authenticate for 407.
func challengeHeader(res *sip.Response) (sip.Header, string) {
	switch res.StatusCode {
	case sip.StatusUnauthorized:
		return res.GetHeader("WWW-Authenticate"), "Authorization"
	case sip.StatusProxyAuthRequired:
		return res.GetHeader("Proxy-Authenticate"), "Proxy-Authorization"
	default:
		return nil, ""
	}
}

// IsChallenge reports whether res is an answerable digest challenge.
func IsChallenge(res *sip.Response) bool {
	h, _ := challengeHeader(res)
	return h != nil
}

// Authorize clones req and appends the Authorization (or
// Proxy-Authorization) header answering the challenge in res. The caller
// is responsible for assigning the clone a fresh branch and CSeq before
// sending.
func (a *Authenticator) Authorize(req *sip.Request, res *sip.Response) (*sip.Request, error) {
	hdr, outName := challengeHeader(res)
	if hdr == nil {
		return nil, ErrNoChallenge
	}

	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("auth: parse challenge %q: %w", hdr.Value(), err)
	}

	opts := digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: a.creds.Username,
		Password: a.creds.Password,
	}

	a.mu.Lock()
	key := chal.Realm + "\x00" + chal.Nonce
	st, ok := a.cache[key]
	if !ok {
		st = &nonceState{qop: chal.QOP}
		a.cache[key] = st
	}
	if len(chal.QOP) > 0 {
		st.count++
		opts.Count = st.count
		opts.Cnonce = uuid.NewString()
	}
	a.mu.Unlock()

	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return nil, fmt.Errorf("auth: compute digest: %w", err)
	}

	// Rebuild the request instead of mutating the original; a stale
	// retry replaces the previous attempt's credential header, never
	// stacks a second one.
	retry := sip.NewRequest(req.Method, req.Recipient)
	for _, h := range req.Headers() {
		if strings.EqualFold(h.Name(), outName) {
			continue
		}
		retry.AppendHeader(sip.HeaderClone(h))
	}
	if body := req.Body(); len(body) > 0 {
		retry.SetBody(body)
	}
	retry.AppendHeader(sip.NewHeader(outName, cred.String()))
	return retry, nil
}

// Forget drops the cached nonce state of every cache key that begins
// with realm.
func (a *Authenticator) Forget(realm string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.cache {
		if len(key) >= len(realm) && key[:len(realm)] == realm {
			delete(a.cache, key)
		}
	}
}
