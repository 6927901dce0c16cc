package ua

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/sipua/pkg/call"
	"github.com/arzzra/sipua/pkg/dtmf"
	"github.com/arzzra/sipua/pkg/transport"
)

// Option configures a UserAgent.
type Option func(*UserAgent)

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(ua *UserAgent) { ua.log = l }
}

// WithUserAgentString sets the User-Agent header value.
func WithUserAgentString(s string) Option {
	return func(ua *UserAgent) { ua.userAgent = s }
}

// WithEngineFactory sets the media engine factory used for calls.
func WithEngineFactory(f call.EngineFactory) Option {
	return func(ua *UserAgent) { ua.engineFactory = f }
}

// WithDTMFMode sets the default DTMF transport mode.
func WithDTMFMode(m dtmf.Mode) Option {
	return func(ua *UserAgent) { ua.dtmfMode = m }
}

// WithDTMFGap sets the inter-digit gap.
func WithDTMFGap(gap time.Duration) Option {
	return func(ua *UserAgent) { ua.dtmfGap = gap }
}

// WithTimeouts overrides the INVITE and non-INVITE final-response
// timeouts.
func WithTimeouts(invite, nonInvite time.Duration) Option {
	return func(ua *UserAgent) {
		ua.inviteTimeout = invite
		ua.ueTimeout = nonInvite
	}
}

// WithTransportBackoff overrides the reconnect backoff parameters.
func WithTransportBackoff(base, cap time.Duration) Option {
	return func(ua *UserAgent) {
		ua.backoffBase = base
		ua.backoffCap = cap
	}
}

// WithDialer overrides the transport dialer; used by tests to run over
// in-memory pipes.
func WithDialer(d transport.DialFunc) Option {
	return func(ua *UserAgent) { ua.dialer = d }
}

// WithMetrics registers the UA metrics on the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(ua *UserAgent) { ua.metrics = newMetrics(reg) }
}
