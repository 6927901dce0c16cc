// softphone is a minimal console client exercising the sipua core: it
// registers an account against a SIP edge, optionally places a call,
// and prints the observable state streams.
//
// Configuration comes from the environment (a .env file is honored):
//
//	SIPUA_EDGE=edge.example.com:5060
//	SIPUA_USER=alice
//	SIPUA_DOMAIN=example.com
//	SIPUA_PASSWORD=secret
//	SIPUA_DIAL=bob@example.com   # optional: place a call after registering
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/sipua/pkg/media"
	"github.com/arzzra/sipua/pkg/ua"
)

type config struct {
	Edge        string        `env:"SIPUA_EDGE,required"`
	User        string        `env:"SIPUA_USER,required"`
	Domain      string        `env:"SIPUA_DOMAIN,required"`
	Password    string        `env:"SIPUA_PASSWORD"`
	DisplayName string        `env:"SIPUA_DISPLAY_NAME"`
	Dial        string        `env:"SIPUA_DIAL"`
	HangupAfter time.Duration `env:"SIPUA_HANGUP_AFTER" envDefault:"0"`
	MetricsAddr string        `env:"SIPUA_METRICS_ADDR"`
	Debug       bool          `env:"SIPUA_DEBUG"`
}

// consoleEngine is a stand-in media engine producing a static SDP. A
// real client plugs its WebRTC stack in here.
type consoleEngine struct{}

const staticSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=sipua\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=sendrecv\r\n"

func (consoleEngine) CreateOffer() (string, error)                     { return staticSDP, nil }
func (consoleEngine) CreateAnswer(string) (string, error)              { return staticSDP, nil }
func (consoleEngine) SetRemoteDescription(string, media.SDPKind) error { return nil }
func (consoleEngine) SetAudioEnabled(bool) error                       { return nil }
func (consoleEngine) SetMuted(bool) error                              { return nil }
func (consoleEngine) InsertDTMF([]byte) error                          { return nil }
func (consoleEngine) Dispose() error                                   { return nil }

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "softphone:", err)
		os.Exit(1)
	}
}

func run() error {
	godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := []ua.Option{
		ua.WithLogger(log),
		ua.WithUserAgentString("sipua-softphone/1.0"),
		ua.WithEngineFactory(func() (media.Engine, error) { return consoleEngine{}, nil }),
	}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, ua.WithMetrics(reg))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("metrics server", slog.Any("error", err))
			}
		}()
	}

	client := ua.New(opts...)
	defer client.Close()

	regStates, cancelReg := client.RegistrationStates().Subscribe()
	defer cancelReg()
	callStates, cancelCall := client.CallState().Subscribe()
	defer cancelCall()
	callLog, cancelLog := client.CallLog().Subscribe()
	defer cancelLog()

	if err := client.Register(ua.Account{
		User:        cfg.User,
		Domain:      cfg.Domain,
		DisplayName: cfg.DisplayName,
		Password:    cfg.Password,
		Edge:        cfg.Edge,
	}); err != nil {
		return err
	}

	accountKey := cfg.User + "@" + cfg.Domain
	dialed := false

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	var hangupTimer <-chan time.Time

	for {
		select {
		case sum := <-regStates:
			log.Info("registration", slog.String("summary", sum.Text))
			if !dialed && cfg.Dial != "" && sum.States[accountKey].String() == "OK" {
				dialed = true
				callID, err := client.MakeCall(accountKey, cfg.Dial)
				if err != nil {
					return fmt.Errorf("make call: %w", err)
				}
				log.Info("calling", slog.String("to", cfg.Dial), slog.String("call_id", callID))
				// Without a real media plane, report the stream as up as
				// soon as the call connects; see the call state loop.
				if cfg.HangupAfter > 0 {
					hangupTimer = time.After(cfg.HangupAfter)
				}
			}

		case info := <-callStates:
			log.Info("call",
				slog.String("transition", info.Transition),
				slog.String("hold", info.Hold.String()))
			if info.State.String() == "CONNECTED" {
				client.OnMediaState(info.CallID, media.ConnConnected)
			}

		case entry := <-callLog:
			log.Info("call finished",
				slog.String("outcome", entry.Outcome.String()),
				slog.Duration("duration", entry.Duration))

		case <-hangupTimer:
			if err := client.Hangup(); err != nil {
				log.Warn("hangup", slog.Any("error", err))
			}

		case <-sigs:
			log.Info("shutting down")
			client.SetAppState(ua.AppWillTerminate)
			return nil
		}
	}
}
