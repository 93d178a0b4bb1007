// Command callclient is a headless call participant. It logs in, joins the
// signaling server and either dials a user or waits for calls.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/mossy-p/webrtc-calling/internal/call"
	"github.com/mossy-p/webrtc-calling/internal/call/rtcpeer"
	"github.com/mossy-p/webrtc-calling/internal/client"
	"github.com/mossy-p/webrtc-calling/internal/logging"
)

type options struct {
	server     string
	username   string
	password   string
	target     string
	autoAnswer bool
	video      bool
	stun       []string
	duration   time.Duration
	logLevel   string
}

func parseFlags() options {
	var o options
	pflag.StringVar(&o.server, "server", "http://localhost:8080", "signaling server base URL")
	pflag.StringVarP(&o.username, "username", "u", "", "account username")
	pflag.StringVarP(&o.password, "password", "p", os.Getenv("CALL_PASSWORD"), "account password (default $CALL_PASSWORD)")
	pflag.StringVar(&o.target, "call", "", "user id to call once it is online")
	pflag.BoolVar(&o.autoAnswer, "auto-answer", false, "accept incoming calls instead of rejecting them")
	pflag.BoolVar(&o.video, "video", false, "offer a synthetic video track")
	pflag.StringSliceVar(&o.stun, "stun", []string{"stun:stun.l.google.com:19302"}, "STUN server URLs")
	pflag.DurationVar(&o.duration, "duration", 0, "hang up after being connected this long (0 keeps the call open)")
	pflag.StringVar(&o.logLevel, "log-level", "info", "log level")
	pflag.Parse()
	return o
}

func main() {
	o := parseFlags()
	logging.Setup(o.logLevel, "development")

	if err := run(o); err != nil {
		log.Fatal().Err(err).Msg("callclient failed")
	}
}

func run(o options) error {
	if o.username == "" || o.password == "" {
		return fmt.Errorf("--username and --password are required")
	}
	logger := logging.Module("callclient")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	login, err := client.Login(ctx, o.server, o.username, o.password)
	if err != nil {
		return err
	}
	self := call.Peer{UserID: login.User.ID, Meta: login.User.Meta()}
	logger.Info().Str("user_id", self.UserID).Str("username", o.username).Msg("logged in")

	conn, err := client.Dial(ctx, o.server, login.Token)
	if err != nil {
		return err
	}
	defer conn.Close()

	finished := make(chan struct{}, 1)
	var machine *call.Machine
	observer := call.ObserverFunc(func(e call.Event) {
		switch e.Kind {
		case call.EventIncomingCall:
			logger.Info().Str("from", e.Peer.UserID).Str("name", e.Peer.Meta.Name).Msg("incoming call")
			if o.autoAnswer {
				go machine.Accept()
			} else {
				logger.Info().Msg("rejecting, run with --auto-answer to accept")
				go machine.Reject()
			}

		case call.EventStateChanged:
			l := logger.Info().Str("state", e.State.String()).Str("peer", e.Peer.UserID)
			if e.Reason != call.ReasonNone {
				l = l.Str("reason", e.Reason.String())
			}
			l.Msg("call state")

			if e.State == call.Connected && o.duration > 0 {
				time.AfterFunc(o.duration, func() { machine.Hangup() })
			}
			if e.State == call.Idle && o.target != "" {
				select {
				case finished <- struct{}{}:
				default:
				}
			}

		case call.EventRemoteStream:
			logger.Info().Str("kind", e.Stream.Kind).Str("track_id", e.Stream.ID).Msg("receiving remote media")

		case call.EventError:
			logger.Error().Err(e.Err).Msg("call error")
		}
	})

	machine = call.NewMachine(call.Config{
		Self:       self,
		Signaler:   conn,
		Media:      rtcpeer.SyntheticSource{Video: o.video},
		Transports: rtcpeer.NewFactory(rtcpeer.DefaultConfig(o.stun...)),
		Observer:   observer,
	})
	defer machine.Close()

	conn.Attach(machine)
	if err := conn.Join(self.UserID, o.username); err != nil {
		return err
	}

	if o.target != "" {
		logger.Info().Str("target", o.target).Msg("waiting for target to come online")
		if err := conn.WaitOnline(ctx, o.target); err != nil {
			return fmt.Errorf("wait for %s: %w", o.target, err)
		}
		if err := machine.Call(call.Peer{UserID: o.target}); err != nil {
			return err
		}
	} else {
		logger.Info().Msg("waiting for calls")
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("interrupted")
	case <-conn.Done():
		return fmt.Errorf("signaling connection closed")
	case <-finished:
	}
	return nil
}
