// Package scheduler keeps a websocket channel open to the scheduler, which
// pushes assignments to the worker as soon as they change.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/chunkmesh/chunkmesh/internal/transport"
	"github.com/chunkmesh/chunkmesh/pkg/proto"
)

const (
	writeTimeout = 10 * time.Second
	closeTimeout = 5 * time.Second
)

// Options configures a Subscriber.
type Options struct {
	URL            string // ws:// or wss://
	Interval       time.Duration
	Reporter       *transport.Reporter
	Applier        transport.Applier
	Signer         *transport.Signer // optional
	Logger         zerolog.Logger
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Subscriber maintains the scheduler channel, reconnecting with capped
// exponential backoff whenever it drops.
type Subscriber struct {
	opts      Options
	logger    zerolog.Logger
	dialer    websocket.Dialer
	connected atomic.Bool
}

// New creates a scheduler subscriber.
func New(opts Options) *Subscriber {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Subscriber{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "scheduler").Logger(),
		dialer: websocket.Dialer{HandshakeTimeout: 30 * time.Second},
	}
}

// Connected reports whether the channel is currently open.
func (s *Subscriber) Connected() bool {
	return s.connected.Load()
}

func (s *Subscriber) newBackoff() retry.Backoff {
	b := retry.NewExponential(s.opts.InitialBackoff)
	b = retry.WithCappedDuration(s.opts.MaxBackoff, b)
	return retry.WithJitterPercent(10, b)
}

// Run keeps the channel open until ctx is done.
func (s *Subscriber) Run(ctx context.Context) {
	backoff := s.newBackoff()
	for attempt := 1; ; attempt++ {
		conn, err := s.connect(ctx)
		if err == nil {
			s.logger.Info().Str("url", s.opts.URL).Msg("scheduler connected")
			attempt = 0
			backoff = s.newBackoff()

			err = s.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("scheduler connection lost, will reconnect")
		} else {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("scheduler connection failed")
		}

		delay, _ := backoff.Next()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Subscriber) connect(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	if s.opts.Signer != nil {
		s.opts.Signer.Sign(headers, []byte(s.opts.Reporter.WorkerID))
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.opts.URL, headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			_ = resp.Body.Close()
			return nil, fmt.Errorf("scheduler connection failed: %s - %s", resp.Status, body)
		}
		return nil, fmt.Errorf("scheduler connection failed: %w", err)
	}
	return conn, nil
}

// serve pings on an interval and applies pushed assignments until the
// connection fails or ctx is done. Only this goroutine writes to conn.
func (s *Subscriber) serve(ctx context.Context, conn *websocket.Conn) error {
	s.connected.Store(true)
	defer s.connected.Store(false)

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(conn)
	}()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	err := s.sendPing(conn)
	for err == nil {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeTimeout),
			)
			_ = conn.Close()
			<-readErr
			return ctx.Err()
		case err = <-readErr:
			_ = conn.Close()
			return err
		case <-ticker.C:
			err = s.sendPing(conn)
		}
	}

	_ = conn.Close()
	<-readErr
	return err
}

func (s *Subscriber) sendPing(conn *websocket.Conn) error {
	env, err := proto.NewEnvelope(proto.TypePing, s.opts.Reporter.Ping())
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	return nil
}

func (s *Subscriber) readLoop(conn *websocket.Conn) error {
	for {
		var env proto.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("scheduler closed the connection")
			}
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.logger.Warn().Err(err).Msg("ignoring malformed scheduler message")
				continue
			}
			return err
		}
		s.handle(env)
	}
}

func (s *Subscriber) handle(env proto.Envelope) {
	switch env.Type {
	case proto.TypeAssignment:
		var a proto.Assignment
		if err := env.Decode(&a); err != nil {
			s.logger.Warn().Err(err).Msg("ignoring malformed assignment")
			return
		}
		_, _ = transport.Deliver(s.opts.Applier, a, "scheduler", s.logger)
	case proto.TypeError:
		var e proto.ErrorResponse
		_ = env.Decode(&e)
		s.logger.Warn().Str("error", e.Error).Msg("scheduler reported an error")
	case proto.TypePing:
	default:
		s.logger.Debug().Str("type", env.Type).Msg("ignoring unknown scheduler message")
	}
}
