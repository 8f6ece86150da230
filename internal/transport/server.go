// Package transport implements the control-socket accept/dispatch loop,
// generalizing the teacher's TCP-listen-and-upgrade shape
// (go-server-3/internal/transport.Server: accept loop, per-connection
// read/write loops, a send queue) from a WebSocket upgrade over TCP to a
// length-prefixed JSON handshake over a Unix domain socket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adred-codev/agentbroker/internal/broker"
	"github.com/adred-codev/agentbroker/internal/config"
	"github.com/adred-codev/agentbroker/internal/metrics"
	"github.com/adred-codev/agentbroker/internal/protocol"
)

// brokerVersion is reported in hello_ack; bumped alongside releases.
const brokerVersion = "0.1.0"

// Server accepts control connections on a Unix domain socket and drives
// each through the handshake/dispatch protocol in spec.md §4.1/§4.2.
type Server struct {
	cfg     config.Config
	logger  *zap.Logger
	broker  *broker.Broker
	metrics *metrics.Registry

	listener net.Listener
	wg       sync.WaitGroup

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewServer builds a Server bound to b.
func NewServer(cfg config.Config, logger *zap.Logger, b *broker.Broker, reg *metrics.Registry) *Server {
	return &Server{cfg: cfg, logger: logger, broker: b, metrics: reg, shutdownCh: make(chan struct{})}
}

// ShutdownRequested is closed once a client sends a shutdown request.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdownCh }

// Start listens on the configured socket path and begins accepting
// connections in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport already started")
	}

	path := s.cfg.Server.SocketPath
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("control socket listening", zap.String("path", path))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

// Stop closes the listener and waits for every connection goroutine to
// exit.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.logger.Error("accept error", zap.Error(err))
			return
		}

		if s.metrics != nil {
			s.metrics.ConnectionsTotal.Inc()
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

// connection holds the per-connection state threaded through dispatch.
type connection struct {
	id            string
	out           chan *protocol.Envelope
	handshakeDone bool
}

func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()

	c := &connection{id: uuid.NewString(), out: make(chan *protocol.Envelope, 256)}
	s.logger.Debug("connection accepted", zap.String("connection_id", c.id))

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var subscribed bool
	defer func() {
		if subscribed {
			s.broker.Bus().Unsubscribe(c.id)
		}
		s.broker.CancelConnection(c.id)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, c.out)
	}()

	reader := protocol.NewFrameReader(conn, s.cfg.Server.MaxFrameBytes)
	for {
		payload, err := reader.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("read frame error", zap.String("connection_id", c.id), zap.Error(err))
			}
			break
		}

		var env protocol.Envelope
		if jsonErr := json.Unmarshal(payload, &env); jsonErr != nil || env.Type == "" {
			s.send(c, errorEnvelope("", protocol.NewError("invalid_envelope", "malformed or untyped envelope", false)))
			continue
		}

		if !c.handshakeDone {
			if env.Type != protocol.TypeHello {
				s.send(c, errorEnvelope(env.RequestID, protocol.NewError("handshake_required", "hello must be sent first", false)))
				continue
			}
			s.handleHello(c, env)
			if !subscribed {
				sub := s.broker.Bus().Subscribe(c.id)
				subscribed = true
				go s.forwardEvents(ctx, c, sub.Events())
			}
			continue
		}

		if !s.broker.Limiter().Allow(c.id) {
			s.send(c, errorEnvelope(env.RequestID, protocol.NewError("rate_limited", "request rate exceeded", true)))
			continue
		}

		s.dispatch(ctx, c, env)
	}

	cancel()
	<-writerDone
}

func (s *Server) handleHello(c *connection, env protocol.Envelope) {
	hello, _ := protocol.DecodePayload[protocol.HelloPayload](env.Payload)
	c.handshakeDone = true
	s.logger.Info("client handshake",
		zap.String("connection_id", c.id),
		zap.String("client_name", hello.ClientName),
		zap.String("client_version", hello.ClientVersion))

	ack := protocol.HelloAckPayload{BrokerVersion: brokerVersion, ProtocolVersion: protocol.ProtocolVersion}
	payload, err := protocol.EncodePayload(ack)
	if err != nil {
		return
	}
	s.send(c, &protocol.Envelope{V: protocol.ProtocolVersion, Type: protocol.TypeHelloAck, RequestID: env.RequestID, Payload: payload})
}

func (s *Server) forwardEvents(ctx context.Context, c *connection, events <-chan protocol.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			envelope, err := protocol.EventEnvelope(ev)
			if err != nil {
				continue
			}
			s.send(c, envelope)
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, conn net.Conn, out <-chan *protocol.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-out:
			if !ok {
				return
			}
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := protocol.WriteFrame(conn, payload); err != nil {
				return
			}
		}
	}
}

// send is a non-blocking best-effort push onto the connection's outbound
// queue; when the queue is full the envelope is dropped and a warning is
// logged, and the connection stays open.
func (s *Server) send(c *connection, env *protocol.Envelope) {
	select {
	case c.out <- env:
	default:
		s.logger.Warn("dropping envelope on full outbound queue", zap.String("connection_id", c.id))
	}
}

func errorEnvelope(requestID string, errPayload *protocol.ErrorPayload) *protocol.Envelope {
	env, _ := protocol.ErrorEnvelope(requestID, errPayload)
	return env
}
