package ingest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"nids-responder/internal/config"
)

// TCPServerMetrics holds metrics for the TCP stream server.
type TCPServerMetrics struct {
	Connections uint64
	Received    uint64
	Accepted    uint64
	Rejected    uint64
}

// TCPServer receives newline-delimited JSON detections from sensors.
type TCPServer struct {
	config   config.TCPIngestConfig
	listener net.Listener
	intake   *Intake
	logger   *slog.Logger

	connCount atomic.Int32
	wg        sync.WaitGroup
	done      chan struct{}
	stopOnce  sync.Once

	connections atomic.Uint64
	received    atomic.Uint64
	accepted    atomic.Uint64
	rejected    atomic.Uint64
}

// NewTCPServer creates a stream server feeding intake.
func NewTCPServer(cfg config.TCPIngestConfig, intake *Intake, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = 65535
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	return &TCPServer{
		config: cfg,
		intake: intake,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *TCPServer) Start(ctx context.Context) error {
	var listener net.Listener
	var err error

	if s.config.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return err
		}
		listener, err = tls.Listen("tcp", s.config.Address, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		if err != nil {
			return err
		}
	} else {
		listener, err = net.Listen("tcp", s.config.Address)
		if err != nil {
			return err
		}
	}

	s.listener = listener

	s.logger.Info("detection stream listener started",
		"address", listener.Addr().String(),
		"tls", s.config.TLSEnabled,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	go func() {
		select {
		case <-ctx.Done():
			s.listener.Close()
		case <-s.done:
		}
	}()

	return nil
}

// Addr returns the bound listener address.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("stream accept error", "error", err)
			continue
		}

		if s.connCount.Load() >= int32(s.config.MaxConnections) {
			s.logger.Warn("max stream connections reached, rejecting", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.connCount.Add(1)
		s.connections.Add(1)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.connCount.Add(-1)
	defer conn.Close()

	sourceIP := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(sourceIP); err == nil {
		sourceIP = host
	}

	// unblock the read when the server shuts down
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		case <-connDone:
			return
		}
		conn.SetReadDeadline(time.Now())
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), s.config.MaxLineLength)

	for {
		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
				var netErr net.Error
				if !errors.As(err, &netErr) || !netErr.Timeout() {
					s.logger.Debug("stream read error", "remote", sourceIP, "error", err)
				}
			}
			return
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.received.Add(1)

		raw := make([]byte, len(line))
		copy(raw, line)

		res := s.intake.SubmitRaw(ctx, "tcp", sourceIP, raw)
		s.accepted.Add(uint64(res.Accepted))
		if res.Rejected > 0 {
			s.rejected.Add(uint64(res.Rejected))
			s.logger.Debug("rejected stream detection", "remote", sourceIP, "errors", res.Errors)
		}
	}
}

// Stop closes the listener and waits for open connections to finish.
func (s *TCPServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
	s.logger.Info("detection stream listener stopped",
		"connections", s.connections.Load(),
		"received", s.received.Load(),
		"accepted", s.accepted.Load(),
		"rejected", s.rejected.Load(),
	)
}

// Metrics returns the current server metrics.
func (s *TCPServer) Metrics() TCPServerMetrics {
	return TCPServerMetrics{
		Connections: s.connections.Load(),
		Received:    s.received.Load(),
		Accepted:    s.accepted.Load(),
		Rejected:    s.rejected.Load(),
	}
}

// ActiveConnections returns the number of open connections.
func (s *TCPServer) ActiveConnections() int {
	return int(s.connCount.Load())
}
