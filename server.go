package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Server is the single facade behind all four deployment profiles named
// in SPEC_FULL.md §5. Which concrete accept/dispatch loop runs is decided
// once, in Start, by config.Network; Connection itself never knows which
// profile is driving it.
type Server struct {
	config  *Config
	logger  *Logger
	storage Storage

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}

	// mt_block's bounded worker pool, per §5: once full, newly accepted
	// connections are closed immediately rather than queued.
	workerSlots chan struct{}

	nextConnID int
	idMu       sync.Mutex
}

// NewServer creates a Server bound to config and storage. logger is
// expected to be scoped to "server" by the caller's LoggingService.
func NewServer(config *Config, storage Storage, logger *Logger) *Server {
	return &Server{
		config:  config,
		logger:  logger,
		storage: storage,
		stopCh:  make(chan struct{}),
	}
}

func (s *Server) connID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.nextConnID++
	return fmt.Sprintf("conn-%d", s.nextConnID)
}

// Start begins listening and dispatches to the network profile named by
// config.Network. It returns once the listener is up; serving happens on
// background goroutines tracked by Join.
func (s *Server) Start() error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.logger.Infof("listening on %s (network=%s storage=%s)", address, s.config.Network, s.config.Storage)

	if err := s.storage.Start(); err != nil {
		listener.Close()
		return fmt.Errorf("failed to start storage: %w", err)
	}

	switch s.config.Network {
	case "st_block":
		s.wg.Add(1)
		go s.runBlocking(false)
	case "mt_block":
		s.workerSlots = make(chan struct{}, s.config.Workers)
		s.wg.Add(1)
		go s.runBlocking(true)
	case "st_nonblock":
		s.wg.Add(1)
		go s.runNonblock(1)
	case "mt_nonblock":
		s.wg.Add(1)
		go s.runNonblock(s.config.Acceptors)
	default:
		listener.Close()
		return fmt.Errorf("unknown network profile: %s", s.config.Network)
	}

	return nil
}

// Stop requests the server to cease accepting connections and begin
// draining in-flight work. It does not block; call Join to wait for full
// shutdown.
func (s *Server) Stop() {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}
}

// Join waits for every accept loop and worker to exit, then stops
// storage.
func (s *Server) Join() {
	s.wg.Wait()
	s.storage.Stop()
}

// runBlocking implements both st_block and mt_block (SPEC_FULL.md §5):
// a single accept loop, serial when threaded is false, one goroutine per
// connection (bounded by workerSlots) when true.
func (s *Server) runBlocking(threaded bool) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warnf("accept: %v", err)
				continue
			}
		}

		if !threaded {
			s.serveBlocking(conn)
			continue
		}

		select {
		case s.workerSlots <- struct{}{}:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() { <-s.workerSlots }()
				s.serveBlocking(conn)
			}()
		default:
			s.logger.Warnf("worker pool saturated, rejecting connection from %s", conn.RemoteAddr())
			conn.Close()
		}
	}
}

// serveBlocking drives one Connection to completion synchronously,
// translating net.Conn's blocking Read/Write into the OnReadable/
// OnWritable calls the state machine expects.
func (s *Server) serveBlocking(nc net.Conn) {
	id := s.connID()
	transport := &blockingIO{conn: nc}
	conn := NewConnection(id, transport, s.storage, s.logger)
	conn.Start(time.Now())
	s.logger.Debugf("%s: accepted %s", id, nc.RemoteAddr())

	for conn.IsAlive() {
		// While throttled (§9 backpressure), skip the read side entirely:
		// honoring WantRead here is what keeps a connection whose queue is
		// stuck at capacity from ever reaching a zero-length Read, which
		// OnReadable would otherwise mistake for the peer closing.
		if conn.WantRead() {
			if s.config.Timeout > 0 {
				nc.SetReadDeadline(time.Now().Add(s.config.Timeout))
			}
			conn.OnReadable(time.Now())
			if conn.IsAlive() && conn.IdleExpired(time.Now(), s.config.Timeout) {
				s.logger.Debugf("%s: idle timeout", id)
				break
			}
		}
		if conn.WantWrite() {
			if s.config.Timeout > 0 {
				nc.SetWriteDeadline(time.Now().Add(s.config.Timeout))
			}
			for conn.WantWrite() && conn.IsAlive() {
				conn.OnWritable(time.Now())
			}
		}
		select {
		case <-s.stopCh:
			conn.OnClose()
			return
		default:
		}
	}
	for !conn.Drained() {
		conn.OnWritable(time.Now())
	}
	conn.OnClose()
	s.logger.Debugf("%s: closed", id)
}

// blockingIO adapts a net.Conn to connIO for the blocking profiles.
// SetReadDeadline/SetWriteDeadline, applied by the caller above, turn the
// blocking Read/Write into the idle-timeout mechanism SPEC_FULL.md §5
// describes for these profiles.
type blockingIO struct {
	conn net.Conn
}

func (b *blockingIO) Read(buf []byte) (int, error) {
	n, err := b.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, errWouldBlock
		}
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
	}
	return n, err
}

func (b *blockingIO) Write(bufs net.Buffers) (int64, error) {
	return bufs.WriteTo(b.conn)
}

func (b *blockingIO) Close() error { return b.conn.Close() }
