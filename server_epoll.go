package main

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollTimeoutMS bounds each EpollWait call so the loop periodically comes
// up for air to check idle timeouts and the stop wakeup fd, even when no
// socket event has fired.
const epollTimeoutMS = 1000

// nonblockingIO drives one O_NONBLOCK connection fd directly via raw
// syscalls, the Go analogue of the original st_nonblocking::Connection's
// direct read()/writev() calls against its socket.
type nonblockingIO struct {
	file *os.File
	fd   int
}

func (n *nonblockingIO) Read(buf []byte) (int, error) {
	c, err := unix.Read(n.fd, buf)
	if err == unix.EAGAIN {
		return 0, errWouldBlock
	}
	if err != nil {
		return 0, err
	}
	return c, nil
}

func (n *nonblockingIO) Write(bufs net.Buffers) (int64, error) {
	iovecs := make([][]byte, len(bufs))
	copy(iovecs, bufs)
	var total int64
	for len(iovecs) > 0 && len(iovecs[0]) == 0 {
		iovecs = iovecs[1:]
	}
	if len(iovecs) == 0 {
		return 0, nil
	}
	n2, err := unix.Writev(n.fd, iovecs)
	if err == unix.EAGAIN {
		return 0, errWouldBlock
	}
	if err != nil {
		return 0, err
	}
	total = int64(n2)
	return total, nil
}

func (n *nonblockingIO) Close() error {
	return n.file.Close()
}

// dupNonblockingFD detaches the raw descriptor backing nc, puts it in
// O_NONBLOCK mode, and hands back an *os.File owning it. The original
// net.Conn is closed: TCPConn.File() already duplicated the descriptor,
// and only one owner may drive it from here on, or the Go
// runtime's netpoller and our own epoll set would fight over the same fd.
func dupNonblockingFD(nc net.Conn) (*nonblockingIO, error) {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("non-blocking profile requires a TCP connection")
	}
	file, err := tc.File()
	if err != nil {
		return nil, fmt.Errorf("dup connection fd: %w", err)
	}
	nc.Close()

	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		file.Close()
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return &nonblockingIO{file: file, fd: fd}, nil
}

// epollLoop owns one epoll instance and every Connection registered in
// it. st_nonblock runs exactly one; mt_nonblock runs config.Acceptors of
// these concurrently, each in its own goroutine, with the accepting
// goroutine distributing new connections round-robin (SPEC_FULL.md §5,
// with the distribution choice resolved in §9).
type epollLoop struct {
	epfd    int
	wakeFds [2]int // pipe: wakeFds[1] written to from Stop, wakeFds[0] registered for read
	mu      sync.Mutex
	conns   map[int]*Connection
	server  *Server
}

func newEpollLoop(server *Server) (*epollLoop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("pipe2: %w", err)
	}
	loop := &epollLoop{
		epfd:    epfd,
		wakeFds: pipeFds,
		conns:   make(map[int]*Connection),
		server:  server,
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, pipeFds[0], &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(pipeFds[0]),
	}); err != nil {
		loop.close()
		return nil, fmt.Errorf("register wakeup fd: %w", err)
	}
	return loop, nil
}

func (l *epollLoop) close() {
	unix.Close(l.wakeFds[0])
	unix.Close(l.wakeFds[1])
	unix.Close(l.epfd)
}

// wake is the eventfd-equivalent wakeup the original ServerImpl uses to
// pull the event loop out of its wait so Stop() can take effect promptly
// even with no socket activity pending.
func (l *epollLoop) wake() {
	unix.Write(l.wakeFds[1], []byte{0})
}

func (l *epollLoop) register(conn *Connection, fd int, events uint32) error {
	l.mu.Lock()
	l.conns[fd] = conn
	l.mu.Unlock()
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

func (l *epollLoop) modify(fd int, events uint32) error {
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

func (l *epollLoop) unregister(fd int) {
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	l.mu.Lock()
	delete(l.conns, fd)
	l.mu.Unlock()
}

func (l *epollLoop) lookup(fd int) (*Connection, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.conns[fd]
	return c, ok
}

// snapshot returns the (fd, Connection) pairs currently registered, for
// idle-sweeping and drain without holding the lock during each
// Connection's own (single-goroutine-only) processing.
func (l *epollLoop) snapshot() map[int]*Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int]*Connection, len(l.conns))
	for fd, c := range l.conns {
		out[fd] = c
	}
	return out
}

// eventMask computes the interest set to register for conn: EPOLLIN is
// withheld while the connection is throttled (§9 backpressure), so epoll
// stops waking the loop for readability until the response queue drains
// below the low-water mark.
func eventMask(conn *Connection) uint32 {
	var mask uint32
	if conn.WantRead() {
		mask |= unix.EPOLLIN
	}
	if conn.WantWrite() {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// run drives the loop until stopCh closes, serving registered connections
// as epoll reports readiness.
func (l *epollLoop) run(stopCh <-chan struct{}) {
	events := make([]unix.EpollEvent, 64)
	drainBuf := make([]byte, 8)

	for {
		select {
		case <-stopCh:
			l.drainAndClose()
			return
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, epollTimeoutMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.server.logger.Errorf("epoll_wait: %v", err)
			continue
		}

		now := time.Now()
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFds[0] {
				unix.Read(l.wakeFds[0], drainBuf)
				continue
			}
			conn, ok := l.lookup(fd)
			if !ok {
				continue
			}
			l.service(conn, fd, events[i].Events, now)
		}

		l.sweepIdle(now)
	}
}

func (l *epollLoop) service(conn *Connection, fd int, mask uint32, now time.Time) {
	if mask&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		conn.OnError()
	} else {
		if mask&unix.EPOLLIN != 0 {
			conn.OnReadable(now)
		}
		if mask&unix.EPOLLOUT != 0 {
			conn.OnWritable(now)
		}
	}

	if !conn.IsAlive() && conn.Drained() {
		l.unregister(fd)
		conn.OnClose()
		l.server.wg.Done()
		return
	}
	l.modify(fd, eventMask(conn))
}

func (l *epollLoop) sweepIdle(now time.Time) {
	for fd, conn := range l.snapshot() {
		if conn.IdleExpired(now, l.server.config.Timeout) {
			l.unregister(fd)
			conn.OnClose()
			l.server.wg.Done()
		}
	}
}

func (l *epollLoop) drainAndClose() {
	for fd, conn := range l.snapshot() {
		for !conn.Drained() {
			conn.OnWritable(time.Now())
		}
		conn.OnClose()
		l.server.wg.Done()
		l.mu.Lock()
		delete(l.conns, fd)
		l.mu.Unlock()
	}
	l.close()
}

// runNonblock implements both st_nonblock (nLoops=1) and mt_nonblock
// (nLoops=acceptors), per SPEC_FULL.md §5: a shared listening socket, one
// accept loop, and nLoops epoll loops the accept loop round-robins new
// connections across.
func (s *Server) runNonblock(nLoops int) {
	defer s.wg.Done()

	loops := make([]*epollLoop, nLoops)
	for i := range loops {
		loop, err := newEpollLoop(s)
		if err != nil {
			s.logger.Errorf("create epoll loop: %v", err)
			return
		}
		loops[i] = loop
		s.wg.Add(1)
		go func(l *epollLoop) {
			defer s.wg.Done()
			l.run(s.stopCh)
		}(loop)
	}

	var stopOnce sync.Once
	stopLoops := func() {
		stopOnce.Do(func() {
			for _, loop := range loops {
				loop.wake()
			}
		})
	}
	go func() {
		<-s.stopCh
		stopLoops()
	}()

	next := 0
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

		transport, err := dupNonblockingFD(conn)
		if err != nil {
			s.logger.Warnf("%v", err)
			continue
		}

		id := s.connID()
		c := NewConnection(id, transport, s.storage, s.logger)
		c.Start(time.Now())

		loop := loops[next]
		next = (next + 1) % len(loops)

		s.wg.Add(1)
		if err := loop.register(c, transport.fd, unix.EPOLLIN); err != nil {
			s.logger.Warnf("%s: register: %v", id, err)
			s.wg.Done()
			transport.Close()
			continue
		}
	}
}
