package main

import (
	"errors"
	"net"
	"time"
)

// errWouldBlock is returned by a non-blocking connIO when the socket has
// no data to read or no buffer space to write right now. The blocking
// connIO returns it only from Read, when the read deadline set by
// serveBlocking expires before any data arrives.
var errWouldBlock = errors.New("operation would block")

// connIO is the transport a Connection reads and writes through. Both the
// blocking profiles (wrapping net.Conn directly, its Read/Write blocking
// the calling goroutine) and the non-blocking profiles (wrapping a raw,
// O_NONBLOCK socket fd driven by epoll, see server_epoll.go) implement it,
// which is what lets Connection itself stay a single, transport-agnostic
// state machine, per SPEC_FULL.md §9.
type connIO interface {
	Read(buf []byte) (int, error)
	Write(bufs net.Buffers) (int64, error)
	Close() error
}

// readBufferSize matches the original st_nonblocking::Connection's fixed
// 4 KiB _rbuffer.
const readBufferSize = 4096

// maxQueuedResponses bounds the per-connection response queue (§4.3/§9
// backpressure). lowWaterResponses is where reading resumes once the
// queue has been allowed to drain back down.
const (
	maxQueuedResponses = 64
	lowWaterResponses  = maxQueuedResponses / 2
)

// Connection is the per-socket state machine of SPEC_FULL.md §4.3: a pure
// data-driven object whose OnReadable/OnWritable/OnClose methods are
// invoked either synchronously in a loop (blocking profiles) or by an
// epoll multiplexer (non-blocking profiles). It owns no goroutines of its
// own.
type Connection struct {
	io      connIO
	storage Storage
	logger  *Logger
	id      string

	rbuf [readBufferSize]byte
	rlen int // valid unconsumed bytes at rbuf[0:rlen], Invariant C1

	parser     *Parser
	cmd        *Command
	argRemains int

	responses [][]byte
	writePos  int

	alive     bool
	wantWrite bool
	throttled bool

	lastActivity time.Time
}

// NewConnection creates a Connection ready to have Start called on it.
func NewConnection(id string, io connIO, storage Storage, logger *Logger) *Connection {
	return &Connection{
		id:      id,
		io:      io,
		storage: storage,
		logger:  logger,
		parser:  NewParser(),
	}
}

// Start marks the connection live and ready to read, mirroring the
// original Connection::Start.
func (c *Connection) Start(now time.Time) {
	c.alive = true
	c.lastActivity = now
}

func (c *Connection) IsAlive() bool    { return c.alive }
func (c *Connection) WantWrite() bool  { return c.wantWrite }
func (c *Connection) WantRead() bool   { return !c.throttled }
func (c *Connection) Drained() bool    { return len(c.responses) == 0 }
func (c *Connection) LastActivity() time.Time { return c.lastActivity }

// IdleExpired reports whether the connection has been silent for longer
// than timeout, measured from now. Resets on either read or write
// activity, per SPEC_FULL.md §9's resolution of the idle-timeout open
// question.
func (c *Connection) IdleExpired(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(c.lastActivity) > timeout
}

// shiftBuffer drops the first n consumed bytes from the read buffer,
// compacting the remainder to the front so Invariant C1 holds for the
// next pass.
func (c *Connection) shiftBuffer(n int) {
	if n <= 0 {
		return
	}
	copy(c.rbuf[:], c.rbuf[n:c.rlen])
	c.rlen -= n
}

// enqueue appends a completed reply (with its trailing "\r\n") to the
// response queue in parse order (Invariant C2), engaging backpressure once
// the queue is saturated.
func (c *Connection) enqueue(reply string) {
	resp := responsePool.Get(len(reply) + 2)
	resp = append(resp, reply...)
	resp = append(resp, '\r', '\n')
	c.responses = append(c.responses, resp)
	c.wantWrite = true
	if len(c.responses) >= maxQueuedResponses {
		c.throttled = true
	}
}

// resetCommand clears per-command state once a reply has been enqueued,
// readying the connection to parse the next command.
func (c *Connection) resetCommand() {
	c.cmd = nil
	c.argRemains = 0
	c.parser.Reset()
}

// OnReadable implements SPEC_FULL.md §4.3's OnReadable handler: one read,
// then process as many complete commands as the buffered bytes allow.
// While throttled (§9 backpressure), it does nothing: the caller is
// expected to have already excluded this connection from its read-interest
// set, and this guard keeps it safe even when a caller forgets, since
// reading into a full rbuf would ask for a zero-length Read.
func (c *Connection) OnReadable(now time.Time) {
	if !c.WantRead() {
		return
	}
	n, err := c.io.Read(c.rbuf[c.rlen:])
	if err == errWouldBlock {
		return
	}
	if err != nil {
		c.logger.Errorf("%s: read failed: %v", c.id, err)
		c.OnError()
		return
	}
	if n == 0 {
		c.logger.Debugf("%s: connection closed by peer", c.id)
		c.alive = false
		return
	}
	c.lastActivity = now
	c.rlen += n

	for len(c.responses) < maxQueuedResponses {
		if c.cmd == nil {
			if c.rlen == 0 || !c.parseHeader() {
				break
			}
			continue
		}
		if c.argRemains > 0 {
			if c.rlen == 0 {
				break
			}
			c.fillArgument()
			continue
		}
		c.executeCommand()
	}

	if len(c.responses) > 0 {
		c.wantWrite = true
	}
}

// parseHeader feeds the buffered bytes to the parser and, on a complete
// header, builds the Command. Returns false when the connection needs
// more bytes before it can make further progress this pass.
func (c *Connection) parseHeader() bool {
	consumed, complete, err := c.parser.Parse(c.rbuf[:c.rlen])
	if consumed == 0 {
		return false
	}
	c.shiftBuffer(consumed)
	if err != nil {
		c.enqueue(replyError)
		c.parser.Reset()
		return true
	}
	if !complete {
		return false
	}

	cmd, argLen, buildErr := c.parser.Build()
	c.parser.Reset()
	if buildErr != nil {
		c.enqueue(buildErr.Error())
		return true
	}
	c.cmd = cmd
	c.argRemains = argLen
	return true
}

// fillArgument copies as much of the declared body length as the read
// buffer currently holds.
func (c *Connection) fillArgument() {
	toCopy := c.argRemains
	if toCopy > c.rlen {
		toCopy = c.rlen
	}
	c.cmd.Body = append(c.cmd.Body, c.rbuf[:toCopy]...)
	c.shiftBuffer(toCopy)
	c.argRemains -= toCopy
}

// executeCommand runs a fully-assembled command against storage and
// queues its reply.
func (c *Connection) executeCommand() {
	cmd := c.cmd
	if bodiedVerbs[cmd.Verb] {
		trimmed, ok := trimCRLF(cmd.Body)
		if !ok {
			c.enqueue(replyBadDataChunk)
			c.resetCommand()
			return
		}
		cmd.Body = trimmed
	}
	reply := cmd.Execute(c.storage)
	c.enqueue(reply)
	c.resetCommand()
}

// trimCRLF strips a trailing "\r\n" from a storage command's body, per
// SPEC_FULL.md §4.2. ok is false when the body doesn't end in "\r\n" --
// resolved per the §9 Open Question as a client error rather than a
// silent truncation.
func trimCRLF(body []byte) (trimmed []byte, ok bool) {
	if len(body) < 2 || body[len(body)-2] != '\r' || body[len(body)-1] != '\n' {
		return nil, false
	}
	return body[:len(body)-2], true
}

// OnWritable implements SPEC_FULL.md §4.3's OnWritable handler: a
// scatter/gather write of the queued responses, the Go analogue of the
// original's writev/iovec use.
func (c *Connection) OnWritable(now time.Time) {
	if len(c.responses) == 0 {
		c.wantWrite = false
		return
	}

	bufs := make(net.Buffers, len(c.responses))
	copy(bufs, c.responses)
	bufs[0] = bufs[0][c.writePos:]

	n, err := c.io.Write(bufs)
	if err == errWouldBlock {
		return
	}
	if err != nil {
		c.logger.Errorf("%s: write failed: %v", c.id, err)
		c.OnError()
		return
	}
	c.lastActivity = now
	c.advanceQueue(n)

	if len(c.responses) == 0 {
		c.wantWrite = false
	}
	if c.throttled && len(c.responses) <= lowWaterResponses {
		c.throttled = false
	}
}

// advanceQueue pops fully-written responses and advances writePos into
// the first still-partial one, after a write of n total bytes.
func (c *Connection) advanceQueue(n int64) {
	for n > 0 && len(c.responses) > 0 {
		head := c.responses[0]
		remaining := int64(len(head) - c.writePos)
		if n < remaining {
			c.writePos += int(n)
			return
		}
		n -= remaining
		c.writePos = 0
		responsePool.Put(head)
		c.responses = c.responses[1:]
	}
}

// OnClose marks the connection dead and closes its transport at once. It
// does not wait for the response queue to drain: callers that drain first
// do so before calling it, and any responses still queued are not sent.
func (c *Connection) OnClose() {
	c.alive = false
	if err := c.io.Close(); err != nil {
		c.logger.Debugf("%s: close: %v", c.id, err)
	}
}

// OnError marks the connection dead and abandons any responses still
// queued. Once the socket itself has failed there's no further chance to
// flush them, and leaving them queued would keep Drained() from ever
// returning true again, stalling the "!IsAlive && Drained" teardown check
// in server_epoll.go's service() and the unconditional drain loops both it
// and serveBlocking run on shutdown. The caller is responsible for invoking
// OnClose once Drained() is true, per Invariant C4.
func (c *Connection) OnError() {
	c.alive = false
	c.wantWrite = false
	for _, resp := range c.responses {
		responsePool.Put(resp)
	}
	c.responses = nil
	c.writePos = 0
}
