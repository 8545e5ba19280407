package main

import (
	"fmt"
	"strconv"
	"strings"
)

// maxHeaderLine bounds how many bytes of header we'll buffer before giving
// up on a malformed client; well past any legitimate "get k1 k2 ... kN"
// line.
const maxHeaderLine = 8192

// parseState tracks where the Parser is within one command header.
type parseState uint8

const (
	stateAwaitingHeader parseState = iota
	stateComplete
)

// Parser incrementally recognizes one command header line at a time from
// an arbitrary byte stream, matching the structure of the original
// st_nonblocking::Connection's Parse/Build/Reset split: the connection
// feeds it chunks as they arrive off the socket, and the parser reports
// how many bytes it consumed without requiring the whole line to be
// present in one call.
type Parser struct {
	state parseState
	line  []byte // accumulated header bytes, not including the \r\n
	sawCR bool    // true when the last byte accumulated was '\r'
}

// NewParser returns a Parser ready to recognize the next command.
func NewParser() *Parser {
	return &Parser{}
}

// Reset returns the parser to its initial state, discarding any partially
// accumulated header. Used both between commands and to resynchronize
// after a protocol error.
func (p *Parser) Reset() {
	p.state = stateAwaitingHeader
	p.line = p.line[:0]
	p.sawCR = false
}

// Parse advances the parser with the next chunk of the stream. It returns
// how many bytes of chunk were consumed and whether a full header line is
// now available via Build. Parse never blocks and never needs a complete
// chunk boundary to align with a command boundary -- in particular the
// "\r\n" terminator itself may be split across two separate calls, which
// is why this scans byte by byte against sawCR rather than searching each
// chunk for "\r\n" in isolation.
func (p *Parser) Parse(chunk []byte) (consumed int, complete bool, err error) {
	if p.state == stateComplete {
		return 0, true, nil
	}

	for i, b := range chunk {
		if p.sawCR && b == '\n' {
			p.line = p.line[:len(p.line)-1] // drop the trailing \r
			p.state = stateComplete
			return i + 1, true, nil
		}
		if len(p.line) >= maxHeaderLine {
			return i + 1, false, fmt.Errorf("header line too long")
		}
		p.line = append(p.line, b)
		p.sawCR = b == '\r'
	}
	return len(chunk), false, nil
}

// Build interprets the accumulated header line into a Command and reports
// how many additional body bytes (already including the trailing 2-byte
// "\r\n" terminator storage commands carry, per SPEC_FULL.md §4.2) the
// connection must read before the command can execute. Build must only be
// called after Parse has reported complete=true.
func (p *Parser) Build() (*Command, int, error) {
	fields := strings.Fields(string(p.line))
	if len(fields) == 0 {
		return nil, 0, fmt.Errorf("%s", replyError)
	}

	switch fields[0] {
	case "set", "add", "replace", "append":
		return p.buildStorageCommand(fields)
	case "get":
		return p.buildGetCommand(fields)
	case "delete":
		return p.buildDeleteCommand(fields)
	case "version":
		if len(fields) != 1 {
			return nil, 0, fmt.Errorf("%s", replyBadFormat)
		}
		return &Command{Verb: CmdVersion}, 0, nil
	default:
		return nil, 0, fmt.Errorf("%s", replyError)
	}
}

func verbFor(name string) CommandVerb {
	switch name {
	case "set":
		return CmdSet
	case "add":
		return CmdAdd
	case "replace":
		return CmdReplace
	case "append":
		return CmdAppend
	}
	return CmdUnknown
}

// buildStorageCommand parses "<verb> <key> <flags> <exptime> <bytes>".
// flags and exptime are validated for shape but otherwise ignored, per
// SPEC_FULL.md §4.2.
func (p *Parser) buildStorageCommand(fields []string) (*Command, int, error) {
	if len(fields) != 5 {
		return nil, 0, fmt.Errorf("%s", replyBadFormat)
	}
	key := fields[1]
	if !validKey(key) {
		return nil, 0, fmt.Errorf("%s", replyBadFormat)
	}
	if _, err := strconv.ParseUint(fields[2], 10, 32); err != nil {
		return nil, 0, fmt.Errorf("%s", replyBadFormat)
	}
	if _, err := strconv.ParseUint(fields[3], 10, 32); err != nil {
		return nil, 0, fmt.Errorf("%s", replyBadFormat)
	}
	n, err := strconv.ParseUint(fields[4], 10, 32)
	if err != nil {
		return nil, 0, fmt.Errorf("%s", replyBadFormat)
	}

	cmd := &Command{Verb: verbFor(fields[0]), Key: key, bytes: int(n)}
	// +2 for the trailing \r\n the body carries, per SPEC_FULL.md §4.2.
	return cmd, cmd.bytes + 2, nil
}

func (p *Parser) buildGetCommand(fields []string) (*Command, int, error) {
	if len(fields) < 2 {
		return nil, 0, fmt.Errorf("%s", replyBadFormat)
	}
	keys := fields[1:]
	for _, k := range keys {
		if !validKey(k) {
			return nil, 0, fmt.Errorf("%s", replyBadFormat)
		}
	}
	return &Command{Verb: CmdGet, Keys: keys}, 0, nil
}

func (p *Parser) buildDeleteCommand(fields []string) (*Command, int, error) {
	if len(fields) != 2 {
		return nil, 0, fmt.Errorf("%s", replyBadFormat)
	}
	if !validKey(fields[1]) {
		return nil, 0, fmt.Errorf("%s", replyBadFormat)
	}
	return &Command{Verb: CmdDelete, Key: fields[1]}, 0, nil
}

// validKey enforces the wire protocol's key constraints: printable ASCII,
// no whitespace (guaranteed already by strings.Fields splitting on it),
// non-empty, at most maxKeyLength bytes.
func validKey(key string) bool {
	if key == "" || len(key) > maxKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] >= 0x7f {
			return false
		}
	}
	return true
}
