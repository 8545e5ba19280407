package main

import "testing"

func TestParserWholeLineAtOnce(t *testing.T) {
	p := NewParser()
	consumed, complete, err := p.Parse([]byte("get foo\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !complete {
		t.Fatalf("expected complete=true")
	}
	if consumed != len("get foo\r\n") {
		t.Fatalf("consumed = %d, want %d", consumed, len("get foo\r\n"))
	}

	cmd, argLen, err := p.Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	if cmd.Verb != CmdGet || len(cmd.Keys) != 1 || cmd.Keys[0] != "foo" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if argLen != 0 {
		t.Fatalf("get has no body, got argLen=%d", argLen)
	}
}

func TestParserSplitAcrossChunks(t *testing.T) {
	p := NewParser()
	full := "get foo\r\n"

	var complete bool
	var err error
	for i := 0; i < len(full); i++ {
		var consumed int
		consumed, complete, err = p.Parse([]byte{full[i]})
		if err != nil {
			t.Fatalf("unexpected error at byte %d: %v", i, err)
		}
		if consumed != 1 {
			t.Fatalf("expected to consume exactly 1 byte at a time, got %d", consumed)
		}
		if complete && i != len(full)-1 {
			t.Fatalf("reported complete too early, at byte %d", i)
		}
	}
	if !complete {
		t.Fatalf("expected complete=true after the final byte")
	}

	cmd, _, err := p.Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	if cmd.Verb != CmdGet || cmd.Keys[0] != "foo" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestParserStorageCommandArgLen(t *testing.T) {
	p := NewParser()
	_, complete, err := p.Parse([]byte("set foo 0 0 5\r\n"))
	if err != nil || !complete {
		t.Fatalf("parse failed: complete=%v err=%v", complete, err)
	}
	cmd, argLen, err := p.Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	if cmd.Verb != CmdSet || cmd.Key != "foo" || cmd.bytes != 5 {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if argLen != 7 { // 5 declared bytes + trailing \r\n
		t.Fatalf("argLen = %d, want 7", argLen)
	}
}

func TestParserRejectsMalformedStorageHeader(t *testing.T) {
	p := NewParser()
	_, complete, err := p.Parse([]byte("set foo bad-flags 0 5\r\n"))
	if err != nil || !complete {
		t.Fatalf("parse failed: complete=%v err=%v", complete, err)
	}
	if _, _, err := p.Build(); err == nil {
		t.Fatalf("expected Build to reject non-numeric flags")
	}
}

func TestParserRejectsTooManyOrFewFields(t *testing.T) {
	p := NewParser()
	p.Parse([]byte("delete\r\n"))
	if _, _, err := p.Build(); err == nil {
		t.Fatalf("expected Build to reject delete with no key")
	}

	p.Reset()
	p.Parse([]byte("delete a b\r\n"))
	if _, _, err := p.Build(); err == nil {
		t.Fatalf("expected Build to reject delete with two keys")
	}
}

func TestParserVersionCommand(t *testing.T) {
	p := NewParser()
	p.Parse([]byte("version\r\n"))
	cmd, argLen, err := p.Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Verb != CmdVersion || argLen != 0 {
		t.Fatalf("unexpected command: %+v argLen=%d", cmd, argLen)
	}
}

func TestParserResetAllowsReuse(t *testing.T) {
	p := NewParser()
	p.Parse([]byte("get foo\r\n"))
	p.Build()
	p.Reset()

	_, complete, err := p.Parse([]byte("get bar\r\n"))
	if err != nil || !complete {
		t.Fatalf("parse after reset failed: complete=%v err=%v", complete, err)
	}
	cmd, _, err := p.Build()
	if err != nil || cmd.Keys[0] != "bar" {
		t.Fatalf("unexpected command after reset: %+v err=%v", cmd, err)
	}
}

func TestValidKey(t *testing.T) {
	cases := []struct {
		key string
		ok  bool
	}{
		{"", false},
		{"foo", true},
		{"has space", false},
		{string(make([]byte, maxKeyLength+1)), false},
	}
	for _, c := range cases {
		if got := validKey(c.key); got != c.ok {
			t.Errorf("validKey(%q) = %v, want %v", c.key, got, c.ok)
		}
	}
}
