package main

import "testing"

func TestExecuteSetStoredAndGet(t *testing.T) {
	s := NewStore(1024)
	cmd := &Command{Verb: CmdSet, Key: "foo", Body: []byte("bar")}
	if got := cmd.Execute(s); got != replyStored {
		t.Fatalf("got %q, want %q", got, replyStored)
	}

	get := &Command{Verb: CmdGet, Keys: []string{"foo"}}
	want := "VALUE foo 0 3\r\nbar\r\n" + replyEnd
	if got := get.Execute(s); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExecuteSetTooLarge(t *testing.T) {
	s := NewStore(2)
	cmd := &Command{Verb: CmdSet, Key: "foo", Body: []byte("bar")}
	if got := cmd.Execute(s); got != replyTooLarge {
		t.Fatalf("got %q, want %q", got, replyTooLarge)
	}
}

func TestExecuteAddRejectsExisting(t *testing.T) {
	s := NewStore(1024)
	s.Put("foo", "bar")
	cmd := &Command{Verb: CmdAdd, Key: "foo", Body: []byte("baz")}
	if got := cmd.Execute(s); got != replyNotStored {
		t.Fatalf("got %q, want %q", got, replyNotStored)
	}
}

func TestExecuteReplaceRequiresExisting(t *testing.T) {
	s := NewStore(1024)
	cmd := &Command{Verb: CmdReplace, Key: "foo", Body: []byte("bar")}
	if got := cmd.Execute(s); got != replyNotStored {
		t.Fatalf("got %q, want %q", got, replyNotStored)
	}

	s.Put("foo", "old")
	if got := cmd.Execute(s); got != replyStored {
		t.Fatalf("got %q, want %q", got, replyStored)
	}
	v, _ := s.Get("foo")
	if v != "bar" {
		t.Fatalf("got %q, want bar", v)
	}
}

func TestExecuteAppend(t *testing.T) {
	s := NewStore(1024)
	s.Put("foo", "ab")
	cmd := &Command{Verb: CmdAppend, Key: "foo", Body: []byte("cd")}
	if got := cmd.Execute(s); got != replyStored {
		t.Fatalf("got %q, want %q", got, replyStored)
	}
	v, _ := s.Get("foo")
	if v != "abcd" {
		t.Fatalf("got %q, want abcd", v)
	}
}

func TestExecuteAppendMissingIsNotStored(t *testing.T) {
	s := NewStore(1024)
	cmd := &Command{Verb: CmdAppend, Key: "foo", Body: []byte("cd")}
	if got := cmd.Execute(s); got != replyNotStored {
		t.Fatalf("got %q, want %q", got, replyNotStored)
	}
}

func TestExecuteDelete(t *testing.T) {
	s := NewStore(1024)
	s.Put("foo", "bar")

	cmd := &Command{Verb: CmdDelete, Key: "foo"}
	if got := cmd.Execute(s); got != replyDeleted {
		t.Fatalf("got %q, want %q", got, replyDeleted)
	}
	if got := cmd.Execute(s); got != replyNotFound {
		t.Fatalf("got %q, want %q", got, replyNotFound)
	}
}

func TestExecuteGetMultipleKeysMissesSkipped(t *testing.T) {
	s := NewStore(1024)
	s.Put("a", "1")
	s.Put("c", "3")

	cmd := &Command{Verb: CmdGet, Keys: []string{"a", "b", "c"}}
	want := "VALUE a 0 1\r\n1\r\n" + "VALUE c 0 1\r\n3\r\n" + replyEnd
	if got := cmd.Execute(s); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExecuteVersion(t *testing.T) {
	s := NewStore(1024)
	cmd := &Command{Verb: CmdVersion}
	want := "VERSION " + buildVersion
	if got := cmd.Execute(s); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
