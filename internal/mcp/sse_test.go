package mcp

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSSEScanner_Events(t *testing.T) {
	input := ": keepalive\r\n" +
		"event: endpoint\r\n" +
		"data: /message?sessionId=abc\r\n" +
		"\r\n" +
		"id: 7\n" +
		"data: {\"a\":1,\n" +
		"data: \"b\":2}\n" +
		"\n"

	s := newSSEScanner(strings.NewReader(input), maxSSEEventSize)

	ev, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Event != "endpoint" || string(ev.Data) != "/message?sessionId=abc" {
		t.Errorf("first event = %q %q", ev.Event, ev.Data)
	}

	ev, err = s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.ID != "7" || string(ev.Data) != "{\"a\":1,\n\"b\":2}" {
		t.Errorf("second event = id %q data %q", ev.ID, ev.Data)
	}

	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next at end = %v, want io.EOF", err)
	}
}

func TestSSEScanner_UnknownLinesKept(t *testing.T) {
	s := newSSEScanner(strings.NewReader("sessionId=xyz\n\n"), maxSSEEventSize)
	ev, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(ev.Other) != 1 || ev.Other[0] != "sessionId=xyz" {
		t.Errorf("Other = %v, want [sessionId=xyz]", ev.Other)
	}
}

func TestSSEScanner_TrailingEventWithoutBlankLine(t *testing.T) {
	s := newSSEScanner(strings.NewReader("data: tail\n"), maxSSEEventSize)
	ev, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(ev.Data) != "tail" {
		t.Errorf("data = %q, want tail", ev.Data)
	}
}

func TestSSEScanner_MaxSize(t *testing.T) {
	s := newSSEScanner(strings.NewReader("data: "+strings.Repeat("x", 100)+"\n\n"), 32)
	if _, err := s.Next(); err == nil {
		t.Error("Next should fail for an oversized event")
	}
}

func TestSessionIDMarker(t *testing.T) {
	tests := map[string]string{
		"data: /message?sessionId=abc":         "abc",
		"sessionId=abc&foo=bar":                "abc",
		`{"endpoint":"/m?sessionId=q1"}`:       "q1",
		"no marker here":                       "",
		"http://h/message?sessionId=s-9 extra": "s-9",
	}
	for in, want := range tests {
		if got := sessionIDMarker(in); got != want {
			t.Errorf("sessionIDMarker(%q) = %q, want %q", in, got, want)
		}
	}
}
