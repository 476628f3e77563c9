package mcp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// maxSSEEventSize bounds a single event so a misbehaving server cannot
// force unbounded buffering.
const maxSSEEventSize = 10 << 20

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  []byte
	// Other holds lines that were not recognized SSE fields. Some
	// servers announce the session as a bare line, so these are kept
	// for the sessionId fallback.
	Other []string
}

type sseScanner struct {
	reader   *bufio.Reader
	maxSize  int
	currSize int
}

func newSSEScanner(r io.Reader, maxSize int) *sseScanner {
	return &sseScanner{
		reader:  bufio.NewReader(r),
		maxSize: maxSize,
	}
}

// Next reads the next event. It returns io.EOF when the stream ends
// with nothing pending.
func (s *sseScanner) Next() (*sseEvent, error) {
	event := &sseEvent{}
	var dataLines [][]byte
	s.currSize = 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && (len(dataLines) > 0 || len(event.Other) > 0) {
				event.Data = bytes.Join(dataLines, []byte("\n"))
				return event, nil
			}
			return nil, err
		}

		s.currSize += len(line)
		if s.currSize > s.maxSize {
			return nil, fmt.Errorf("SSE event exceeds maximum size of %d bytes", s.maxSize)
		}

		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))

		// Blank line dispatches.
		if len(line) == 0 {
			if len(dataLines) > 0 || event.ID != "" || event.Event != "" || len(event.Other) > 0 {
				event.Data = bytes.Join(dataLines, []byte("\n"))
				return event, nil
			}
			continue
		}

		if line[0] == ':' {
			continue
		}

		var field, value []byte
		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx == -1 {
			field = line
		} else {
			field = line[:colonIdx]
			value = line[colonIdx+1:]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
		}

		switch string(field) {
		case "id":
			event.ID = string(value)
		case "event":
			event.Event = string(value)
		case "data":
			dataLines = append(dataLines, value)
		case "retry":
		default:
			event.Other = append(event.Other, string(line))
		}
	}
}
