package llm

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one Server-Sent Event.
type sseEvent struct {
	Type string
	Data string
}

// sseScanner reads events from a text/event-stream body. Events end at a
// blank line; data lines are joined with newlines and comment lines are
// skipped.
type sseScanner struct {
	r   *bufio.Reader
	ev  sseEvent
	err error
	eof bool
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at end of stream or on
// a read error; Err tells them apart.
func (s *sseScanner) Next() bool {
	if s.eof || s.err != nil {
		return false
	}
	var (
		data    []string
		typ     string
		hasData bool
	)
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && line == "" {
			if err != io.EOF {
				s.err = err
				return false
			}
			s.eof = true
			if hasData {
				s.ev = sseEvent{Type: typ, Data: strings.Join(data, "\n")}
				return true
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				s.ev = sseEvent{Type: typ, Data: strings.Join(data, "\n")}
				return true
			}
			typ = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			typ = value
		}
	}
}

func (s *sseScanner) Event() sseEvent { return s.ev }

func (s *sseScanner) Err() error { return s.err }
