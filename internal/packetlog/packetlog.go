// Package packetlog writes optional NDJSON telemetry for channel frames.
//
// A nil *Logger is valid and discards everything, so callers never need to
// check whether telemetry is enabled.
package packetlog

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

type Record struct {
	RunID     string `json:"run_id"`
	Timestamp string `json:"ts"`
	Type      string `json:"type"`
	Direction string `json:"direction,omitempty"`
	Peer      string `json:"peer,omitempty"`
	Length    int    `json:"len,omitempty"`
	Tag       string `json:"tag,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

const (
	DirIn  = "in"
	DirOut = "out"
)

type Logger struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func New(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Logger{
		f: f,
		w: bufio.NewWriterSize(f, 256*1024),
	}, nil
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w != nil {
		_ = l.w.Flush()
	}
	if l.f != nil {
		err := l.f.Close()
		l.f, l.w = nil, nil
		return err
	}
	return nil
}

func (l *Logger) Log(rec Record) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w == nil {
		return
	}
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_, _ = l.w.Write(append(line, '\n'))
	_ = l.w.Flush()
}

// Frame records one websocket frame.
func (l *Logger) Frame(runID, dir, peer, opcode string, n int) {
	if l == nil {
		return
	}
	l.Log(Record{
		RunID:     runID,
		Type:      "frame",
		Direction: dir,
		Peer:      peer,
		Length:    n,
		Tag:       opcode,
	})
}
