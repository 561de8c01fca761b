// Package journal keeps the operator-facing activity log: one JSON object
// per line, written through zap, pruned to a retention window.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Entry is one decoded journal line.
type Entry struct {
	Time   time.Time
	Level  string
	Msg    string
	Fields map[string]any
}

// fileSink is the zap WriteSyncer. Prune swaps the file underneath it.
type fileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, os.ErrClosed
	}
	return s.f.Write(p)
}

func (s *fileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	return s.f.Sync()
}

func (s *fileSink) reopen() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

type Journal struct {
	sink *fileSink
	log  *zap.Logger
}

func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	sink := &fileSink{path: path}
	if err := sink.reopen(); err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.MessageKey = "msg"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	enc.CallerKey = zapcore.OmitKey
	enc.StacktraceKey = zapcore.OmitKey
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), sink, zap.InfoLevel)

	return &Journal{sink: sink, log: zap.New(core)}, nil
}

// Action records something the bot did.
func (j *Journal) Action(msg string, fields ...zap.Field) {
	j.log.Info(msg, fields...)
}

// Error records a failure with its cause.
func (j *Journal) Error(msg string, err error, fields ...zap.Field) {
	j.log.Error(msg, append(fields, zap.Error(err))...)
}

// Recent returns the last n entries, oldest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	_ = j.log.Sync()
	j.sink.mu.Lock()
	defer j.sink.mu.Unlock()

	all, err := readEntries(j.sink.path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// Prune drops entries older than maxAge and reports how many were removed.
func (j *Journal) Prune(maxAge time.Duration, now time.Time) (int, error) {
	_ = j.log.Sync()
	s := j.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-maxAge)
	in, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	var (
		kept    []string
		removed int
	)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		e, ok := decode(line)
		if ok && e.Time.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	in.Close()
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".journal-*")
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(tmp)
	for _, line := range kept {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, err
	}
	tmp.Close()

	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		_ = s.reopen()
		return 0, err
	}
	return removed, s.reopen()
}

func (j *Journal) Close() error {
	_ = j.log.Sync()
	j.sink.mu.Lock()
	defer j.sink.mu.Unlock()
	if j.sink.f == nil {
		return nil
	}
	err := j.sink.f.Close()
	j.sink.f = nil
	return err
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if e, ok := decode(sc.Text()); ok {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}

func decode(line string) (Entry, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return Entry{}, false
	}
	e := Entry{Fields: m}
	if s, ok := m["ts"].(string); ok {
		e.Time, _ = time.Parse(time.RFC3339Nano, s)
	}
	e.Level, _ = m["level"].(string)
	e.Msg, _ = m["msg"].(string)
	delete(m, "ts")
	delete(m, "level")
	delete(m, "msg")
	return e, true
}
