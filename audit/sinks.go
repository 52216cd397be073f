package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wolfeidau/aptg"
)

// FileConfig configures a rotated JSON lines file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Chain links each record to the previous one by hash.
	Chain bool
}

// FileSink appends JSON lines to a lumberjack-rotated file.
type FileSink struct {
	mu    sync.Mutex
	out   *lumberjack.Logger
	enc   *json.Encoder
	chain bool
	prev  string
}

// NewFileSink opens the audit file. With chaining enabled the last record of
// an existing file seeds the chain.
func NewFileSink(cfg FileConfig) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	s := &FileSink{
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
		chain: cfg.Chain,
	}
	s.enc = json.NewEncoder(s.out)

	if cfg.Chain {
		last, err := lastHash(cfg.Path)
		if err != nil {
			return nil, err
		}
		s.prev = last
	}
	return s, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Write(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chain {
		e.PrevHash = s.prev
		h, err := chainHash(e)
		if err != nil {
			return err
		}
		e.Hash = h
	}
	if err := s.enc.Encode(e); err != nil {
		return fmt.Errorf("writing audit record: %w", err)
	}
	if s.chain {
		s.prev = e.Hash
	}
	return nil
}

// Rotate closes the current file and starts a new one. The chain carries
// over into the new file.
func (s *FileSink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Rotate()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}

// chainHash is the BLAKE3 of the record with Hash cleared and PrevHash set.
func chainHash(e *Event) (string, error) {
	c := *e
	c.Hash = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("encoding audit record: %w", err)
	}
	return aptg.HashBytes(data).String(), nil
}

func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("opening audit file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var last string
	err = scanEvents(f, func(e *Event) error {
		last = e.Hash
		return nil
	})
	return last, err
}

// ChainError reports the first record that breaks a hash chain.
type ChainError struct {
	Line   int
	ID     string
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at line %d (event %s): %s", e.Line, e.ID, e.Reason)
}

// VerifyChain checks every record of a chained audit file and returns the
// number of records read.
func VerifyChain(r io.Reader) (int, error) {
	var (
		prev string
		line int
	)
	err := scanEvents(r, func(e *Event) error {
		line++
		if e.PrevHash != prev {
			return &ChainError{Line: line, ID: e.ID, Reason: "previous hash does not match"}
		}
		want, err := chainHash(e)
		if err != nil {
			return err
		}
		if e.Hash != want {
			return &ChainError{Line: line, ID: e.ID, Reason: "record hash does not match"}
		}
		prev = e.Hash
		return nil
	})
	return line, err
}

func scanEvents(r io.Reader, fn func(*Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("decoding audit record: %w", err)
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// WriterSink writes JSON lines to an arbitrary writer, typically stdout.
type WriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w)}
}

func (s *WriterSink) Name() string { return "writer" }

func (s *WriterSink) Write(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(e)
}

func (s *WriterSink) Close() error { return nil }

// Ring keeps the most recent events in memory for /audit/recent.
type Ring struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewRing creates a ring holding up to size events.
func NewRing(size int) *Ring {
	return &Ring{events: make([]Event, max(size, 1))}
}

func (r *Ring) Name() string { return "ring" }

func (r *Ring) Write(_ context.Context, e *Event) error {
	r.mu.Lock()
	r.events[r.next] = *e
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
	return nil
}

// Recent returns up to n events, newest first. n <= 0 returns all.
func (r *Ring) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.next
	if r.full {
		count = len(r.events)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.events)) % len(r.events)
		out = append(out, r.events[idx])
	}
	return out
}

func (r *Ring) Close() error { return nil }

// SlogSink mirrors events into the process log. Denials and failures log at
// warn level.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink logging through logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger.With("component", "audit")}
}

func (s *SlogSink) Name() string { return "slog" }

func (s *SlogSink) Write(ctx context.Context, e *Event) error {
	level := slog.LevelInfo
	if e.Outcome != "served" || e.Degraded {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "audit",
		slog.String("event_id", e.ID),
		slog.String("request_id", e.RequestID),
		slog.String("path", e.Path),
		slog.String("client_ip", e.ClientIP),
		slog.String("policy", e.Policy),
		slog.String("cache", e.Cache),
		slog.String("verification", e.Verification),
		slog.String("outcome", e.Outcome),
		slog.String("detail", e.Detail),
		slog.Bool("degraded", e.Degraded),
		slog.Int64("duration_ms", e.DurationMS))
	return nil
}

func (s *SlogSink) Close() error { return nil }
