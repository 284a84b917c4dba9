// Package journal keeps an append-only JSON-lines record of job outcomes.
//
// Appends are accepted into memory and written by a background flusher.
// When the in-memory buffer is full, Append fails fast with ErrBackpressure
// instead of blocking the worker that reported the outcome.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/buildqueue/pkg/core"
	"github.com/fluxorio/buildqueue/pkg/workqueue"
)

// Durability specifies when Append is acknowledged.
type Durability int

const (
	// DurabilityMemory acknowledges once the entry is accepted into memory.
	DurabilityMemory Durability = iota
	// DurabilityFsync acknowledges once the entry is written and fsync'd.
	DurabilityFsync
)

// Errors.
var (
	ErrClosed       = errors.New("journal is closed")
	ErrBackpressure = errors.New("journal buffer is full")
	ErrInvalidRead  = errors.New("read limit must be positive")
)

// Entry is one journal line.
type Entry struct {
	Seq     uint64        `json:"seq"`
	Time    time.Time     `json:"time"`
	Queue   string        `json:"queue"`
	JobID   string        `json:"job_id"`
	Title   string        `json:"title"`
	OK      bool          `json:"ok"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Config configures a journal file.
type Config struct {
	Path string

	// MaxBuffered bounds the number of entries awaiting flush.
	MaxBuffered int

	Durability Durability
}

// Stats exposes basic operational counters.
type Stats struct {
	Buffered int64 `json:"buffered"`
	Written  int64 `json:"written_bytes"`
	Appended int64 `json:"appended"`
	Rejected int64 `json:"rejected"`
}

type appendReq struct {
	entry Entry
	ack   chan error
}

// Journal is a JSON-lines file of job outcomes. It implements
// workqueue.Observer by recording every finished job.
type Journal struct {
	workqueue.NopObserver

	cfg    Config
	logger core.Logger

	// mu guards closed and sends on appendCh.
	mu     sync.Mutex
	closed bool

	fileMu sync.Mutex
	file   *os.File
	buf    *bufio.Writer

	nextSeq  atomic.Uint64
	appendCh chan appendReq
	flushWg  sync.WaitGroup

	buffered atomic.Int64
	written  atomic.Int64
	appended atomic.Int64
	rejected atomic.Int64
}

var _ workqueue.Observer = (*Journal)(nil)

// Open opens or creates the journal at cfg.Path. Sequence numbers continue
// after the highest one already in the file.
func Open(cfg Config, logger core.Logger) (*Journal, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 1024
	}
	if logger == nil {
		logger = core.NewNopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	last, size, err := scanLastSeq(cfg.Path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	// Drop a torn tail so new lines start clean.
	if st, err := f.Stat(); err == nil && st.Size() > size {
		logger.Warnf("journal: truncating %d torn bytes from %s", st.Size()-size, cfg.Path)
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	j := &Journal{
		cfg:      cfg,
		logger:   logger,
		file:     f,
		buf:      bufio.NewWriterSize(f, 64<<10),
		appendCh: make(chan appendReq, cfg.MaxBuffered),
	}
	j.nextSeq.Store(last + 1)

	j.flushWg.Add(1)
	go j.flushLoop()
	return j, nil
}

// Append assigns the next sequence number to e and queues it for writing.
// A zero Time is set to now.
func (j *Journal) Append(e Entry) (uint64, error) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return 0, ErrClosed
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Seq = j.nextSeq.Add(1) - 1

	req := appendReq{entry: e}
	if j.cfg.Durability == DurabilityFsync {
		req.ack = make(chan error, 1)
	}

	select {
	case j.appendCh <- req:
		j.buffered.Add(1)
		j.appended.Add(1)
	default:
		// The sequence number is burnt; readers must not assume gaps are errors.
		j.mu.Unlock()
		j.rejected.Add(1)
		return 0, ErrBackpressure
	}
	j.mu.Unlock()

	if req.ack == nil {
		return e.Seq, nil
	}
	return e.Seq, <-req.ack
}

func (j *Journal) flushLoop() {
	defer j.flushWg.Done()

	for req := range j.appendCh {
		err := j.write(req.entry)
		j.buffered.Add(-1)
		if err != nil {
			j.logger.Errorf("journal: failed to write entry %d: %v", req.entry.Seq, err)
		}
		if req.ack != nil {
			req.ack <- err
		}
	}
}

func (j *Journal) write(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	j.fileMu.Lock()
	defer j.fileMu.Unlock()

	if _, err := j.buf.Write(line); err != nil {
		return err
	}
	j.written.Add(int64(len(line)))

	if j.cfg.Durability == DurabilityFsync || len(j.appendCh) == 0 {
		if err := j.buf.Flush(); err != nil {
			return err
		}
	}
	if j.cfg.Durability == DurabilityFsync {
		return j.file.Sync()
	}
	return nil
}

// Read returns up to limit entries with Seq >= from, in file order. Entries
// still buffered in memory are not visible until flushed.
func (j *Journal) Read(from uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, ErrInvalidRead
	}
	return readEntries(j.cfg.Path, from, limit)
}

// Sync flushes written entries to disk.
func (j *Journal) Sync() error {
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return ErrClosed
	}

	j.fileMu.Lock()
	defer j.fileMu.Unlock()
	if err := j.buf.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

// Close stops accepting entries, drains the buffer and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.appendCh)
	j.mu.Unlock()

	j.flushWg.Wait()

	j.fileMu.Lock()
	defer j.fileMu.Unlock()
	if err := j.buf.Flush(); err != nil {
		_ = j.file.Close()
		return err
	}
	return j.file.Close()
}

// Stats returns operational counters.
func (j *Journal) Stats() Stats {
	return Stats{
		Buffered: j.buffered.Load(),
		Written:  j.written.Load(),
		Appended: j.appended.Load(),
		Rejected: j.rejected.Load(),
	}
}

// JobFinished implements workqueue.Observer.
func (j *Journal) JobFinished(_ context.Context, queue string, job workqueue.JobInfo, ok bool, elapsed time.Duration) {
	_, err := j.Append(Entry{
		Queue:   queue,
		JobID:   job.ID,
		Title:   job.Title,
		OK:      ok,
		Elapsed: elapsed,
	})
	if err != nil {
		j.logger.Warnf("journal: dropped outcome of %q: %v", job.Title, err)
	}
}

// scanLastSeq returns the highest sequence number in the file at path and
// the size of its complete lines. Both are zero when it does not exist.
func scanLastSeq(path string) (uint64, int64, error) {
	var last uint64
	size, err := scan(path, func(e Entry) bool {
		if e.Seq > last {
			last = e.Seq
		}
		return true
	})
	return last, size, err
}

func readEntries(path string, from uint64, limit int) ([]Entry, error) {
	out := make([]Entry, 0, min(limit, 128))
	_, err := scan(path, func(e Entry) bool {
		if e.Seq >= from {
			out = append(out, e)
		}
		return len(out) < limit
	})
	return out, err
}

// scan decodes entries in file order until fn returns false and returns the
// number of bytes consumed. A torn last line (crash mid-write) ends the scan
// without error.
func scan(path string, fn func(Entry) bool) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var n int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return n, fmt.Errorf("corrupt journal line in %s: %w", path, err)
		}
		n += int64(len(line))
		if !fn(e) {
			return n, nil
		}
	}
}
