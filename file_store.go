package chainlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/go-kratos/kratos/v2/log"
)

// fileStore implements Store over a JSON-Lines file with append-only semantics.
// Each line is one Record:
//
//	{"timestamp":"...","event":"...","details":{...},"prev_hash":"...","chain_hash":"..."}
//
// No file handle is held between calls. With WithFileLock, appends also take
// an exclusive flock(2) on "<path>.lock" so separate processes serialize
// their read-tail-then-append sequences.
type fileStore struct {
	path     string
	fileLock bool
	mu       sync.RWMutex
	log      *log.Helper
}

// tailChunkSize is how far each backwards read reaches when looking for the last line.
const tailChunkSize = 4096

type storeOptions struct {
	logger   log.Logger
	fileLock bool
}

// StoreOption configures OpenFileStore and OpenSQLiteStore.
type StoreOption func(*storeOptions)

// WithStoreLogger routes store diagnostics to logger.
func WithStoreLogger(logger log.Logger) StoreOption {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithFileLock enables the cross-process advisory lock on the file store.
func WithFileLock() StoreOption {
	return func(o *storeOptions) { o.fileLock = true }
}

func buildStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{logger: log.DefaultLogger}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// OpenFileStore prepares a JSONL store at path. A missing directory is
// created; if that fails the store is still returned and appends are
// dropped until the directory becomes writable.
func OpenFileStore(path string, opts ...StoreOption) (Store, error) {
	if path == "" {
		return nil, errors.New("empty log path")
	}
	o := buildStoreOptions(opts)
	s := &fileStore{
		path:     path,
		fileLock: o.fileLock,
		log:      log.NewHelper(log.With(o.logger, "module", "chainlog/filestore")),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		s.log.Warnw("msg", "cannot create log directory", "path", path, "error", err)
	}
	return s, nil
}

// Append writes the next record as a single line.
func (s *fileStore) Append(build func(prevHash string) (Record, error)) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fileLock {
		unlock, err := s.lockFile()
		if err != nil {
			return Record{}, err
		}
		defer unlock()
	}

	prev, err := lastHash(s.path)
	if err != nil {
		s.log.Warnw("msg", "unreadable log tail, starting a new chain segment", "path", s.path, "error", err)
		prev = ""
	}

	rec, err := build(prev)
	if err != nil {
		return Record{}, err
	}

	line, err := encodeLine(rec)
	if err != nil {
		return Record{}, err
	}

	if err := appendLine(s.path, line); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *fileStore) lockFile() (func(), error) {
	f, err := os.OpenFile(s.path+".lock", os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock log file: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}

// encodeLine renders rec as compact JSON terminated by a newline.
func encodeLine(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return buf.Bytes(), nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	n, err := f.Write(line)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if n != len(line) {
		_ = f.Close()
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(line))
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync log file: %w", err)
	}
	return f.Close()
}

// Tail returns the chain hash of the last record.
func (s *fileStore) Tail() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastHash(s.path)
}

// ReadLastHash returns the chain_hash of the last non-empty line of the log
// at path, or "" if the file is missing, empty or its last line is not a
// readable record. It never fails.
func ReadLastHash(path string) string {
	h, err := lastHash(path)
	if err != nil {
		return ""
	}
	return h
}

func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	line, err := lastLine(f)
	if err != nil {
		return "", err
	}
	if line == nil {
		return "", nil
	}

	fields, err := decodeFields(line)
	if err != nil {
		return "", fmt.Errorf("decode last record: %w", err)
	}
	if _, ok := fields[fieldChainHash]; !ok {
		return "", errors.New("last record has no chain_hash")
	}
	return stringField(fields, fieldChainHash)
}

// decodeFields splits one JSONL line into its top-level members.
// encoding/json matches struct tags case-insensitively, so record fields are
// looked up here by exact key and variants such as "Details" stay ignored.
func decodeFields(line []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("record is null")
	}
	return fields, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("field %s: %w", name, err)
	}
	return s, nil
}

// decodeRecord parses one log line. Missing fields stay empty.
func decodeRecord(line []byte) (Record, error) {
	fields, err := decodeFields(line)
	if err != nil {
		return Record{}, err
	}
	var r Record
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{fieldTimestamp, &r.Timestamp},
		{fieldEvent, &r.Event},
		{fieldPrevHash, &r.PrevHash},
		{fieldChainHash, &r.ChainHash},
	} {
		if *f.dst, err = stringField(fields, f.name); err != nil {
			return Record{}, err
		}
	}
	if raw, ok := fields[fieldDetails]; ok {
		r.Details = raw
	}
	return r, nil
}

// lastLine reads backwards from the end of f and returns its last non-blank
// line, or nil when the file holds only whitespace.
func lastLine(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	var (
		tail []byte // bytes from the current read position to EOF
		pos  = info.Size()
	)
	for pos > 0 {
		n := int64(tailChunkSize)
		if pos < n {
			n = pos
		}
		pos -= n
		chunk := make([]byte, n)
		if _, err := f.ReadAt(chunk, pos); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read log tail: %w", err)
		}
		tail = append(chunk, tail...)

		trimmed := bytes.TrimRight(tail, " \t\r\n")
		if len(trimmed) == 0 {
			tail = tail[:0]
			continue
		}
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
			return bytes.TrimSpace(trimmed[i+1:]), nil
		}
		tail = trimmed
	}
	if len(tail) == 0 {
		return nil, nil
	}
	return bytes.TrimSpace(tail), nil
}

// Iter streams records present when it was called.
func (s *fileStore) Iter() (<-chan Record, func() error, error) {
	s.mu.RLock()
	file, err := os.Open(s.path)
	var size int64
	if err == nil {
		var info os.FileInfo
		info, err = file.Stat()
		if err == nil {
			size = info.Size()
		} else {
			_ = file.Close()
		}
	}
	s.mu.RUnlock()

	if err != nil {
		if os.IsNotExist(err) {
			out := make(chan Record)
			close(out)
			return out, func() error { return nil }, nil
		}
		return nil, nil, fmt.Errorf("open log file for reading: %w", err)
	}

	out := make(chan Record, 64)
	it := newIterState()

	go func() {
		defer close(out)
		defer close(it.finished)
		defer file.Close()

		reader := bufio.NewReader(io.LimitReader(file, size))
		for {
			line, rerr := reader.ReadBytes('\n')
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				r, err := decodeRecord(trimmed)
				if err != nil {
					it.err = fmt.Errorf("decode record: %w", err)
					return
				}
				select {
				case out <- r:
				case <-it.done:
					return
				}
			}
			if rerr != nil {
				if rerr != io.EOF {
					it.err = fmt.Errorf("read log file: %w", rerr)
				}
				return
			}
		}
	}()

	return out, it.stop, nil
}

// iterState coordinates an Iter producer goroutine with its consumer.
type iterState struct {
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
	err      error
}

func newIterState() *iterState {
	return &iterState{done: make(chan struct{}), finished: make(chan struct{})}
}

// stop cancels the producer, waits for it to exit and returns its error.
func (it *iterState) stop() error {
	it.once.Do(func() { close(it.done) })
	<-it.finished
	return it.err
}

// Last returns up to n trailing records, oldest first.
func (s *fileStore) Last(n int) ([]Record, error) {
	if n <= 0 {
		return []Record{}, nil
	}
	ch, done, err := s.Iter()
	if err != nil {
		return nil, err
	}
	ring := make([]Record, 0, n)
	for r := range ch {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, r)
	}
	if err := done(); err != nil {
		return nil, err
	}
	return ring, nil
}

// Close is a no-op: the store holds no open handles.
func (s *fileStore) Close() error {
	return nil
}
