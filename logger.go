package chainlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// KeySize is the size in bytes of the chain MAC key (SHA-256 output size).
const KeySize = 32

// ErrClosed is returned by operations on a Logger after Close.
var ErrClosed = errors.New("logger closed")

// Record field names, shared by the JSONL and protobuf forms.
const (
	fieldTimestamp = "timestamp"
	fieldEvent     = "event"
	fieldDetails   = "details"
	fieldPrevHash  = "prev_hash"
	fieldChainHash = "chain_hash"
)

// Record is one line of the audit log.
type Record struct {
	Timestamp string          `json:"timestamp"`
	Event     string          `json:"event"`
	Details   json.RawMessage `json:"details"`
	PrevHash  string          `json:"prev_hash"`
	ChainHash string          `json:"chain_hash"`
}

// DetailsMap decodes the record details into a generic map.
func (r Record) DetailsMap() (map[string]any, error) {
	out := map[string]any{}
	if len(r.Details) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Details, &out); err != nil {
		return nil, fmt.Errorf("decode details: %w", err)
	}
	return out, nil
}

// Store abstracts persistence of the chain.
type Store interface {
	// Append reads the current tail hash, lets build derive the next record
	// from it and persists that record, all under the store's append lock.
	Append(build func(prevHash string) (Record, error)) (Record, error)
	// Tail returns the chain hash of the last record, or "" when there is none.
	Tail() (string, error)
	// Iter streams records in log order. The returned func stops the stream
	// and reports any read or decode error hit while producing it.
	Iter() (<-chan Record, func() error, error)
	// Last returns up to n trailing records, oldest first.
	Last(n int) ([]Record, error)
	Close() error
}

// Logger is the Record Writer bound to a Store and a MAC key.
type Logger struct {
	mu     sync.Mutex
	store  Store
	key    [KeySize]byte
	source SecretSource
	now    func() time.Time
	log    *log.Helper
}

// New resolves the secret and opens the configured backend. Secret
// resolution never fails; errors come only from invalid config or a backend
// that cannot be opened.
func New(cfg Config) (*Logger, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	secret := ResolveSecret(cfg.Dir, SecretOptions{
		Key:        cfg.Key,
		EnvVar:     cfg.SecretEnv,
		FileName:   cfg.SecretFile,
		Logger:     cfg.Logger,
		LookupEnv:  cfg.lookupEnv,
		RandReader: cfg.randReader,
	})

	opts := []StoreOption{WithStoreLogger(cfg.Logger)}
	var (
		st  Store
		err error
	)
	switch cfg.Backend {
	case BackendSQLite:
		st, err = OpenSQLiteStore(cfg.DSN, opts...)
	default:
		if cfg.FileLock {
			opts = append(opts, WithFileLock())
		}
		st, err = OpenFileStore(cfg.LogPath(), opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}

	return NewWithStore(st, secret, cfg.Logger), nil
}

// NewWithStore binds a Logger to an already opened store and key.
func NewWithStore(st Store, secret Secret, logger log.Logger) *Logger {
	if logger == nil {
		logger = log.DefaultLogger
	}
	return &Logger{
		store:  st,
		key:    secret.Key,
		source: secret.Source,
		now:    time.Now,
		log:    log.NewHelper(log.With(logger, "module", "chainlog/logger")),
	}
}

// LogEvent appends one record and never fails: any error or panic is
// reported through the structured logger and the event is dropped.
func (l *Logger) LogEvent(eventType string, details map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorw("msg", "audit append panicked", "event", eventType, "panic", fmt.Sprint(r))
		}
	}()

	if _, err := l.Append(eventType, details); err != nil {
		l.log.Errorw("msg", "audit event dropped", "event", eventType, "error", err)
	}
}

// Append builds, chains and persists a record, returning what was written.
func (l *Logger) Append(eventType string, details map[string]any) (Record, error) {
	body, err := canonicalDetails(details)
	if err != nil {
		return Record{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return Record{}, ErrClosed
	}

	ts := formatTimestamp(l.now())
	return l.store.Append(func(prevHash string) (Record, error) {
		h, err := chainHash(l.key, prevHash, ts, eventType, body)
		if err != nil {
			return Record{}, err
		}
		return Record{
			Timestamp: ts,
			Event:     eventType,
			Details:   body,
			PrevHash:  prevHash,
			ChainHash: h,
		}, nil
	})
}

// VerifyChain replays the whole log with this logger's key.
func (l *Logger) VerifyChain() (bool, int) {
	return l.Verify().Result()
}

// Verify is VerifyChain with the failure position and reason.
func (l *Logger) Verify() VerifyResult {
	return NewVerifier(l.Store(), l.key).Verify()
}

// Last returns up to n trailing records.
func (l *Logger) Last(n int) ([]Record, error) {
	st := l.Store()
	if st == nil {
		return nil, ErrClosed
	}
	return st.Last(n)
}

// Store exposes the backing store, e.g. for export. It is nil after Close.
func (l *Logger) Store() Store {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store
}

// SecretSource reports where the MAC key came from.
func (l *Logger) SecretSource() SecretSource {
	return l.source
}

// Key returns the MAC key.
// WARNING: anyone holding it can forge a consistent chain.
func (l *Logger) Key() [KeySize]byte {
	return l.key
}

// Close releases the store.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return ErrClosed
	}
	err := l.store.Close()
	l.store = nil
	return err
}
