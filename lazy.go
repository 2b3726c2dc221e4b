package chainlog

import (
	"sync"

	"github.com/go-kratos/kratos/v2/log"
)

// Lazy defers building a Logger until the first event, then shares it.
// Construct one per process and hand it to whatever needs to audit.
type Lazy struct {
	cfg    Config
	once   sync.Once
	logger *Logger
	err    error
	log    *log.Helper
}

// NewLazy returns a handle that calls New(cfg) on first use.
func NewLazy(cfg Config) *Lazy {
	logger := cfg.Logger
	if logger == nil {
		logger = log.DefaultLogger
	}
	return &Lazy{
		cfg: cfg,
		log: log.NewHelper(log.With(logger, "module", "chainlog/lazy")),
	}
}

// Get returns the shared Logger, creating it on the first call.
// A construction error is sticky.
func (z *Lazy) Get() (*Logger, error) {
	z.once.Do(func() {
		z.logger, z.err = New(z.cfg)
		if z.err != nil {
			z.log.Errorw("msg", "audit logger unavailable", "error", z.err)
		}
	})
	return z.logger, z.err
}

// LogEvent appends through the shared Logger. It never fails.
func (z *Lazy) LogEvent(eventType string, details map[string]any) {
	l, err := z.Get()
	if err != nil {
		z.log.Warnw("msg", "audit event dropped", "event", eventType, "error", err)
		return
	}
	l.LogEvent(eventType, details)
}

// VerifyChain verifies through the shared Logger; (false, 0) if it could not be built.
func (z *Lazy) VerifyChain() (bool, int) {
	l, err := z.Get()
	if err != nil {
		return false, 0
	}
	return l.VerifyChain()
}
