package chainlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// DefaultMonitorInterval is used when NewMonitor gets a non-positive interval.
const DefaultMonitorInterval = time.Minute

// ErrTruncated is reported when a verified chain has fewer records than the previous check.
var ErrTruncated = errors.New("chain shrank since last check: trailing records removed")

// Monitor re-verifies a chain periodically and reports breaks.
type Monitor struct {
	verifier ChainVerifier
	interval time.Duration
	onBroken func(VerifyResult)
	log      *log.Helper

	mu   sync.Mutex
	last VerifyResult
	seen int // highest verified record count so far
}

// NewMonitor creates a monitor. onBroken may be nil.
func NewMonitor(v ChainVerifier, interval time.Duration, onBroken func(VerifyResult), logger log.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if logger == nil {
		logger = log.DefaultLogger
	}
	return &Monitor{
		verifier: v,
		interval: interval,
		onBroken: onBroken,
		log:      log.NewHelper(log.With(logger, "module", "chainlog/monitor")),
	}
}

// Run checks immediately and then once per interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs one verification and returns its result.
func (m *Monitor) Check() VerifyResult {
	res := m.verifier.Verify()

	m.mu.Lock()
	if res.Valid && res.Checked < m.seen {
		res = VerifyResult{
			Valid:    false,
			Checked:  res.Checked,
			BrokenAt: res.Checked,
			Reason:   fmt.Errorf("%w: %d < %d", ErrTruncated, res.Checked, m.seen),
		}
	}
	if res.Valid {
		m.seen = res.Checked
	}
	m.last = res
	m.mu.Unlock()

	if res.Valid {
		m.log.Debugw("msg", "chain verified", "records", res.Checked)
		return res
	}
	m.log.Errorw("msg", "audit chain broken", "broken_at", res.BrokenAt, "checked", res.Checked, "reason", res.Reason)
	if m.onBroken != nil {
		m.onBroken(res)
	}
	return res
}

// Last returns the most recent result.
func (m *Monitor) Last() VerifyResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
