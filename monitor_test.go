package chainlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedVerifier returns the queued results in order, repeating the last one.
type scriptedVerifier struct {
	mu      sync.Mutex
	results []VerifyResult
	calls   int
}

func (s *scriptedVerifier) Verify() VerifyResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i]
}

func (s *scriptedVerifier) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestMonitor_ReportsBreak(t *testing.T) {
	broken := VerifyResult{Checked: 2, BrokenAt: 2, Reason: ErrTagMismatch}
	v := &scriptedVerifier{results: []VerifyResult{validResult(3), broken}}

	var got []VerifyResult
	m := NewMonitor(v, time.Hour, func(r VerifyResult) { got = append(got, r) }, discardLogger())

	assert.True(t, m.Check().Valid)
	assert.Empty(t, got)

	res := m.Check()
	assert.False(t, res.Valid)
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].Reason, ErrTagMismatch)
	assert.Equal(t, res, m.Last())
}

func TestMonitor_DetectsTruncation(t *testing.T) {
	v := &scriptedVerifier{results: []VerifyResult{validResult(5), validResult(3), validResult(6)}}

	var got []VerifyResult
	m := NewMonitor(v, time.Hour, func(r VerifyResult) { got = append(got, r) }, discardLogger())

	m.Check()
	res := m.Check()
	assert.False(t, res.Valid)
	assert.Equal(t, 3, res.BrokenAt)
	assert.True(t, errors.Is(res.Reason, ErrTruncated))
	require.Len(t, got, 1)

	assert.True(t, m.Check().Valid)
}

func TestMonitor_RealChain(t *testing.T) {
	l := newTestLogger(t, t.TempDir())
	l.LogEvent("a", nil)
	l.LogEvent("b", nil)

	m := NewMonitor(l, time.Hour, nil, discardLogger())
	res := m.Check()
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.Checked)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	v := &scriptedVerifier{results: []VerifyResult{validResult(1)}}
	m := NewMonitor(v, 5*time.Millisecond, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return v.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewMonitor_DefaultInterval(t *testing.T) {
	m := NewMonitor(&scriptedVerifier{results: []VerifyResult{validResult(0)}}, 0, nil, nil)
	assert.Equal(t, DefaultMonitorInterval, m.interval)
}
