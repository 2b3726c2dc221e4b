package chainlog

import (
	"errors"
	"fmt"
)

// ErrPrevMismatch indicates a record whose prev_hash does not match the
// chain hash of the record before it: deletion, insertion or reordering.
var ErrPrevMismatch = errors.New("prev_hash mismatch: record removed, inserted or reordered")

// ErrTagMismatch indicates a MAC tag verification failure, suggesting tampering or incorrect keys.
var ErrTagMismatch = errors.New("chain_hash mismatch: tampering or wrong key")

// ErrMalformed indicates a log that could not be read or parsed.
var ErrMalformed = errors.New("malformed log")

// VerifyResult is the outcome of a chain replay.
type VerifyResult struct {
	Valid bool
	// Checked is the number of records that verified before the first break.
	// It is 0 when the log could not be read or parsed.
	Checked int
	// BrokenAt is the zero-based index of the first bad record, or -1.
	BrokenAt int
	Reason   error
}

// Result reduces r to the (valid, count) pair callers usually want.
func (r VerifyResult) Result() (bool, int) {
	return r.Valid, r.Checked
}

func (r VerifyResult) String() string {
	if r.Valid {
		return fmt.Sprintf("valid (%d records)", r.Checked)
	}
	return fmt.Sprintf("broken at record %d after %d valid: %v", r.BrokenAt, r.Checked, r.Reason)
}

func validResult(n int) VerifyResult {
	return VerifyResult{Valid: true, Checked: n, BrokenAt: -1}
}

// malformedResult is the (false, 0) outcome for unreadable input.
func malformedResult(at int, err error) VerifyResult {
	if !errors.Is(err, ErrMalformed) {
		err = fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return VerifyResult{Valid: false, Checked: 0, BrokenAt: at, Reason: err}
}

// chainWalker replays records one at a time against a key.
type chainWalker struct {
	key   [KeySize]byte
	prev  string
	count int
}

// step checks r against the running chain state and advances it.
func (w *chainWalker) step(r Record) error {
	expected, err := chainHash(w.key, w.prev, r.Timestamp, r.Event, r.Details)
	if err != nil {
		return fmt.Errorf("%w: record %d: %v", ErrMalformed, w.count, err)
	}
	if !hashEqual(r.PrevHash, w.prev) {
		return ErrPrevMismatch
	}
	if !hashEqual(r.ChainHash, expected) {
		return ErrTagMismatch
	}
	w.prev = r.ChainHash
	w.count++
	return nil
}

// fail turns a step error into a result.
func (w *chainWalker) fail(err error) VerifyResult {
	if errors.Is(err, ErrMalformed) {
		return malformedResult(w.count, err)
	}
	return VerifyResult{Valid: false, Checked: w.count, BrokenAt: w.count, Reason: err}
}

// VerifyRecords replays an in-memory chain, e.g. one read back from an export.
// A record missing a field is treated as carrying an empty value and so
// fails at its own index.
func VerifyRecords(records []Record, key [KeySize]byte) VerifyResult {
	w := chainWalker{key: key}
	for _, r := range records {
		if err := w.step(r); err != nil {
			return w.fail(err)
		}
	}
	return validResult(w.count)
}
