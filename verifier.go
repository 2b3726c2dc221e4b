package chainlog

import (
	"fmt"
)

// ChainVerifier replays a chain and reports the outcome.
type ChainVerifier interface {
	Verify() VerifyResult
}

// Verifier checks a stored chain from its first record using the MAC key.
// Anyone holding the key can run it; anyone holding the key can also forge.
type Verifier struct {
	store Store
	key   [KeySize]byte
}

// NewVerifier creates a verifier over store.
func NewVerifier(store Store, key [KeySize]byte) *Verifier {
	return &Verifier{store: store, key: key}
}

// VerifyChain returns (true, n) for an intact chain of n records, (false, k)
// when record k is the first that does not verify, and (false, 0) when the
// log cannot be read or parsed. A log that does not exist yet is (true, 0).
func (v *Verifier) VerifyChain() (bool, int) {
	return v.Verify().Result()
}

// Verify is VerifyChain with diagnostics. It never panics.
func (v *Verifier) Verify() (res VerifyResult) {
	defer func() {
		if r := recover(); r != nil {
			res = malformedResult(-1, fmt.Errorf("verify panicked: %v", r))
		}
	}()

	if v.store == nil {
		return malformedResult(-1, ErrClosed)
	}

	ch, done, err := v.store.Iter()
	if err != nil {
		return malformedResult(-1, err)
	}

	w := chainWalker{key: v.key}
	for r := range ch {
		if err := w.step(r); err != nil {
			_ = done()
			return w.fail(err)
		}
	}
	if err := done(); err != nil {
		return malformedResult(w.count, err)
	}
	return validResult(w.count)
}
