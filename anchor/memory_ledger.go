package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// MemoryLedger is an in-process hash chain used when no ledger gateway is
// configured, and in tests. Each reference commits to the previous one.
type MemoryLedger struct {
	mu      sync.Mutex
	head    string
	entries map[string]memoryEntry
	fail    error
	calls   int
}

type memoryEntry struct {
	fingerprint string
	ref         string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]memoryEntry)}
}

// FailWith makes subsequent Record calls return err until cleared with nil.
func (l *MemoryLedger) FailWith(err error) {
	l.mu.Lock()
	l.fail = err
	l.mu.Unlock()
}

// Calls returns how many Record calls reached the ledger.
func (l *MemoryLedger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// ErrDivergentEvent is returned when a pair is re-recorded with another fingerprint.
var ErrDivergentEvent = errors.New("event already recorded with a different fingerprint")

func (l *MemoryLedger) Record(ctx context.Context, ev Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.fail != nil {
		return "", l.fail
	}
	key := ev.BatchCode + "/" + ev.EventType
	if e, ok := l.entries[key]; ok {
		if e.fingerprint != ev.Fingerprint {
			return "", fmt.Errorf("%s: %w", key, ErrDivergentEvent)
		}
		return e.ref, nil
	}
	sum := sha256.Sum256([]byte(l.head + "|" + key + "|" + ev.Fingerprint))
	ref := "mem:" + hex.EncodeToString(sum[:16])
	l.head = ref
	l.entries[key] = memoryEntry{fingerprint: ev.Fingerprint, ref: ref}
	return ref, nil
}
