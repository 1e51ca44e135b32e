package threshold

import (
	"sync"

	"github.com/google/uuid"
)

type ledgerEntry struct {
	session uuid.UUID
	id      Identifier
}

// NonceLedger remembers every nonce commitment point a group has seen. A
// point that reappears in another session, or under another participant,
// is nonce reuse.
//
// One ledger is scoped to one group; it is safe for concurrent use.
type NonceLedger struct {
	mu   sync.Mutex
	seen map[string]ledgerEntry
}

func NewNonceLedger() *NonceLedger {
	return &NonceLedger{seen: make(map[string]ledgerEntry)}
}

// Observe records c's points. Re-observing the identical commitment in the
// same session is a no-op.
func (l *NonceLedger) Observe(c Commitment) error {
	if string(c.Hiding) == string(c.Binding) {
		return &NonceReuseError{Participant: c.ID, Session: c.Session, Reason: "hiding and binding commitments are equal"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range [][]byte{c.Hiding, c.Binding} {
		if prev, ok := l.seen[string(p)]; ok && (prev.session != c.Session || prev.id != c.ID) {
			return &NonceReuseError{Participant: c.ID, Session: c.Session, FirstSeenIn: prev.session, Reason: "commitment already used"}
		}
	}
	for _, p := range [][]byte{c.Hiding, c.Binding} {
		l.seen[string(p)] = ledgerEntry{session: c.Session, id: c.ID}
	}
	return nil
}

// Len reports the number of recorded points.
func (l *NonceLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
