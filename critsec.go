package dreshard

import (
	"sync"
)

// CriticalSectionMode says what a held critical section blocks
type CriticalSectionMode int

const (
	CriticalSectionBlockWrites CriticalSectionMode = iota + 1
	CriticalSectionBlockReadsAndWrites
)

var ErrCriticalSectionHeld = NewError(CodeConflictingOperationInProgress, "critical section is held by another operation")

type CriticalSection struct {
	OperationID OperationID
	Mode        CriticalSectionMode
}

// CriticalSections tracks the namespaces of a node that currently block writes (and
// possibly reads). A namespace is held by at most one operation at a time, acquiring it
// again for the same operation is a no-op.
type CriticalSections struct {
	mu   sync.Mutex
	held map[Namespace]CriticalSection
}

func NewCriticalSections() *CriticalSections {
	return &CriticalSections{held: make(map[Namespace]CriticalSection)}
}

// Acquire starts blocking writes to ns on behalf of opID
func (cs *CriticalSections) Acquire(ns Namespace, opID OperationID) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cur, ok := cs.held[ns]; ok {
		if cur.OperationID != opID {
			return ErrCriticalSectionHeld
		}
		return nil
	}

	cs.held[ns] = CriticalSection{OperationID: opID, Mode: CriticalSectionBlockWrites}
	return nil
}

// PromoteToBlockReads makes the critical section held by opID block reads too,
// acquiring it first if needed
func (cs *CriticalSections) PromoteToBlockReads(ns Namespace, opID OperationID) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cur, ok := cs.held[ns]; ok && cur.OperationID != opID {
		return ErrCriticalSectionHeld
	}

	cs.held[ns] = CriticalSection{OperationID: opID, Mode: CriticalSectionBlockReadsAndWrites}
	return nil
}

// Release stops blocking ns, it does nothing unless opID is the holder
func (cs *CriticalSections) Release(ns Namespace, opID OperationID) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cur, ok := cs.held[ns]; ok && cur.OperationID == opID {
		delete(cs.held, ns)
	}
}

func (cs *CriticalSections) Get(ns Namespace) (CriticalSection, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cur, ok := cs.held[ns]
	return cur, ok
}

// WritesBlocked reports whether writes to ns are currently rejected
func (cs *CriticalSections) WritesBlocked(ns Namespace) bool {
	_, ok := cs.Get(ns)
	return ok
}

// ReadsBlocked reports whether reads of ns are currently rejected
func (cs *CriticalSections) ReadsBlocked(ns Namespace) bool {
	cur, ok := cs.Get(ns)
	return ok && cur.Mode == CriticalSectionBlockReadsAndWrites
}
