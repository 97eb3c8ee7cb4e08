package engine

import (
	"sync"

	"github.com/nedfreetoplay/hydrus/pkg/herr"
)

// BusyGate is the process-wide exclusion for heavy maintenance: the
// bundler, the nullifier, delete-all-content and an admin lock (LockOn)
// hold it. The engine has no vacuum, analyze or backup operation of its
// own, so none of those takes the gate. A job that needs it while it is held gets busy back immediately
// rather than waiting, and the holder's name is reported for diagnostics.
type BusyGate struct {
	mu     sync.Mutex
	holder string
	depth  int
}

// TryAcquire takes the gate for holder, failing with busy when another
// holder has it. Reentrant: the same holder may stack acquisitions and must
// release once per acquire.
func (g *BusyGate) TryAcquire(holder string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holder != "" && g.holder != holder {
		return herr.Newf(herr.Busy, "server busy: %s", g.holder)
	}
	g.holder = holder
	g.depth++
	return nil
}

// Release drops one acquisition.
func (g *BusyGate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.depth > 0 {
		g.depth--
	}
	if g.depth == 0 {
		g.holder = ""
	}
}

// Holder reports who holds the gate, empty when free.
func (g *BusyGate) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}
