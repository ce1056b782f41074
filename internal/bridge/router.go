package bridge

import (
	"sync"

	"go.uber.org/zap"

	"github.com/peterje/termbridge/internal/logger"
)

// Listener receives one output chunk for a session.
type Listener func(id string, data []byte)

// ForSession returns a predicate matching exactly one session id.
func ForSession(id string) func(string) bool {
	return func(other string) bool { return other == id }
}

type listenerEntry struct {
	handle uint64
	match  func(id string) bool
	cb     Listener
}

// registry keeps listener registrations in registration order. Entries are
// addressed by an opaque handle, so the same predicate may be registered
// any number of times.
type registry struct {
	mu      sync.RWMutex
	next    uint64
	entries []listenerEntry
}

func (r *registry) add(match func(string) bool, cb Listener) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries = append(r.entries, listenerEntry{handle: r.next, match: match, cb: cb})
	return r.next
}

func (r *registry) remove(handle uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.handle == handle {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// matching returns the callbacks whose predicate accepts id. Predicates run
// outside the lock so they may call back into the bridge.
func (r *registry) matching(id string) []Listener {
	r.mu.RLock()
	entries := make([]listenerEntry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	var out []Listener
	for _, e := range entries {
		if e.match(id) {
			out = append(out, e.cb)
		}
	}
	return out
}

// Registration is the token returned by Listen.
type Registration struct {
	handle uint64
	reg    *registry
	once   sync.Once
}

// Unregister removes this registration. Calling it again is a no-op.
func (r *Registration) Unregister() {
	r.once.Do(func() { r.reg.remove(r.handle) })
}

type phase int

const (
	phaseUnstarted phase = iota
	phasePending
	phaseStarted
)

func (p phase) String() string {
	switch p {
	case phasePending:
		return "pending"
	case phaseStarted:
		return "started"
	default:
		return "unstarted"
	}
}

// startWait is shared by every Start caller waiting on one session.
type startWait struct {
	done chan struct{}
	err  error
}

// maxTombstones bounds how many closed ids are remembered. Ids are host
// generated uuids, so an evicted tombstone is never reused in practice.
const maxTombstones = 1024

type sessionState struct {
	phase  phase
	queue  [][]byte
	rows   int
	cols   int
	wait   *startWait
	exited chan struct{}
}

// router owns per-session started/queue state and fans output out to
// listeners. handleOutput/handleStarted/handleExited are only called from
// the single read loop, which is what keeps per-session delivery ordered.
type router struct {
	log       *logger.Logger
	listeners registry

	mu          sync.Mutex
	sessions    map[string]*sessionState
	closed      map[string]struct{}
	closedOrder []string
}

func newRouter(log *logger.Logger) *router {
	return &router{
		log:      log,
		sessions: make(map[string]*sessionState),
		closed:   make(map[string]struct{}),
	}
}

// state returns the record for id, creating it on first reference.
// Caller holds r.mu.
func (r *router) state(id string) *sessionState {
	st, ok := r.sessions[id]
	if !ok {
		st = &sessionState{}
		r.sessions[id] = st
	}
	return st
}

func (r *router) dispatch(id string, data []byte) {
	for _, cb := range r.listeners.matching(id) {
		cb(id, data)
	}
}

func (r *router) handleOutput(id string, data []byte) {
	r.mu.Lock()
	if _, gone := r.closed[id]; gone {
		r.mu.Unlock()
		r.log.Debug("dropping output for closed session", zap.String("terminal_id", id), zap.Int("bytes", len(data)))
		return
	}
	st := r.state(id)
	if st.phase != phaseStarted {
		st.queue = append(st.queue, data)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.dispatch(id, data)
}

func (r *router) handleStarted(id string) {
	r.mu.Lock()
	if _, gone := r.closed[id]; gone {
		r.mu.Unlock()
		return
	}
	st := r.state(id)
	queued := st.queue
	st.queue = nil
	st.phase = phaseStarted
	wait := st.wait
	st.wait = nil
	r.mu.Unlock()

	r.log.Debug("terminal started", zap.String("terminal_id", id), zap.Int("queued_chunks", len(queued)))
	for _, chunk := range queued {
		r.dispatch(id, chunk)
	}
	if wait != nil {
		close(wait.done)
	}
}

func (r *router) handleExited(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, gone := r.closed[id]; gone {
		return
	}
	st := r.state(id)
	if st.phase == phasePending && st.wait != nil {
		// The host never started it.
		st.phase = phaseUnstarted
		st.wait.err = ErrSessionExited
		close(st.wait.done)
		st.wait = nil
	}
	if st.exited == nil {
		st.exited = make(chan struct{})
	}
	select {
	case <-st.exited:
	default:
		close(st.exited)
	}
}

// beginStart moves id to pending and returns the wait to block on. send is
// true only for the caller that must put the start frame on the wire. A nil
// wait means the session is already started.
func (r *router) beginStart(id string) (wait *startWait, send bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, gone := r.closed[id]; gone {
		return nil, false, ErrSessionClosed
	}
	st := r.state(id)
	switch st.phase {
	case phaseStarted:
		return nil, false, nil
	case phasePending:
		return st.wait, false, nil
	}
	st.phase = phasePending
	st.wait = &startWait{done: make(chan struct{})}
	return st.wait, true, nil
}

// abortStart fails a pending start whose frame never reached the wire.
func (r *router) abortStart(id string, wait *startWait, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[id]
	if !ok || st.wait != wait {
		return
	}
	st.phase = phaseUnstarted
	st.wait = nil
	wait.err = err
	close(wait.done)
}

func (r *router) setDimensions(id string, rows, cols int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, gone := r.closed[id]; gone {
		return
	}
	st := r.state(id)
	st.rows, st.cols = rows, cols
}

func (r *router) dimensions(id string) (rows, cols int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, found := r.sessions[id]
	if !found || (st.rows == 0 && st.cols == 0) {
		return 0, 0, false
	}
	return st.rows, st.cols, true
}

func (r *router) phaseOf(id string) phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[id]; ok {
		return st.phase
	}
	return phaseUnstarted
}

func (r *router) exited(id string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, gone := r.closed[id]; gone {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	st := r.state(id)
	if st.exited == nil {
		st.exited = make(chan struct{})
	}
	return st.exited
}

// whileOpen runs fn under the router lock unless id has been closed. Frames
// sent through it can never land behind the session's close frame.
func (r *router) whileOpen(id string, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, gone := r.closed[id]; gone {
		return ErrSessionClosed
	}
	return fn()
}

// close runs send (if any) and tombstones id in one step. Closing an id
// twice is a no-op.
func (r *router) close(id string, send func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, gone := r.closed[id]; gone {
		return nil
	}
	var err error
	if send != nil {
		err = send()
	}
	r.forgetLocked(id)
	return err
}

// forget drops the record for id and tombstones it so late output is not
// queued again.
func (r *router) forget(id string) {
	_ = r.close(id, nil)
}

func (r *router) forgetLocked(id string) {
	st, ok := r.sessions[id]
	delete(r.sessions, id)
	r.closed[id] = struct{}{}
	r.closedOrder = append(r.closedOrder, id)
	if len(r.closedOrder) > maxTombstones {
		delete(r.closed, r.closedOrder[0])
		r.closedOrder = r.closedOrder[1:]
	}
	if !ok {
		return
	}
	if st.wait != nil {
		st.wait.err = ErrSessionClosed
		close(st.wait.done)
	}
	if st.exited != nil {
		select {
		case <-st.exited:
		default:
			close(st.exited)
		}
	}
}

// shutdown fails every pending start with err.
func (r *router) shutdown(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.sessions {
		if st.wait != nil {
			st.wait.err = err
			close(st.wait.done)
			st.wait = nil
			st.phase = phaseUnstarted
		}
	}
}
