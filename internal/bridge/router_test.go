package bridge

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/termbridge/internal/logger"
)

type recorder struct {
	mu     sync.Mutex
	chunks [][]byte
	ids    []string
}

func (r *recorder) listener(id string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	r.chunks = append(r.chunks, append([]byte(nil), data...))
}

func (r *recorder) got() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.chunks...)
}

func TestRouterQueuesUntilStartedAndFlushesInOrder(t *testing.T) {
	r := newRouter(logger.Nop())
	rec := &recorder{}
	r.listeners.add(ForSession("term-1"), rec.listener)

	r.handleOutput("term-1", []byte{0x61})
	r.handleOutput("term-1", []byte{0x62})
	assert.Empty(t, rec.got(), "no delivery before terminal-started")

	r.handleStarted("term-1")
	assert.Equal(t, [][]byte{{0x61}, {0x62}}, rec.got(), "each queued chunk is its own call")

	r.handleOutput("term-1", []byte{0x63})
	assert.Equal(t, [][]byte{{0x61}, {0x62}, {0x63}}, rec.got())

	// A repeated acknowledgment must not redeliver anything.
	r.handleStarted("term-1")
	assert.Len(t, rec.got(), 3)
}

func TestRouterDispatchesInRegistrationOrder(t *testing.T) {
	r := newRouter(logger.Nop())
	var order []string
	r.listeners.add(func(string) bool { return true }, func(string, []byte) { order = append(order, "first") })
	r.listeners.add(ForSession("other"), func(string, []byte) { order = append(order, "unrelated") })
	r.listeners.add(ForSession("term-1"), func(string, []byte) { order = append(order, "second") })

	r.handleStarted("term-1")
	r.handleOutput("term-1", []byte("x"))

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRouterSessionsAreIndependent(t *testing.T) {
	r := newRouter(logger.Nop())
	one, two := &recorder{}, &recorder{}
	r.listeners.add(ForSession("one"), one.listener)
	r.listeners.add(ForSession("two"), two.listener)

	r.handleStarted("one")
	r.handleOutput("two", []byte("queued"))
	r.handleOutput("one", []byte("live"))

	assert.Equal(t, [][]byte{[]byte("live")}, one.got())
	assert.Empty(t, two.got())

	r.handleStarted("two")
	assert.Equal(t, [][]byte{[]byte("queued")}, two.got())
}

func TestUnregisterRemovesOnlyItsOwnRegistration(t *testing.T) {
	b, err := New(Config{BaseURL: "http://localhost:1"}, logger.Nop())
	require.NoError(t, err)

	pred := ForSession("term-1")
	first, second := &recorder{}, &recorder{}
	regA := b.Listen(pred, first.listener)
	b.Listen(pred, second.listener)
	require.Equal(t, 2, b.router.listeners.len())

	regA.Unregister()
	regA.Unregister()
	assert.Equal(t, 1, b.router.listeners.len())

	b.router.handleStarted("term-1")
	b.router.handleOutput("term-1", []byte("hi"))

	assert.Empty(t, first.got())
	assert.Equal(t, [][]byte{[]byte("hi")}, second.got())
}

func TestListenerMayUnregisterDuringDispatch(t *testing.T) {
	b, err := New(Config{BaseURL: "http://localhost:1"}, logger.Nop())
	require.NoError(t, err)

	calls := 0
	var reg *Registration
	reg = b.Listen(ForSession("term-1"), func(string, []byte) {
		calls++
		reg.Unregister()
	})

	b.router.handleStarted("term-1")
	b.router.handleOutput("term-1", []byte("a"))
	b.router.handleOutput("term-1", []byte("b"))
	assert.Equal(t, 1, calls)
}

func TestRouterDropsOutputAfterForget(t *testing.T) {
	r := newRouter(logger.Nop())
	rec := &recorder{}
	r.listeners.add(ForSession("term-1"), rec.listener)

	r.handleStarted("term-1")
	r.forget("term-1")
	r.handleOutput("term-1", []byte("late"))
	r.handleStarted("term-1")

	assert.Empty(t, rec.got())
	r.mu.Lock()
	_, tracked := r.sessions["term-1"]
	r.mu.Unlock()
	assert.False(t, tracked, "late output must not recreate session state")

	_, _, err := r.beginStart("term-1")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestRouterTombstonesAreBounded(t *testing.T) {
	r := newRouter(logger.Nop())
	for i := 0; i <= maxTombstones; i++ {
		r.forget(fmt.Sprintf("term-%d", i))
	}

	r.mu.Lock()
	assert.Len(t, r.closed, maxTombstones)
	assert.Len(t, r.closedOrder, maxTombstones)
	r.mu.Unlock()

	assert.NoError(t, r.whileOpen("term-0", func() error { return nil }), "oldest tombstone evicted")
	last := fmt.Sprintf("term-%d", maxTombstones)
	assert.ErrorIs(t, r.whileOpen(last, func() error { return nil }), ErrSessionClosed)

	// Closing a tombstoned id again must not grow the ledger.
	r.forget(last)
	r.mu.Lock()
	assert.Len(t, r.closedOrder, maxTombstones)
	r.mu.Unlock()
}

func TestBeginStartJoinsPendingStart(t *testing.T) {
	r := newRouter(logger.Nop())

	w1, send1, err := r.beginStart("term-1")
	require.NoError(t, err)
	require.NotNil(t, w1)
	assert.True(t, send1)
	assert.Equal(t, phasePending, r.phaseOf("term-1"))

	w2, send2, err := r.beginStart("term-1")
	require.NoError(t, err)
	assert.Same(t, w1, w2)
	assert.False(t, send2)

	r.handleStarted("term-1")
	select {
	case <-w1.done:
	default:
		t.Fatal("wait not released by terminal-started")
	}
	assert.NoError(t, w1.err)

	w3, _, err := r.beginStart("term-1")
	require.NoError(t, err)
	assert.Nil(t, w3, "already started")
}

func TestAbortStartResetsPhase(t *testing.T) {
	r := newRouter(logger.Nop())
	w, _, err := r.beginStart("term-1")
	require.NoError(t, err)

	r.abortStart("term-1", w, ErrOutboundFull)
	<-w.done
	assert.ErrorIs(t, w.err, ErrOutboundFull)
	assert.Equal(t, phaseUnstarted, r.phaseOf("term-1"))

	_, send, err := r.beginStart("term-1")
	require.NoError(t, err)
	assert.True(t, send, "a later start sends a fresh request")
}

func TestRouterShutdownFailsPendingStarts(t *testing.T) {
	r := newRouter(logger.Nop())
	w, _, err := r.beginStart("term-1")
	require.NoError(t, err)

	r.shutdown(ErrClosed)
	<-w.done
	assert.ErrorIs(t, w.err, ErrClosed)
}

func TestRouterExited(t *testing.T) {
	r := newRouter(logger.Nop())
	ch := r.exited("term-1")
	r.handleExited("term-1")
	r.handleExited("term-1")
	select {
	case <-ch:
	default:
		t.Fatal("exited channel not closed")
	}

	r.forget("gone")
	select {
	case <-r.exited("gone"):
	default:
		t.Fatal("closed session should report exited")
	}
}

func TestDecodeOutput(t *testing.T) {
	data, err := decodeOutput("aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	data, err = decodeOutput("data:application/octet-stream;base64,aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = decodeOutput("***")
	assert.Error(t, err)
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	_, err := decodeEvent([]byte("{not json"))
	assert.Error(t, err)

	_, err = decodeEvent([]byte(`{"terminalID":"x"}`))
	assert.Error(t, err)

	evt, err := decodeEvent([]byte(`{"type":"terminal-started","terminalID":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "x", evt.TerminalID)
}

func TestExitedWhilePendingFailsStart(t *testing.T) {
	r := newRouter(logger.Nop())
	w, _, err := r.beginStart("ghost")
	require.NoError(t, err)

	r.handleExited("ghost")
	<-w.done
	assert.ErrorIs(t, w.err, ErrSessionExited)
	assert.Equal(t, phaseUnstarted, r.phaseOf("ghost"))
}
