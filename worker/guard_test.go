package worker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procxy/codec"
	"procxy/errors"
	"procxy/message"
	"procxy/registry"
)

// ledger has no lock of its own, so its calls are serialized.
type ledger struct {
	Items map[string]int
}

func (l *ledger) Set(key string, v int) { l.Items[key] = v }

// tally guards itself; its calls run concurrently.
type tally struct {
	sync.Mutex
	Items map[string]int
}

func (t *tally) Set(key string, v int) {
	t.Lock()
	defer t.Unlock()
	t.Items[key] = v
}

func guardRegistry() *registry.Registry {
	reg := registry.New()
	reg.MustRegister("Ledger", func() *ledger { return &ledger{Items: map[string]int{}} })
	reg.MustRegister("Tally", func() *tally { return &tally{Items: map[string]int{}} })
	reg.MustRegister("Counter", func(start int, label string) *counter { return newCounter(start, label) })
	return reg
}

// initClass performs the init handshake for class and drains the initial
// property_set messages.
func (h *harness) initClass(class string, timeoutMS int64, args ...any) {
	h.t.Helper()
	h.send(&message.Message{Type: message.TypeInit, ClassName: class, Mode: string(codec.ModeBasic), TimeoutMS: timeoutMS, Args: args})
	for {
		msg := h.next()
		if msg.Type == message.TypeInitSuccess {
			return
		}
		require.Equal(h.t, message.TypePropertySet, msg.Type)
	}
}

// results reads until n results arrived and returns the last Items value
// published.
func (h *harness) results(n int) map[string]any {
	h.t.Helper()
	var items map[string]any
	for got := 0; got < n; {
		msg := h.next()
		switch msg.Type {
		case message.TypeResult:
			got++
		case message.TypePropertySet:
			items, _ = msg.Value.(map[string]any)
		default:
			h.t.Fatalf("unexpected %s: %+v", msg.Type, msg.Error)
		}
	}
	return items
}

func TestConcurrentMutatingCalls(t *testing.T) {
	const n = 200
	for _, class := range []string{"Ledger", "Tally"} {
		t.Run(class, func(t *testing.T) {
			h := startServer(t, guardRegistry(), codec.ModeBasic)
			h.initClass(class, 0)

			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, h.conn.WriteMessage(h.cdc, &message.Message{
						Type: message.TypeCall, ID: uint32(i + 1), Member: "Set", Args: []any{fmt.Sprintf("k%d", i), i},
					}))
				}(i)
			}
			wg.Wait()
			h.results(n)

			h.send(&message.Message{Type: message.TypePropertyGet, ID: n + 1, Name: "Items"})
			reply := h.next()
			require.Equal(t, message.TypePropertyResult, reply.Type)
			items, ok := reply.Value.(map[string]any)
			require.True(t, ok)
			assert.Len(t, items, n)
		})
	}
}

func TestLockMethodsAreNotMembers(t *testing.T) {
	h := startServer(t, guardRegistry(), codec.ModeBasic)
	h.initClass("Tally", 0)

	h.send(&message.Message{Type: message.TypeCall, ID: 1, Member: "Lock"})
	reply := h.next()
	require.Equal(t, message.TypeError, reply.Type)
	assert.Equal(t, errors.NameMemberError, reply.Error.Name)
	assert.Equal(t, "Tally", reply.Error.Class)
}

func TestCallbackReleasesInstance(t *testing.T) {
	h := startServer(t, guardRegistry(), codec.ModeBasic)
	h.initClass("Counter", 0, 0, "x")

	h.send(&message.Message{Type: message.TypeCall, ID: 1, Member: "Apply", Args: []any{3, message.CallbackRef("cb-1")}})
	invoke := h.next()
	require.Equal(t, message.TypeCallbackInvoke, invoke.Type)

	// Another call gets through while Apply waits on the parent.
	h.send(&message.Message{Type: message.TypeCall, ID: 2, Member: "Increment"})
	set := h.next()
	assert.Equal(t, message.TypePropertySet, set.Type)
	reply := h.next()
	require.Equal(t, message.TypeResult, reply.Type)
	assert.Equal(t, uint32(2), reply.ID)

	h.send(&message.Message{Type: message.TypeCallbackResult, ID: invoke.ID, Value: 9})
	for {
		msg := h.next()
		if msg.Type == message.TypePropertySet {
			continue
		}
		require.Equal(t, message.TypeResult, msg.Type)
		assert.Equal(t, uint32(1), msg.ID)
		assert.Equal(t, float64(9), msg.Value)
		break
	}
}

func TestCallbackTimeout(t *testing.T) {
	h := startServer(t, guardRegistry(), codec.ModeBasic)
	h.initClass("Counter", 100, 0, "x")

	start := time.Now()
	h.send(&message.Message{Type: message.TypeCall, ID: 1, Member: "Apply", Args: []any{3, message.CallbackRef("cb-1")}})
	require.Equal(t, message.TypeCallbackInvoke, h.next().Type)

	reply := h.next()
	require.Equal(t, message.TypeError, reply.Type)
	assert.Equal(t, "TimeoutError", reply.Error.Name)
	assert.Contains(t, reply.Error.Message, "cb-1")
	assert.Less(t, time.Since(start), 3*time.Second)

	// The instance is free again.
	h.send(&message.Message{Type: message.TypeCall, ID: 2, Member: "Add", Args: []any{1, 2}})
	assert.Equal(t, float64(3), h.next().Value)
}

func TestLeaseSettlesStrayCallback(t *testing.T) {
	svc := newService("Ledger", &ledger{Items: map[string]int{}})
	l := svc.acquire()

	// A callback started from a goroutine the method spawned.
	require.True(t, l.suspend())
	l.settle()
	l.resume()
	assert.False(t, l.suspend())
	l.release()
	l.release()

	// The instance is free.
	done := make(chan struct{})
	go func() {
		svc.observe(func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("instance still held")
	}
}
