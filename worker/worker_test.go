package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procxy/codec"
	"procxy/errors"
	"procxy/message"
	"procxy/registry"
	"procxy/transport"
)

type counter struct {
	EventEmitter
	Count int
	Label string

	secret   int
	disposed chan struct{}
	handles  chan string
}

func newCounter(start int, label string) *counter {
	return &counter{Count: start, Label: label, disposed: make(chan struct{}), handles: make(chan string, 1)}
}

func (c *counter) Add(a, b int) int { return a + b }

func (c *counter) Increment() int {
	c.Count++
	return c.Count
}

func (c *counter) Fail() error { return stderrors.New("boom") }

func (c *counter) Explode() { panic("kaboom") }

func (c *counter) Leak() func() { return func() {} }

func (c *counter) Apply(ctx context.Context, x int, fn func(int) (int, error)) (int, error) {
	return fn(x)
}

func (c *counter) Tick(n int) {
	for i := 0; i < n; i++ {
		c.Emit("tick", i)
	}
}

func (c *counter) Dispose() error {
	close(c.disposed)
	return nil
}

func (c *counter) ReceiveHandle(kind string, h any) error {
	f, ok := h.(*os.File)
	if !ok {
		return fmt.Errorf("unexpected %T", h)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	c.handles <- kind + ":" + string(data)
	return nil
}

// testRegistry registers Counter and Broken. The returned func yields the
// most recently constructed Counter.
func testRegistry(t *testing.T) (*registry.Registry, func() *counter) {
	t.Helper()
	var (
		mu   sync.Mutex
		last *counter
	)
	reg := registry.New()
	reg.MustRegister("Counter", func(start int, label string) *counter {
		mu.Lock()
		defer mu.Unlock()
		last = newCounter(start, label)
		return last
	})
	reg.MustRegister("Broken", func() (*counter, error) {
		return nil, stderrors.New("cannot build")
	})
	return reg, func() *counter {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

type harness struct {
	t    *testing.T
	conn *transport.Conn
	cdc  codec.Codec
	done chan error
}

func startServer(t *testing.T, reg *registry.Registry, mode codec.Mode) *harness {
	t.Helper()
	parent, peer, err := transport.Pipe()
	require.NoError(t, err)
	child, err := transport.FileConn(peer)
	require.NoError(t, err)
	peer.Close()

	h := &harness{t: t, conn: parent, cdc: codec.ForMode(mode), done: make(chan error, 1)}
	go func() {
		h.done <- Serve(context.Background(), child, reg, WithLogger(zerolog.Nop()))
		child.Close()
	}()
	t.Cleanup(func() { parent.Close() })
	return h
}

func (h *harness) send(msg *message.Message) {
	h.t.Helper()
	require.NoError(h.t, h.conn.WriteMessage(h.cdc, msg))
}

func (h *harness) next() *message.Message {
	h.t.Helper()
	type read struct {
		msg *message.Message
		err error
	}
	ch := make(chan read, 1)
	go func() {
		msg, err := h.conn.ReadMessage()
		ch <- read{msg, err}
	}()
	select {
	case r := <-ch:
		require.NoError(h.t, r.err)
		return r.msg
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for a message")
		return nil
	}
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("server did not stop")
		return nil
	}
}

// ready performs the init handshake, draining the initial property_set
// messages that precede init_success.
func (h *harness) ready(args ...any) {
	h.t.Helper()
	h.send(&message.Message{Type: message.TypeInit, ClassName: "Counter", Mode: string(codec.ModeBasic), Args: args})
	require.Equal(h.t, message.TypePropertySet, h.next().Type)
	require.Equal(h.t, message.TypePropertySet, h.next().Type)
	require.Equal(h.t, message.TypeInitSuccess, h.next().Type)
}

func TestInitPublishesProperties(t *testing.T) {
	reg, _ := testRegistry(t)
	h := startServer(t, reg, codec.ModeBasic)
	h.send(&message.Message{Type: message.TypeInit, ClassName: "Counter", Mode: string(codec.ModeBasic), Args: []any{5, "a"}})

	count := h.next()
	assert.Equal(t, message.TypePropertySet, count.Type)
	assert.Equal(t, "Count", count.Name)
	assert.Equal(t, float64(5), count.Value)
	label := h.next()
	assert.Equal(t, "Label", label.Name)
	assert.Equal(t, "a", label.Value)
	assert.Equal(t, message.TypeInitSuccess, h.next().Type)
}

func TestInitFailure(t *testing.T) {
	reg, _ := testRegistry(t)

	h := startServer(t, reg, codec.ModeBasic)
	h.send(&message.Message{Type: message.TypeInit, ClassName: "Nope"})
	reply := h.next()
	assert.Equal(t, message.TypeInitFailure, reply.Type)
	assert.Equal(t, errors.NameResolutionError, reply.Error.Name)
	assert.Error(t, h.wait())

	h = startServer(t, reg, codec.ModeBasic)
	h.send(&message.Message{Type: message.TypeInit, ClassName: "Broken"})
	reply = h.next()
	assert.Equal(t, message.TypeInitFailure, reply.Type)
	assert.Equal(t, "cannot build", reply.Error.Message)
	assert.Error(t, h.wait())
}

func TestCall(t *testing.T) {
	reg, _ := testRegistry(t)
	h := startServer(t, reg, codec.ModeBasic)
	h.ready(0, "x")

	h.send(&message.Message{Type: message.TypeCall, ID: 1, Member: "Add", Args: []any{2, 3}})
	reply := h.next()
	assert.Equal(t, message.TypeResult, reply.Type)
	assert.Equal(t, uint32(1), reply.ID)
	assert.Equal(t, float64(5), reply.Value)
}

func TestCallPublishesPropertyChangesFirst(t *testing.T) {
	reg, _ := testRegistry(t)
	h := startServer(t, reg, codec.ModeBasic)
	h.ready(1, "x")

	h.send(&message.Message{Type: message.TypeCall, ID: 2, Member: "Increment"})
	set := h.next()
	assert.Equal(t, message.TypePropertySet, set.Type)
	assert.Equal(t, "Count", set.Name)
	assert.Equal(t, float64(2), set.Value)
	reply := h.next()
	assert.Equal(t, message.TypeResult, reply.Type)
	assert.Equal(t, float64(2), reply.Value)

	// No change, no property_set.
	h.send(&message.Message{Type: message.TypeCall, ID: 3, Member: "Add", Args: []any{1, 1}})
	assert.Equal(t, message.TypeResult, h.next().Type)
}

func TestCallErrors(t *testing.T) {
	reg, _ := testRegistry(t)
	h := startServer(t, reg, codec.ModeBasic)
	h.ready(0, "x")

	tests := []struct {
		member  string
		name    string
		message string
	}{
		{"Missing", errors.NameMemberError, "Method 'Missing' does not exist on Counter"},
		{"Count", errors.NameMemberError, "'Count' is not a function on Counter"},
		{"Dispose", errors.NameMemberError, "Method 'Dispose' does not exist on Counter"},
		{"Fail", "Error", "boom"},
		{"Explode", "Panic", "kaboom"},
		{"Leak", errors.NameSerializabilityError, ""},
	}
	for i, tt := range tests {
		t.Run(tt.member, func(t *testing.T) {
			h.send(&message.Message{Type: message.TypeCall, ID: uint32(i + 1), Member: tt.member})
			reply := h.next()
			require.Equal(t, message.TypeError, reply.Type)
			assert.Equal(t, uint32(i+1), reply.ID)
			assert.Equal(t, tt.name, reply.Error.Name)
			if tt.message != "" {
				assert.Equal(t, tt.message, reply.Error.Message)
			}
		})
	}

	// The worker keeps serving after a panic.
	h.send(&message.Message{Type: message.TypeCall, ID: 99, Member: "Add", Args: []any{1, 2}})
	assert.Equal(t, float64(3), h.next().Value)
}

func TestBadArguments(t *testing.T) {
	reg, _ := testRegistry(t)
	h := startServer(t, reg, codec.ModeBasic)
	h.ready(0, "x")

	h.send(&message.Message{Type: message.TypeCall, ID: 1, Member: "Add", Args: []any{1, 2, 3}})
	reply := h.next()
	assert.Equal(t, message.TypeError, reply.Type)
	assert.Equal(t, errors.NameValidationError, reply.Error.Name)
	assert.Contains(t, reply.Error.Message, "too many arguments")

	h.send(&message.Message{Type: message.TypeCall, ID: 2, Member: "Add", Args: []any{"one", 2}})
	reply = h.next()
	assert.Equal(t, errors.NameValidationError, reply.Error.Name)
	assert.Equal(t, "Add argument 0", reply.Error.Code)
}

func TestPropertyGet(t *testing.T) {
	reg, _ := testRegistry(t)
	h := startServer(t, reg, codec.ModeBasic)
	h.ready(0, "hello")

	h.send(&message.Message{Type: message.TypePropertyGet, ID: 4, Name: "Label"})
	reply := h.next()
	assert.Equal(t, message.TypePropertyResult, reply.Type)
	assert.Equal(t, "hello", reply.Value)

	h.send(&message.Message{Type: message.TypePropertyGet, ID: 5, Name: "secret"})
	reply = h.next()
	assert.Equal(t, message.TypePropertyResult, reply.Type)
	assert.Nil(t, reply.Value)
}

func TestEventsForwardedOnlyWhenSubscribed(t *testing.T) {
	reg, _ := testRegistry(t)
	h := startServer(t, reg, codec.ModeBasic)
	h.ready(0, "x")

	h.send(&message.Message{Type: message.TypeCall, ID: 1, Member: "Tick", Args: []any{2}})
	assert.Equal(t, message.TypeResult, h.next().Type)

	h.send(&message.Message{Type: message.TypeEventSubscribe, Name: "tick"})
	h.send(&message.Message{Type: message.TypeCall, ID: 2, Member: "Tick", Args: []any{2}})
	for i := 0; i < 2; i++ {
		ev := h.next()
		require.Equal(t, message.TypeEvent, ev.Type)
		assert.Equal(t, "tick", ev.Name)
		assert.Equal(t, []any{float64(i)}, ev.Args)
	}
	assert.Equal(t, message.TypeResult, h.next().Type)

	h.send(&message.Message{Type: message.TypeEventUnsubscribe, Name: "tick"})
	h.send(&message.Message{Type: message.TypeCall, ID: 3, Member: "Tick", Args: []any{1}})
	assert.Equal(t, message.TypeResult, h.next().Type)
}

func TestCallbacks(t *testing.T) {
	reg, _ := testRegistry(t)
	h := startServer(t, reg, codec.ModeBasic)
	h.ready(0, "x")

	h.send(&message.Message{Type: message.TypeCall, ID: 1, Member: "Apply", Args: []any{4, message.CallbackRef("cb-1")}})
	invoke := h.next()
	require.Equal(t, message.TypeCallbackInvoke, invoke.Type)
	assert.Equal(t, "cb-1", invoke.CallbackID)
	assert.Equal(t, []any{float64(4)}, invoke.Args)
	h.send(&message.Message{Type: message.TypeCallbackResult, ID: invoke.ID, Value: 16})

	reply := h.next()
	assert.Equal(t, message.TypeResult, reply.Type)
	assert.Equal(t, float64(16), reply.Value)

	h.send(&message.Message{Type: message.TypeCall, ID: 2, Member: "Apply", Args: []any{1, message.CallbackRef("cb-1")}})
	invoke = h.next()
	require.Equal(t, message.TypeCallbackInvoke, invoke.Type)
	h.send(&message.Message{Type: message.TypeCallbackError, ID: invoke.ID, Error: &message.ErrorInfo{Name: "RangeError", Message: "too small"}})

	reply = h.next()
	assert.Equal(t, message.TypeError, reply.Type)
	assert.Equal(t, "RangeError", reply.Error.Name)
	assert.Equal(t, "too small", reply.Error.Message)
}

func TestDispose(t *testing.T) {
	reg, last := testRegistry(t)
	h := startServer(t, reg, codec.ModeBasic)
	h.ready(0, "x")

	h.send(&message.Message{Type: message.TypeDispose})
	reply := h.next()
	assert.Equal(t, message.TypeDisposeComplete, reply.Type)
	assert.Nil(t, reply.Error)
	assert.NoError(t, h.wait())
	assert.NotPanics(t, func() { <-last().disposed })
}

func TestChannelCloseRunsDisposeHook(t *testing.T) {
	reg, last := testRegistry(t)
	h := startServer(t, reg, codec.ModeBasic)
	h.ready(0, "x")

	require.NoError(t, h.conn.Close())
	assert.NoError(t, h.wait())
	select {
	case <-last().disposed:
	case <-time.After(time.Second):
		t.Fatal("dispose hook did not run")
	}
}

func TestHandleTransfer(t *testing.T) {
	reg, last := testRegistry(t)
	h := startServer(t, reg, codec.ModeBasic)
	h.ready(0, "x")

	path := filepath.Join(t.TempDir(), "handle.txt")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	msg := &message.Message{Type: message.TypeHandle, HandleID: "h-1", Kind: message.HandleFile}
	require.NoError(t, h.conn.SendFile(h.cdc, msg, f))

	ack := h.next()
	assert.Equal(t, message.TypeHandleAck, ack.Type)
	assert.Equal(t, "h-1", ack.HandleID)
	assert.True(t, ack.Received)
	assert.Equal(t, "file:payload", <-last().handles)

	msg = &message.Message{Type: message.TypeHandle, HandleID: "h-2", Kind: "pipe"}
	require.NoError(t, h.conn.SendFile(h.cdc, msg, f))
	ack = h.next()
	assert.False(t, ack.Received)
	assert.Equal(t, errors.NameHandleTransferError, ack.Error.Name)
}

func TestExtendedMode(t *testing.T) {
	reg, _ := testRegistry(t)
	h := startServer(t, reg, codec.ModeExtended)
	h.send(&message.Message{Type: message.TypeInit, ClassName: "Counter", Mode: string(codec.ModeExtended), Args: []any{1, "x"}})
	h.next()
	h.next()
	require.Equal(t, message.TypeInitSuccess, h.next().Type)

	h.send(&message.Message{Type: message.TypeCall, ID: 1, Member: "Add", Args: []any{2, 3}})
	reply := h.next()
	assert.Equal(t, message.TypeResult, reply.Type)
	assert.EqualValues(t, 5, reply.Value)
}

func TestServiceSurface(t *testing.T) {
	svc := newService("Counter", newCounter(0, ""))
	for _, name := range []string{"Add", "Increment", "Apply", "Tick"} {
		assert.Contains(t, svc.method, name)
	}
	for _, name := range []string{"On", "Emit", "Dispose", "ReceiveHandle"} {
		assert.NotContains(t, svc.method, name)
	}
	assert.Contains(t, svc.fields, "Count")
	assert.Contains(t, svc.fields, "Label")
	assert.NotContains(t, svc.fields, "secret")
	assert.NotContains(t, svc.fields, "EventEmitter")
}

func TestChanges(t *testing.T) {
	before := map[string]propState{"a": {canon: "1"}, "b": {canon: "2"}}
	after := map[string]propState{"a": {canon: "1"}, "b": {canon: "3"}, "c": {canon: "0"}}
	assert.Equal(t, []string{"b", "c"}, changes(before, after))
	assert.Empty(t, changes(after, after))
}
