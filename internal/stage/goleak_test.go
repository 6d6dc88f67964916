package stage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// closingConn feeds Serve a single inbound frame, then reports the
// connection closed, so the read/write pumps it owns are exercised and torn
// down for real instead of through the synchronous fakeConn/drain shortcut.
type closingConn struct {
	mu      sync.Mutex
	frames  [][]byte
	reads   int
	closed  bool
}

func newClosingConn() *closingConn { return &closingConn{} }

func (c *closingConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.reads == 1 {
		return 0, []byte(`{}`), nil
	}
	return 0, nil, errConnClosed
}

func (c *closingConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}
func (c *closingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *closingConn) SetReadDeadline(time.Time) error   { return nil }
func (c *closingConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *closingConn) SetPongHandler(func(string) error) {}

var errConnClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "connection closed" }

// TestServe_PumpsTerminateOnDisconnect drives one full Serve lifecycle end to
// end through the real readPump/writePump goroutines, so goleak's TestMain
// verification actually has something to catch if either pump ever stops
// exiting on disconnect.
func TestServe_PumpsTerminateOnDisconnect(t *testing.T) {
	hub, _ := newTestHub()
	dispatcher := NewDispatcher(hub, nil, nil)
	conn := newClosingConn()

	done := make(chan struct{})
	go func() {
		Serve(context.Background(), hub, dispatcher, conn)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after simulated disconnect")
	}

	require.Empty(t, hub.registry.users)
}
