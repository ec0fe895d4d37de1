package relay

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fwdcast/fwdcast/protocol"
)

// fakeConn is an in-memory duplex channel standing in for a WebSocket. Reads
// drain readCh; writes are recorded and mirrored to writeCh for tests that
// react to outgoing frames.
type fakeConn struct {
	readCh  chan []byte
	writeCh chan []byte
	done    chan struct{}

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		readCh:  make(chan []byte, 16),
		writeCh: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.readCh:
		return protocol.TextFrame, data, nil
	case <-c.done:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed conn")
	}
	c.writes = append(c.writes, data)
	select {
	case c.writeCh <- data:
	default:
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// queueFrame makes msg available to the next ReadMessage call.
func (c *fakeConn) queueFrame(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	c.readCh <- data
}

// sentFrames decodes everything written so far.
func (c *fakeConn) sentFrames(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	raw := make([][]byte, len(c.writes))
	copy(raw, c.writes)
	c.mu.Unlock()

	msgs := make([]protocol.Message, 0, len(raw))
	for _, data := range raw {
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	return msgs
}
