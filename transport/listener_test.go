package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log = zap.NewNop().Sugar()

type acceptResult struct {
	conn net.Conn
	err  error
}

func acceptAsync(ctx context.Context, l *Listener) <-chan acceptResult {
	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := l.Accept(ctx)
		ch <- acceptResult{conn: conn, err: err}
	}()
	return ch
}

func TestAcceptSingleClient(t *testing.T) {
	l, err := Open(log)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	assert.NotZero(t, l.Port())
	assert.Equal(t, fmt.Sprintf("tcp-bson://127.0.0.1:%d/", l.Port()), l.URI())

	resCh := acceptAsync(context.Background(), l)

	client, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", l.Port()))
	require.NoError(t, err)
	defer client.Close()

	var res acceptResult
	select {
	case res = <-resCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	require.NoError(t, res.err)
	defer res.conn.Close()

	_, err = client.Write([]byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = res.conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))

	// the listener stops accepting after the first client
	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", l.Port()), time.Second)
	assert.Error(t, err)

	_, err = l.Accept(context.Background())
	assert.ErrorIs(t, err, ErrAcceptCalled)
}

func TestCloseCancelsPendingAccept(t *testing.T) {
	l, err := Open(log)
	require.NoError(t, err)

	resCh := acceptAsync(context.Background(), l)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	select {
	case res := <-resCh:
		assert.ErrorIs(t, res.err, ErrClosed)
		assert.Nil(t, res.conn)
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not return after close")
	}
}

func TestContextCauseCancelsAccept(t *testing.T) {
	l, err := Open(log)
	require.NoError(t, err)

	exited := errors.New("process exited before connecting")
	ctx, cancel := context.WithCancelCause(context.Background())
	resCh := acceptAsync(ctx, l)
	cancel(exited)

	select {
	case res := <-resCh:
		assert.ErrorIs(t, res.err, exited)
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not return after cancel")
	}

	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", l.Port()), time.Second)
	assert.Error(t, err, "listener should be closed")
}
