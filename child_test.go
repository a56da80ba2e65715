package divvy

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jirevwe/divvy/packer"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// recordTask collects every item Perform sees.
type recordTask struct {
	TaskDefaults
	sock string

	mu        sync.Mutex
	performed []string
	fail      error
	onPerform func()
}

func (t *recordTask) SocketPath() string { return t.sock }

func (t *recordTask) Dispatch(context.Context) <-chan Item {
	out := make(chan Item)
	close(out)
	return out
}

func (t *recordTask) Perform(_ context.Context, item Item) error {
	t.mu.Lock()
	t.performed = append(t.performed, fmt.Sprint(item[0]))
	t.mu.Unlock()

	if t.onPerform != nil {
		t.onPerform()
	}
	return t.fail
}

func (t *recordTask) seen() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.performed...)
}

func testSocket(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "divvy-test.sock")
}

// serveItems listens on sock and hands one encoded item per accepted
// connection, then tears the socket down like a draining master.
func serveItems(t *testing.T, sock string, items []Item) {
	t.Helper()

	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	go func() {
		for _, item := range items {
			conn, acceptErr := ln.Accept()
			if acceptErr != nil {
				return
			}
			data, encErr := packer.Encode(item)
			if encErr != nil {
				conn.Close()
				return
			}
			_, _ = conn.Write(data)
			conn.Close()
		}
		ln.Close()
		os.Remove(sock)
	}()
}

func TestDequeue_MissingSocketIsEndOfStream(t *testing.T) {
	item, ok, err := dequeue(filepath.Join(t.TempDir(), "gone.sock"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, item)
}

func TestDequeue_ReadsOneItemPerConnection(t *testing.T) {
	sock := testSocket(t)
	serveItems(t, sock, []Item{{"alpha", 1}})

	item, ok, err := dequeue(sock)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, item, 2)
	require.Equal(t, "alpha", item[0])
}

func TestDequeue_EmptyConnectionIsEndOfStream(t *testing.T) {
	sock := testSocket(t)
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr == nil {
			conn.Close()
		}
	}()

	_, ok, err := dequeue(sock)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunChild_ProcessesUntilTeardown(t *testing.T) {
	sock := testSocket(t)
	serveItems(t, sock, []Item{{"a"}, {"b"}, {"c"}})

	task := &recordTask{sock: sock}
	code := RunChild(context.Background(), task, 1, sock, slogger)

	require.Equal(t, 0, code)
	require.Equal(t, []string{"a", "b", "c"}, task.seen())
}

func TestRunChild_DecodeFailureExitsOne(t *testing.T) {
	sock := testSocket(t)
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			return
		}
		_, _ = conn.Write([]byte("\xc1 definitely not msgpack"))
		conn.Close()
	}()

	task := &recordTask{sock: sock}
	code := RunChild(context.Background(), task, 1, sock, slogger)
	require.Equal(t, 1, code)
	require.Empty(t, task.seen())
}

func TestRunChild_PerformErrorExitsOne(t *testing.T) {
	sock := testSocket(t)
	serveItems(t, sock, []Item{{"boom"}})

	task := &recordTask{sock: sock, fail: fmt.Errorf("no good")}
	code := RunChild(context.Background(), task, 1, sock, slogger)
	require.Equal(t, 1, code)
}

func TestRunChild_ExitErrorCodeIsHonored(t *testing.T) {
	sock := testSocket(t)
	serveItems(t, sock, []Item{{"boom"}})

	task := &recordTask{sock: sock, fail: &ExitError{Code: 7}}
	code := RunChild(context.Background(), task, 1, sock, slogger)
	require.Equal(t, 7, code)
}

func TestRunChild_ShutdownSignalStopsAfterCurrentItem(t *testing.T) {
	sock := testSocket(t)
	serveItems(t, sock, []Item{{"one"}, {"two"}})

	task := &recordTask{sock: sock}
	task.onPerform = func() {
		// a stop request arriving mid-item must let the item finish and
		// prevent the next dequeue
		require.NoError(t, unix.Kill(os.Getpid(), unix.SIGTERM))
		time.Sleep(50 * time.Millisecond)
	}

	code := RunChild(context.Background(), task, 1, sock, slogger)
	require.Equal(t, 0, code)
	require.Equal(t, []string{"one"}, task.seen())
}
