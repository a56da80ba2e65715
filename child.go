package divvy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/jirevwe/divvy/packer"
)

// RunChild is the worker side of the rendezvous: pull items one at a
// time from the socket, invoke Perform, and return the process exit
// code. cmd/divvy calls it in worker mode; the spawn hooks bracket it.
//
// The returned code is 0 on generator exhaustion or cooperative
// shutdown, 1 on decode or Perform failure, or the code carried by an
// ExitError from Perform.
func RunChild(ctx context.Context, task Task, slot int, socketPath string, log *slog.Logger) int {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	log = log.With("slot", slot, "pid", os.Getpid())

	fl := trapChild(log)

	w := newWorker(slot, log)
	w.pid.Store(int64(os.Getpid()))
	task.OnChildStart(w)

	for {
		item, ok, err := dequeue(socketPath)
		if err != nil {
			log.Error(fmt.Sprintf("dequeue: %v", err))
			return 1
		}
		if !ok {
			// master has torn the socket down, or closed with no
			// payload: end of stream
			return 0
		}

		if err := task.Perform(ctx, item); err != nil {
			var ee *ExitError
			if errors.As(err, &ee) {
				return ee.Code
			}
			log.Error(fmt.Sprintf("perform: %v", err))
			return 1
		}

		if fl.shutdown.Load() {
			return 0
		}
	}
}

// dequeue opens a fresh client connection and reads exactly one item.
// ok is false at end-of-stream: the socket file is gone, nobody is
// listening, or the connection carried zero bytes.
func dequeue(socketPath string) (Item, bool, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, false, nil
	}
	defer conn.Close()

	data, err := io.ReadAll(io.LimitReader(conn, packer.MaxFrameSize))
	if err != nil {
		return nil, false, fmt.Errorf("read frame: %w", err)
	}
	if len(data) == 0 {
		return nil, false, nil
	}

	tuple, err := packer.Decode(data)
	if err != nil {
		return nil, false, err
	}

	return Item(tuple), true, nil
}
