package divvy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/jirevwe/divvy/journal"
	"github.com/jirevwe/divvy/packer"
)

// errStopped signals that a shutdown was requested and no worker is left
// to take the pending item.
var errStopped = errors.New("divvy: stopped before hand-off")

// Options configures a Master.
type Options struct {
	// Concurrency is the fixed pool size N. Must be at least 1.
	Concurrency int

	// Build produces the child process command for a slot. Required.
	Build CommandBuilder

	// Logger defaults to a text slog on stderr.
	Logger *slog.Logger

	// Verbose lowers the default logger to debug level.
	Verbose bool

	// Journal, when non-nil, records hand-offs and worker exits.
	// Journal writes are best-effort; a failed write never stops a run.
	Journal *journal.Journal
}

// Master runs one task to completion by distributing every produced item
// to exactly one worker, then shutting the pool down.
type Master struct {
	task  Task
	pool  []*Worker
	build CommandBuilder
	log   *slog.Logger
	jr    *journal.Journal

	fl       *flags
	ln       *net.UnixListener
	sockPath string
	runID    string
	seq      int64
}

// New validates opts and builds the pool records. No child is spawned
// until Run has an item to hand off.
func New(task Task, opts Options) (*Master, error) {
	if opts.Concurrency < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrPoolSize, opts.Concurrency)
	}
	if opts.Build == nil {
		return nil, ErrNoBuilder
	}

	log := opts.Logger
	if log == nil {
		level := slog.LevelInfo
		if opts.Verbose {
			level = slog.LevelDebug
		}
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	pool := make([]*Worker, opts.Concurrency)
	for i := range pool {
		pool[i] = newWorker(i+1, log)
	}

	return &Master{
		task:  task,
		pool:  pool,
		build: opts.Build,
		log:   log,
		jr:    opts.Journal,
	}, nil
}

// Workers returns the pool records.
func (m *Master) Workers() []*Worker {
	return m.pool
}

// Run drives the task: bind the rendezvous socket, pull items from
// Dispatch, hand each to one idle worker, then drain the pool. It
// returns when the generator is exhausted or a shutdown signal was
// honored, and with an error only on fatal conditions (socket bind
// failure, oversize item, spawn failure).
//
// Items are delivered in production order, one at a time. The worker
// that receives an item is whichever worker's connect reached the accept
// queue first.
func (m *Master) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fl, stopTraps := trapParent(m.log)
	m.fl = fl
	defer stopTraps()

	m.sockPath = m.task.SocketPath()

	// unlink any stale socket file; a concurrent master on the same
	// path is disrupted on purpose
	_ = os.Remove(m.sockPath)

	ln, err := net.Listen("unix", m.sockPath)
	if err != nil {
		return fmt.Errorf("divvy: bind %s: %w", m.sockPath, err)
	}
	m.ln = ln.(*net.UnixListener)
	defer m.drain()

	m.startJournal(ctx)

	for item := range m.task.Dispatch(ctx) {
		if err := m.boot(); err != nil {
			return err
		}

		data, err := packer.Encode(item)
		if err != nil {
			// oversize and unencodable items are rejected before any
			// hand-off
			return err
		}

		if err := m.handOff(ctx, data); err != nil {
			if errors.Is(err, errStopped) {
				break
			}
			return err
		}

		m.seq++
		m.recordHandoff(ctx, len(data))

		if m.fl.shutdown.Load() || ctx.Err() != nil {
			break
		}
		if m.fl.reap.Swap(false) {
			m.reapAll(ctx)
		}
	}

	return nil
}

// boot spawns a child for every slot that is not currently running. It
// is lazy and idempotent: a live child is left alone.
func (m *Master) boot() error {
	for _, w := range m.pool {
		if w.Running() {
			continue
		}
		m.task.BeforeSpawn(w)
		if err := w.Spawn(m.build); err != nil {
			return fmt.Errorf("divvy: boot: %w", err)
		}
	}
	return nil
}

// handOff couples one encoded item to one idle worker: accept a single
// connection, write the frame in full, close.
func (m *Master) handOff(ctx context.Context, data []byte) error {
	conn, err := m.acceptOne(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		// the worker died between connect and read; the item is lost,
		// not re-dispatched
		m.log.Warn("hand-off write failed, item dropped", "error", err)
	}
	return nil
}

// acceptOne blocks until a worker connects. It polls on a short deadline
// so the loop can observe child deaths, replace crashed workers, and
// abort once a shutdown leaves nobody to connect.
func (m *Master) acceptOne(ctx context.Context) (net.Conn, error) {
	for {
		_ = m.ln.SetDeadline(time.Now().Add(100 * time.Millisecond))
		conn, err := m.ln.Accept()
		if err == nil {
			_ = m.ln.SetDeadline(time.Time{})
			return conn, nil
		}

		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			return nil, fmt.Errorf("divvy: accept: %w", err)
		}

		if m.fl.reap.Swap(false) {
			m.reapAll(ctx)
		}
		if m.fl.shutdown.Load() || ctx.Err() != nil {
			if !m.anyRunning() {
				return nil, errStopped
			}
			continue
		}
		if err := m.boot(); err != nil {
			return nil, err
		}
	}
}

// reapAll collects every exited child without blocking.
func (m *Master) reapAll(ctx context.Context) {
	for _, w := range m.pool {
		if !w.Running() {
			continue
		}
		pid := w.Pid()
		status, ok := w.Reap()
		if !ok {
			continue
		}
		if status != 0 {
			m.log.Warn("worker exited abnormally", "slot", w.Number, "pid", pid, "status", status)
		} else {
			m.log.Debug("worker exited", "slot", w.Number, "pid", pid)
		}
		m.recordExit(ctx, w.Number, pid, status)
	}
}

// drain tears the rendezvous down and waits for the pool to empty. With
// the socket unlinked, workers blocked in connect fail fast and exit;
// workers mid-item finish and then exit.
func (m *Master) drain() {
	if m.ln == nil {
		return
	}

	_ = m.ln.Close()
	_ = os.Remove(m.sockPath)

	ctx := context.Background()
	for {
		m.reapAll(ctx)
		if !m.anyRunning() {
			break
		}
		// TODO: send TERM to workers that won't reap after a bounded wait
		time.Sleep(10 * time.Millisecond)
	}

	m.finishJournal(ctx)
	m.log.Info("run complete", "items", m.seq)
}

func (m *Master) anyRunning() bool {
	for _, w := range m.pool {
		if w.Running() {
			return true
		}
	}
	return false
}

func (m *Master) startJournal(ctx context.Context) {
	if m.jr == nil {
		return
	}
	id, err := m.jr.StartRun(ctx, m.sockPath, len(m.pool))
	if err != nil {
		m.log.Error(fmt.Sprintf("journal start: %v", err))
		return
	}
	m.runID = id
}

func (m *Master) recordHandoff(ctx context.Context, size int) {
	if m.jr == nil || m.runID == "" {
		return
	}
	if err := m.jr.RecordHandoff(ctx, m.runID, m.seq, size); err != nil {
		m.log.Error(fmt.Sprintf("journal hand-off: %v", err))
	}
}

func (m *Master) recordExit(ctx context.Context, slot, pid, status int) {
	if m.jr == nil || m.runID == "" {
		return
	}
	if err := m.jr.RecordExit(ctx, m.runID, slot, pid, status); err != nil {
		m.log.Error(fmt.Sprintf("journal exit: %v", err))
	}
}

func (m *Master) finishJournal(ctx context.Context) {
	if m.jr == nil || m.runID == "" {
		return
	}
	if err := m.jr.FinishRun(ctx, m.runID, m.seq); err != nil {
		m.log.Error(fmt.Sprintf("journal finish: %v", err))
	}
}
