package divvy

import (
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// flags are the only state signal delivery may touch. The handlers set a
// single atomic word each; all real work happens on the main loop.
type flags struct {
	shutdown atomic.Bool
	reap     atomic.Bool
}

// trapParent installs the master's traps: INT/TERM/QUIT request a
// graceful stop, CHLD marks that children may be reapable. The returned
// stop func uninstalls the traps.
func trapParent(log *slog.Logger) (*flags, func()) {
	f := &flags{}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, unix.SIGINT, unix.SIGTERM, unix.SIGQUIT)
	go func() {
		for sig := range shutdownCh {
			if f.shutdown.Swap(true) {
				log.Debug("shutdown already in progress", "signal", sig.String())
			} else {
				log.Info("shutting down", "signal", sig.String())
			}
		}
	}()

	reapCh := make(chan os.Signal, 1)
	signal.Notify(reapCh, unix.SIGCHLD)
	go func() {
		for range reapCh {
			f.reap.Store(true)
		}
	}()

	stop := func() {
		signal.Stop(shutdownCh)
		signal.Stop(reapCh)
		close(shutdownCh)
		close(reapCh)
	}

	return f, stop
}

// trapChild installs a worker child's traps: INT/TERM/QUIT ask the child
// to stop after its current item. CHLD is reset to the default so the
// child inherits no responsibility for its siblings.
func trapChild(log *slog.Logger) *flags {
	f := &flags{}

	signal.Reset(unix.SIGCHLD)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM, unix.SIGQUIT)
	go func() {
		for sig := range ch {
			if !f.shutdown.Swap(true) {
				log.Debug("worker stopping after current item", "signal", sig.String())
			}
		}
	}()

	return f
}
