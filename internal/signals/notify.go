package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Watched lists the OS signals the daemon reacts to.
var Watched = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP}

// FromOS maps an OS signal to a Request.
func FromOS(sig os.Signal) Request {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
		return Terminate
	case syscall.SIGHUP:
		return Reload
	default:
		return None
	}
}

// Notify forwards watched OS signals to c until ctx is done or the returned
// stop function is called.
func Notify(ctx context.Context, c *Coordinator) (stop func()) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, Watched...)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				c.logger.Info("received signal", "signal", sig.String())
				c.Deliver(FromOS(sig))
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		cancel()
		<-done
	}
}
