package signals

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/cdispd/internal/log"
)

type recorder struct {
	mu   sync.Mutex
	seen []Request
}

func (r *recorder) handle(req Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, req)
}

func (r *recorder) got() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.seen...)
}

func newCoordinator(rec *recorder) *Coordinator {
	c := New(log.Discard())
	c.Handle(Terminate, rec.handle)
	c.Handle(Reload, rec.handle)
	return c
}

func TestImmediateDeliveryRunsHandler(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := newCoordinator(rec)

	c.Deliver(Reload)
	c.Deliver(Terminate)
	assert.Equal(t, []Request{Reload, Terminate}, rec.got())
	assert.Equal(t, None, c.Pending())
}

func TestDeferredLastRequestWins(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := newCoordinator(rec)

	c.Enter()
	assert.Equal(t, Deferred, c.Mode())
	c.Deliver(Terminate)
	c.Deliver(Reload)
	assert.Empty(t, rec.got(), "nothing runs while deferred")
	assert.Equal(t, Reload, c.Pending())

	replayed := c.Leave()
	assert.Equal(t, Reload, replayed)
	assert.Equal(t, []Request{Reload}, rec.got())
	assert.Equal(t, Immediate, c.Mode())
	assert.Equal(t, None, c.Pending())
}

func TestLeaveWithoutPendingIsQuiet(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := newCoordinator(rec)

	c.Enter()
	assert.Equal(t, None, c.Leave())
	assert.Empty(t, rec.got())
}

func TestReplayMatchesImmediateEffect(t *testing.T) {
	t.Parallel()

	immediate := &recorder{}
	ci := newCoordinator(immediate)
	ci.Deliver(Terminate)

	deferred := &recorder{}
	cd := newCoordinator(deferred)
	cd.Enter()
	cd.Deliver(Terminate)
	cd.Leave()

	assert.Equal(t, immediate.got(), deferred.got())
}

func TestHandlerMayReenterCoordinator(t *testing.T) {
	t.Parallel()

	c := New(log.Discard())
	var modes []Mode
	c.Handle(Reload, func(Request) { modes = append(modes, c.Mode()) })

	c.Enter()
	c.Deliver(Reload)
	c.Leave()
	assert.Equal(t, []Mode{Immediate}, modes)
}

func TestFromOS(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Terminate, FromOS(syscall.SIGINT))
	assert.Equal(t, Terminate, FromOS(syscall.SIGTERM))
	assert.Equal(t, Terminate, FromOS(syscall.SIGQUIT))
	assert.Equal(t, Reload, FromOS(syscall.SIGHUP))
	assert.Equal(t, None, FromOS(syscall.SIGUSR1))
}

func TestNotifyForwardsOSSignals(t *testing.T) {
	rec := &recorder{}
	c := newCoordinator(rec)

	stop := Notify(context.Background(), c)
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("kill: %v", err)
	}

	assert.Eventually(t, func() bool {
		return len(rec.got()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Request{Reload}, rec.got())
}
