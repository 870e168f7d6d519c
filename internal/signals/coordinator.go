// Package signals turns asynchronous operator requests (terminate, reload)
// into handler calls, holding them back while a configurator run is in flight.
//
// The Coordinator has two modes. In Immediate mode a delivered request runs
// its handler straight away. In Deferred mode the request is remembered
// instead; only the most recent one is kept. Leaving Deferred mode replays the
// remembered request through the same handler it would have reached in
// Immediate mode.
//
// The OS boundary (Notify) is the only place that touches os/signal.
package signals

import (
	"log/slog"
	"sync"
)

// Request is an operator request kind.
type Request int

const (
	None Request = iota
	Terminate
	Reload
)

func (r Request) String() string {
	switch r {
	case Terminate:
		return "terminate"
	case Reload:
		return "reload"
	default:
		return "none"
	}
}

// Mode is the coordinator's delivery mode.
type Mode int

const (
	Immediate Mode = iota
	Deferred
)

func (m Mode) String() string {
	if m == Deferred {
		return "deferred"
	}
	return "immediate"
}

// Handler reacts to a request.
type Handler func(Request)

// Coordinator decides between acting on a request now and remembering it.
type Coordinator struct {
	mu       sync.Mutex
	mode     Mode
	pending  Request
	handlers map[Request]Handler
	logger   *slog.Logger
}

// New creates a Coordinator in Immediate mode with no handlers.
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		handlers: make(map[Request]Handler),
		logger:   logger,
	}
}

// Handle registers the handler for kind, replacing any previous one.
func (c *Coordinator) Handle(kind Request, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

// Deliver runs the handler for req, or records req if deliveries are deferred.
func (c *Coordinator) Deliver(req Request) {
	if req == None {
		return
	}

	c.mu.Lock()
	if c.mode == Deferred {
		if c.pending != None && c.pending != req {
			c.logger.Info("pending request overwritten", "previous", c.pending.String(), "request", req.String())
		}
		c.pending = req
		c.mu.Unlock()
		c.logger.Info("request deferred until dispatch completes", "request", req.String())
		return
	}
	h := c.handlers[req]
	c.mu.Unlock()

	c.dispatch(req, h)
}

// Enter switches to Deferred mode.
func (c *Coordinator) Enter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = Deferred
}

// Leave switches back to Immediate mode and replays any pending request.
// It returns the replayed request, or None.
func (c *Coordinator) Leave() Request {
	c.mu.Lock()
	req := c.pending
	c.pending = None
	c.mode = Immediate
	h := c.handlers[req]
	c.mu.Unlock()

	if req != None {
		c.logger.Info("replaying deferred request", "request", req.String())
		c.dispatch(req, h)
	}
	return req
}

// Mode returns the current delivery mode.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Pending returns the remembered request, or None.
func (c *Coordinator) Pending() Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *Coordinator) dispatch(req Request, h Handler) {
	if h == nil {
		c.logger.Warn("no handler registered", "request", req.String())
		return
	}
	h(req)
}
