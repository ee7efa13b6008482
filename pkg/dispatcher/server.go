package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/fitable-broker/pkg/commsutil"
	"github.com/morezero/fitable-broker/pkg/failure"
	"github.com/morezero/fitable-broker/pkg/invoker"
	"github.com/morezero/fitable-broker/pkg/registry"
)

const serverLogPrefix = "dispatcher:server"

// DefaultRequestTimeout bounds one served request when neither the caller
// nor ServerOpts set a tighter budget.
const DefaultRequestTimeout = 25 * time.Second

// ServerOpts configures a Server.
type ServerOpts struct {
	RequestTimeout time.Duration
	Observer       invoker.Observer
}

// Server hosts local implementations on COMMS. Each implementation gets its
// own subscription on the registry's local subject, in a queue group named
// after the implementation so replicas share the load.
type Server struct {
	nc             *comms.Conn
	reg            *registry.Registry
	disp           *Dispatcher
	requestTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[registry.ImplementationID]*comms.Subscription
}

// NewServer creates a Server backed by reg.
func NewServer(nc *comms.Conn, reg *registry.Registry, opts *ServerOpts) *Server {
	if opts == nil {
		opts = &ServerOpts{}
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		nc:             nc,
		reg:            reg,
		disp:           NewDispatcher(reg, opts.Observer),
		requestTimeout: timeout,
		ctx:            ctx,
		cancel:         cancel,
		subs:           make(map[registry.ImplementationID]*comms.Subscription),
	}
}

// Host registers a local implementation and starts serving it. If the
// subscription cannot be created the registration is rolled back.
func (s *Server) Host(ctx context.Context, contract registry.ContractID, impl registry.Implementation) error {
	if !impl.IsLocal() {
		return failure.New(failure.InvalidArgument, "only local implementations can be hosted").
			WithTarget(string(contract), string(impl.ID))
	}
	if err := s.reg.RegisterImplementation(ctx, contract, impl); err != nil {
		return err
	}
	if err := s.serve(contract, impl.ID); err != nil {
		s.reg.UnregisterImplementation(ctx, impl.ID)
		return err
	}
	return nil
}

// Withdraw stops serving id and removes it from the registry. It reports
// whether id was hosted by this server.
func (s *Server) Withdraw(ctx context.Context, id registry.ImplementationID) bool {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	if err := sub.Unsubscribe(); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to unsubscribe %s: %v", serverLogPrefix, id, err))
	}
	s.reg.UnregisterImplementation(ctx, id)
	return true
}

// Hosted lists the implementations currently served.
func (s *Server) Hosted() []registry.ImplementationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]registry.ImplementationID, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	return ids
}

// Stop unsubscribes every hosted implementation and cancels requests in
// flight. Registry entries are left in place.
func (s *Server) Stop() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to unsubscribe %s: %v", serverLogPrefix, id, err))
		}
		delete(s.subs, id)
	}
	slog.Info(fmt.Sprintf("%s - Stopped", serverLogPrefix))
}

func (s *Server) serve(contract registry.ContractID, id registry.ImplementationID) error {
	subject := s.reg.LocalSubject(contract, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.subs[id]; ok {
		_ = old.Unsubscribe()
	}
	sub, err := s.nc.QueueSubscribe(subject, string(id), s.handle)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", serverLogPrefix, subject, err)
	}
	s.subs[id] = sub
	slog.Info(fmt.Sprintf("%s - Serving %s/%s on %s", serverLogPrefix, contract, id, subject))
	return nil
}

func (s *Server) handle(msg *comms.Msg) {
	req, err := DecodeRequest(msg.Data)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode request on %s: %v", serverLogPrefix, msg.Subject, err))
		id := ""
		if req != nil {
			id = req.ID
		}
		s.respond(msg, EncodeResponse(commsutil.NewErrorResponse(id, err)))
		return
	}

	// A panicking handler answers its caller and leaves the subscription up.
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler for %s/%s panicked: %v", serverLogPrefix, req.Contract, req.Implementation, r))
			perr := failure.New(failure.TransportFailure, "request handler panicked: %v", r).WithTarget(req.Contract, req.Implementation)
			s.respond(msg, EncodeResponse(commsutil.NewErrorResponse(req.ID, perr)))
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.budget(req.DeadlineMs))
	defer cancel()

	s.respond(msg, EncodeResponse(s.disp.Dispatch(ctx, req)))
}

// budget is the smaller of the server's request timeout and the caller's
// remaining deadline.
func (s *Server) budget(deadlineMs int64) time.Duration {
	if deadlineMs > 0 {
		if d := time.Duration(deadlineMs) * time.Millisecond; d < s.requestTimeout {
			return d
		}
	}
	return s.requestTimeout
}

func (s *Server) respond(msg *comms.Msg, data []byte) {
	if err := msg.Respond(data); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to respond on %s: %v", serverLogPrefix, msg.Subject, err))
	}
}
