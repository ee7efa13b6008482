// Package server orchestrates a broker node: COMMS client, registry, manifest,
// discovery, hosted fitables, optional PostgreSQL bindings and HTTP endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/fitable-broker/internal/config"
	"github.com/morezero/fitable-broker/pkg/bootstrap"
	"github.com/morezero/fitable-broker/pkg/broker"
	"github.com/morezero/fitable-broker/pkg/commsutil"
	"github.com/morezero/fitable-broker/pkg/db"
	"github.com/morezero/fitable-broker/pkg/dispatcher"
	"github.com/morezero/fitable-broker/pkg/events"
	"github.com/morezero/fitable-broker/pkg/invoker"
	"github.com/morezero/fitable-broker/pkg/metrics"
	"github.com/morezero/fitable-broker/pkg/registry"
	"github.com/morezero/fitable-broker/pkg/tasksource"
	"github.com/morezero/fitable-broker/pkg/tasksource/memsource"
)

const logPrefix = "server:server"

// Server is a running broker node.
type Server struct {
	cfg      *config.Config
	nodeID   string
	manifest *bootstrap.Manifest

	nc        *comms.Conn
	pool      *pgxpool.Pool
	reg       *registry.Registry
	broker    *broker.Broker
	host      *dispatcher.Server
	tasks     *tasksource.Client
	memory    *memsource.Source
	collector *metrics.Collector
	discovery *comms.Subscription

	httpServer *http.Server
	ready      atomic.Bool
	stopped    atomic.Bool
}

// Run loads config, starts the node, blocks until SIGINT or SIGTERM, then
// shuts down.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	slog.Info(fmt.Sprintf("%s - Starting fitable-broker", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := s.ListenHTTP(); err != nil {
		s.Shutdown(ctx)
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HealthCheckTimeout+cfg.RequestTimeout)
	defer shutdownCancel()
	s.Shutdown(shutdownCtx)
	return nil
}

// New builds a node from cfg. On error every resource acquired so far is
// released.
func New(ctx context.Context, cfg *config.Config) (s *Server, err error) {
	s = &Server{cfg: cfg, nodeID: cfg.NodeID}
	if s.nodeID == "" {
		s.nodeID = uuid.NewString()
	}
	defer func() {
		if err != nil {
			s.Shutdown(context.Background())
			s = nil
		}
	}()

	// Step 1: Load the manifest before touching the network.
	s.manifest, err = bootstrap.LoadManifest(cfg.ManifestFile)
	if err != nil {
		return s, fmt.Errorf("%s - failed to load manifest: %w", logPrefix, err)
	}

	// Step 2: Connect to COMMS
	s.nc, err = commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return s, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}

	// Step 3: Optional database for source bindings
	var bindings tasksource.BindingStore = tasksource.NewMemoryBindingStore()
	if cfg.DatabaseURL != "" {
		if err = s.openDatabase(ctx); err != nil {
			return s, err
		}
		bindings = db.NewBindingRepository(s.pool)
	}

	// Step 4: Registry, metrics and broker
	s.reg = registry.NewRegistry(registry.NewRegistryParams{
		Publisher: events.NewCommsPublisher(s.nc, &events.CommsPublisherOpts{GlobalChangeSubject: cfg.ChangeEventSubject}),
		Config: registry.Config{
			NodeID:        s.nodeID,
			SubjectPrefix: cfg.SubjectPrefix,
			NatsURL:       cfg.AdvertisedURL(),
		},
	})
	s.collector = metrics.NewCollector(metrics.DefaultNamespace)
	if err = s.collector.WatchRegistry(metrics.DefaultNamespace, s.reg); err != nil {
		return s, fmt.Errorf("%s - failed to register registry metrics: %w", logPrefix, err)
	}
	s.broker = broker.New(broker.NewBrokerParams{
		Registry:      s.reg,
		Transport:     invoker.NewNATSTransport(s.nc, cfg.COMMSName),
		Observer:      s.collector,
		InvokeTimeout: cfg.InvokeTimeout,
		OnChange: func(ev *events.RegistryChangedEvent, applied bool) {
			s.collector.RecordChange(ev.Action, applied)
		},
	})
	s.tasks = tasksource.NewClient(s.broker, bindings, nil)

	// Step 5: Contracts from the manifest plus the task-source contracts
	if _, err = bootstrap.Apply(ctx, s.reg, s.manifest); err != nil {
		return s, err
	}
	if err = tasksource.RegisterContracts(ctx, s.reg); err != nil {
		return s, fmt.Errorf("%s - failed to register task-source contracts: %w", logPrefix, err)
	}

	// Step 6: Host local fitables
	s.host = dispatcher.NewServer(s.nc, s.reg, &dispatcher.ServerOpts{
		RequestTimeout: cfg.RequestTimeout,
		Observer:       s.collector,
	})
	if cfg.HostMemorySource {
		s.memory = memsource.New(cfg.MemorySourceFitable)
		impls := s.memory.Implementations()
		for _, contract := range tasksource.AllContracts {
			if err = s.host.Host(ctx, contract, impls[contract]); err != nil {
				return s, fmt.Errorf("%s - failed to host %s: %w", logPrefix, cfg.MemorySourceFitable, err)
			}
		}
		slog.Info(fmt.Sprintf("%s - Hosting memory source %s", logPrefix, cfg.MemorySourceFitable))
	}

	// Step 7: Follow peers
	if cfg.DiscoveryEnabled {
		s.discovery, err = s.broker.Follow(s.nc, cfg.ChangeEventSubject)
		if err != nil {
			return s, fmt.Errorf("%s - failed to follow change events: %w", logPrefix, err)
		}
	}
	if err = s.nc.Flush(); err != nil {
		return s, fmt.Errorf("%s - failed to flush COMMS: %w", logPrefix, err)
	}

	s.ready.Store(true)
	slog.Info(fmt.Sprintf("%s - Node %s is ready (%d contracts)", logPrefix, s.nodeID, len(s.reg.Contracts())))
	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) error {
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL, nil)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool
	if !s.cfg.RunMigrations {
		return nil
	}

	var migrations []string
	if s.cfg.MigrationPath != "" {
		migrations, err = db.LoadMigrationFiles(s.cfg.MigrationPath)
	} else {
		migrations, err = db.DefaultMigrations()
	}
	if err != nil {
		return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
	}
	return nil
}

// NodeID returns the node identity stamped on change events.
func (s *Server) NodeID() string { return s.nodeID }

// Broker returns the node's broker.
func (s *Server) Broker() *broker.Broker { return s.broker }

// Tasks returns the task-source client.
func (s *Server) Tasks() *tasksource.Client { return s.tasks }

// ListenHTTP starts the HTTP endpoint on the configured address.
func (s *Server) ListenHTTP() error {
	addr := s.cfg.Addr()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()
	return nil
}

// Handler returns the node's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/contracts", s.handleContracts)
	mux.Handle("/metrics", s.collector.Handler())
	return mux
}

// Shutdown withdraws hosted fitables so peers drop them, stops discovery and
// releases connections. It is safe on a partially built Server and only the
// first call has any effect.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, err))
		}
	}
	if s.discovery != nil {
		_ = s.discovery.Unsubscribe()
	}
	if s.host != nil {
		for _, id := range s.host.Hosted() {
			s.host.Withdraw(ctx, id)
		}
		s.host.Stop()
	}
	if s.broker != nil {
		s.broker.Close()
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
}

// HealthOutput is the /health response.
type HealthOutput struct {
	Status    string          `json:"status"`
	NodeID    string          `json:"nodeId"`
	Revision  int             `json:"revision"`
	Checks    map[string]bool `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

// Health checks the COMMS connection and, when configured, the database.
func (s *Server) Health(ctx context.Context) *HealthOutput {
	h := &HealthOutput{
		Status:    "healthy",
		NodeID:    s.nodeID,
		Checks:    map[string]bool{"comms": s.nc != nil && s.nc.IsConnected()},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.reg != nil {
		h.Revision = s.reg.Revision()
	}
	if s.pool != nil {
		h.Checks["database"] = s.pool.Ping(ctx) == nil
	}
	for _, ok := range h.Checks {
		if !ok {
			h.Status = "unhealthy"
		}
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.Health(ctx)
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ContractView is one entry of the /contracts response.
type ContractView struct {
	ID              registry.ContractID  `json:"id"`
	Shape           registry.Shape       `json:"shape"`
	Implementations []ImplementationView `json:"implementations"`
}

// ImplementationView describes one candidate of a contract.
type ImplementationView struct {
	ID           registry.ImplementationID `json:"id"`
	Transport    string                    `json:"transport"`
	Capabilities []string                  `json:"capabilities"`
	Version      string                    `json:"version,omitempty"`
	Subject      string                    `json:"subject,omitempty"`
	NatsURL      string                    `json:"natsUrl,omitempty"`
}

// Contracts lists every registered contract and its candidates.
func (s *Server) Contracts() []ContractView {
	ids := s.reg.Contracts()
	out := make([]ContractView, 0, len(ids))
	for _, id := range ids {
		shape, ok := s.reg.Contract(id)
		if !ok {
			continue
		}
		view := ContractView{ID: id, Shape: shape, Implementations: []ImplementationView{}}
		for _, impl := range s.reg.CandidatesFor(id) {
			iv := ImplementationView{
				ID:           impl.ID,
				Transport:    impl.Dispatch.Transport(),
				Capabilities: impl.Capabilities,
				Version:      impl.Version,
			}
			switch d := impl.Dispatch.(type) {
			case registry.RemoteDispatch:
				iv.Subject = d.Endpoint.Subject
				iv.NatsURL = d.Endpoint.NatsURL
			case registry.LocalDispatch:
				iv.Subject = s.reg.LocalSubject(id, impl.ID)
			}
			view.Implementations = append(view.Implementations, iv)
		}
		out = append(out, view)
	}
	return out
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodeId":    s.nodeID,
		"revision":  s.reg.Revision(),
		"manifest":  s.manifest.Name,
		"contracts": s.Contracts(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - response encode: %v", logPrefix, err))
	}
}
