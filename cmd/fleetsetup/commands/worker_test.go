package commands

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/fleetsetup/pkg/config"
	"github.com/openfroyo/fleetsetup/pkg/engine"
	"github.com/openfroyo/fleetsetup/pkg/stores"
)

func newTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestWorkerRunsApprovedRequests(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	catalog, err := config.NewCatalogLoader().Default()
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	coord, err := engine.NewCoordinator(engine.CoordinatorConfig{
		Repository: store,
		Runner: engine.ActionRunnerFunc(func(ctx context.Context, req engine.ActionRequest) engine.ActionResult {
			calls.Add(1)
			return engine.ActionResult{OK: true, Message: "done"}
		}),
		Catalog:     catalog,
		Parallelism: 2,
		Logger:      zerolog.Nop(),
		Sleep:       func(context.Context, time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	machine := func(name, addr string) engine.MachineTarget {
		return engine.MachineTarget{
			Name:    name,
			Address: addr,
			Login: engine.CredentialSelection{
				Kind:      engine.LoginDirectory,
				Directory: engine.Credentials{Username: `CORP\setup`, Password: "secret"},
			},
		}
	}
	req, err := coord.Submit(ctx, &engine.SetupRequest{
		Requester: "alice",
		Machines:  []engine.MachineTarget{machine("PC-001", "10.0.0.1"), machine("PC-002", "10.0.0.2")},
		Tasks:     []string{"disable_ipv6", "restart_system"},
	})
	if err != nil {
		t.Fatal(err)
	}
	pending, err := coord.Submit(ctx, &engine.SetupRequest{
		Requester: "alice",
		Machines:  []engine.MachineTarget{machine("PC-003", "10.0.0.3")},
		Tasks:     []string{"disable_ipv6"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := coord.Approve(ctx, req.ID, "carol"); err != nil {
		t.Fatal(err)
	}

	w := newWorker(coord, store, time.Hour, 2, zerolog.Nop())
	if err := w.Serve(ctx, true); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != engine.RequestStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	// Two tasks on two machines.
	if n := calls.Load(); n != 4 {
		t.Errorf("runner called %d times, want 4", n)
	}

	got, err = store.GetRequest(ctx, pending.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != engine.RequestStatusPending {
		t.Errorf("unapproved request status = %s", got.Status)
	}
}

type fakeLister struct {
	reqs []*engine.SetupRequest
}

func (f *fakeLister) ListRequests(ctx context.Context, statuses ...engine.RequestStatus) ([]*engine.SetupRequest, error) {
	return f.reqs, nil
}

// blockingRunner holds every run until release is closed.
type blockingRunner struct {
	mu      sync.Mutex
	started []string
	release chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context, id string, token *engine.CancelToken) (*engine.RunSummary, error) {
	b.mu.Lock()
	b.started = append(b.started, id)
	b.mu.Unlock()
	<-b.release
	return &engine.RunSummary{RequestID: id, Status: engine.RequestStatusCompleted}, nil
}

func TestWorkerDispatchRespectsConcurrency(t *testing.T) {
	ctx := context.Background()
	// Newest first, as the store lists them.
	lister := &fakeLister{reqs: []*engine.SetupRequest{{ID: "REQ-3"}, {ID: "REQ-2"}, {ID: "REQ-1"}}}
	runner := &blockingRunner{release: make(chan struct{})}
	w := newWorker(runner, lister, time.Hour, 2, zerolog.Nop())

	started, err := w.dispatch(ctx, false, engine.RequestStatusApproved)
	if err != nil {
		t.Fatal(err)
	}
	if started != 2 {
		t.Fatalf("started %d, want 2", started)
	}

	// Running requests are not claimed twice and the pool is full.
	started, err = w.dispatch(ctx, false, engine.RequestStatusApproved)
	if err != nil {
		t.Fatal(err)
	}
	if started != 0 {
		t.Errorf("second dispatch started %d, want 0", started)
	}

	close(runner.release)
	_ = w.group.Wait()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	seen := map[string]bool{}
	for _, id := range runner.started {
		seen[id] = true
	}
	if !seen["REQ-1"] || !seen["REQ-2"] || seen["REQ-3"] {
		t.Errorf("started %v, want the two oldest", runner.started)
	}

	// Released requests can be claimed again.
	if !w.claim("REQ-1") {
		t.Error("REQ-1 still claimed after its run finished")
	}
}
