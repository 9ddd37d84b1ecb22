package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memRepository is an in-memory Repository for engine tests.
type memRepository struct {
	mu       sync.Mutex
	requests map[string]*SetupRequest
	events   map[string][]ProgressEvent
	records  map[string]map[string]TaskExecutionRecord
	seq      int64

	// failAppendAfter makes AppendProgressEvent fail once this many events
	// were stored. Negative disables it.
	failAppendAfter int
}

func newMemRepository() *memRepository {
	return &memRepository{
		requests:        make(map[string]*SetupRequest),
		events:          make(map[string][]ProgressEvent),
		records:         make(map[string]map[string]TaskExecutionRecord),
		failAppendAfter: -1,
	}
}

func recordKey(machine, task string) string {
	return machine + "/" + task
}

func cloneRequest(req *SetupRequest) *SetupRequest {
	out := *req
	out.Machines = append([]MachineTarget(nil), req.Machines...)
	out.Tasks = append([]string(nil), req.Tasks...)
	out.Progress = make(map[string]float64, len(req.Progress))
	for k, v := range req.Progress {
		out.Progress[k] = v
	}
	return &out
}

func (r *memRepository) CreateRequest(ctx context.Context, req *SetupRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[req.ID]; ok {
		return fmt.Errorf("request %s already exists", req.ID)
	}
	r.requests[req.ID] = cloneRequest(req)
	return nil
}

func (r *memRepository) GetRequest(ctx context.Context, id string) (*SetupRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(req), nil
}

func (r *memRepository) ListRequests(ctx context.Context, statuses ...RequestStatus) ([]*SetupRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*SetupRequest
	for _, req := range r.requests {
		if len(statuses) == 0 || containsStatus(statuses, req.Status) {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func containsStatus(list []RequestStatus, s RequestStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *memRepository) UpdateRequestStatus(ctx context.Context, id string, u StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return ErrNotFound
	}
	if len(u.From) > 0 && !containsStatus(u.From, req.Status) {
		return ErrStatusConflict
	}
	req.Status = u.To
	if u.Approver != "" {
		req.Approver = u.Approver
	}
	if u.ApprovedAt != nil {
		req.ApprovedAt = u.ApprovedAt
	}
	if u.RejectionReason != "" {
		req.RejectionReason = u.RejectionReason
	}
	if u.StartedAt != nil {
		req.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		req.CompletedAt = u.CompletedAt
	}
	if u.ActualDuration != nil {
		req.ActualDuration = *u.ActualDuration
	}
	return nil
}

func (r *memRepository) UpdateMachineStatus(ctx context.Context, requestID, machine string, status MachineStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	m, ok := req.Machine(machine)
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	return nil
}

func (r *memRepository) AppendProgressEvent(ctx context.Context, ev *ProgressEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAppendAfter >= 0 && int(r.seq) >= r.failAppendAfter {
		return errors.New("disk I/O error")
	}
	req, ok := r.requests[ev.RequestID]
	if !ok {
		return ErrNotFound
	}
	r.seq++
	ev.Seq = r.seq
	r.events[ev.RequestID] = append(r.events[ev.RequestID], *ev)

	if m, ok := req.Machine(ev.Machine); ok && ev.MachineProgress > m.Progress {
		m.Progress = ev.MachineProgress
		if req.Progress == nil {
			req.Progress = make(map[string]float64)
		}
		req.Progress[ev.Machine] = m.Progress
	}
	return nil
}

func (r *memRepository) ListProgressEvents(ctx context.Context, requestID string) ([]ProgressEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProgressEvent(nil), r.events[requestID]...), nil
}

func (r *memRepository) UpsertTaskExecutionRecord(ctx context.Context, rec *TaskExecutionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.records[rec.RequestID] == nil {
		r.records[rec.RequestID] = make(map[string]TaskExecutionRecord)
	}
	r.records[rec.RequestID][recordKey(rec.Machine, rec.Task)] = *rec
	return nil
}

func (r *memRepository) ListTaskExecutionRecords(ctx context.Context, requestID string) ([]TaskExecutionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskExecutionRecord, 0, len(r.records[requestID]))
	for _, rec := range r.records[requestID] {
		out = append(out, rec)
	}
	return out, nil
}

func (r *memRepository) record(requestID, machine, task string) (TaskExecutionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[requestID][recordKey(machine, task)]
	return rec, ok
}

func (r *memRepository) taskEvents(requestID, machine, task string) []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ProgressEvent
	for _, ev := range r.events[requestID] {
		if ev.Machine == machine && ev.Task == task {
			out = append(out, ev)
		}
	}
	return out
}

// scriptedRunner replays a per-(machine, task) sequence of results and counts
// invocations. Once a sequence is exhausted its last result repeats; pairs
// without a script succeed.
type scriptedRunner struct {
	mu      sync.Mutex
	scripts map[string][]ActionResult
	calls   map[string]int
	reqs    []ActionRequest
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		scripts: make(map[string][]ActionResult),
		calls:   make(map[string]int),
	}
}

func (s *scriptedRunner) script(machine, task string, results ...ActionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[recordKey(machine, task)] = results
}

func (s *scriptedRunner) Run(ctx context.Context, req ActionRequest) ActionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(req.Machine.Name, req.Task)
	n := s.calls[key]
	s.calls[key] = n + 1
	s.reqs = append(s.reqs, req)

	results := s.scripts[key]
	if len(results) == 0 {
		return ActionResult{OK: true, Message: "done"}
	}
	if n >= len(results) {
		n = len(results) - 1
	}
	return results[n]
}

func (s *scriptedRunner) count(machine, task string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[recordKey(machine, task)]
}

func (s *scriptedRunner) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// sleepRecorder replaces backoff sleeps and records requested delays.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

var fail = ActionResult{OK: false, Message: "script exited with code 1", Class: ErrorClassActionFailure, Code: ActionExitCode(1)}

func testCatalog(t *testing.T, names ...string) *Catalog {
	t.Helper()
	specs := make([]TaskSpec, 0, len(names))
	for _, n := range names {
		specs = append(specs, TaskSpec{
			Name:     n,
			ActionID: n + ".ps1",
			Timeout:  time.Minute,
			Estimate: 10 * time.Second,
		})
	}
	c, err := NewCatalog(specs)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return c
}

func testMachine(name string) MachineTarget {
	return MachineTarget{
		Name:    name,
		Address: "10.0.0." + name[len(name)-1:],
		Login: CredentialSelection{
			Kind:      LoginDirectory,
			Directory: Credentials{Username: "corp\\setup", Password: "secret"},
		},
		FullName: "User " + name,
		Status:   MachineStatusPending,
	}
}

type harness struct {
	repo   *memRepository
	runner *scriptedRunner
	sleeps *sleepRecorder
	coord  *Coordinator
}

func newHarness(t *testing.T, catalog *Catalog, opts ...func(*CoordinatorConfig)) *harness {
	t.Helper()
	h := &harness{
		repo:   newMemRepository(),
		runner: newScriptedRunner(),
		sleeps: &sleepRecorder{},
	}
	cfg := CoordinatorConfig{
		Repository:  h.repo,
		Runner:      h.runner,
		Catalog:     catalog,
		Parallelism: 4,
		Retry:       DefaultRetryPolicy(),
		Logger:      zerolog.Nop(),
		Sleep:       h.sleeps.sleep,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	coord, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	h.coord = coord
	return h
}

// approved submits and approves a request for the given machines and tasks.
func (h *harness) approved(t *testing.T, machines []string, tasks ...string) *SetupRequest {
	t.Helper()
	ctx := context.Background()
	req := &SetupRequest{Requester: "alice", Tasks: tasks}
	for _, m := range machines {
		req.Machines = append(req.Machines, testMachine(m))
	}
	req, err := h.coord.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := h.coord.Approve(ctx, req.ID, "bob"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	return req
}
