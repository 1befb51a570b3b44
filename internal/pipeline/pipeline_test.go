package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/atlasguide/enrich/internal/db"
	"github.com/atlasguide/enrich/internal/kv"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

// createTestLogger creates a logger for testing
func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Reduce noise in tests
	}))
}

// newTestDB opens a migrated sqlite database in a temp directory
func newTestDB(t *testing.T) *db.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "pipeline_test.db")
	database, err := db.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if err := database.RunMigrations(); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}

// seedAttractions inserts a city and n attractions with slugs attraction-1..n
func seedAttractions(t *testing.T, database *db.DB, n int) []string {
	t.Helper()

	if _, err := database.Exec(`INSERT INTO cities (id, name, country) VALUES (1, 'Paris', 'France')`); err != nil {
		t.Fatalf("failed to seed city: %v", err)
	}

	slugs := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		slug := fmt.Sprintf("attraction-%d", i)
		_, err := database.Exec(
			`INSERT INTO attractions (id, slug, name, place_id, latitude, longitude, city_id)
			 VALUES (?, ?, ?, ?, 48.85, 2.29, 1)`,
			i, slug, fmt.Sprintf("Attraction %d", i), "place-"+slug,
		)
		if err != nil {
			t.Fatalf("failed to seed attraction: %v", err)
		}
		slugs = append(slugs, slug)
	}
	return slugs
}

// mockFetcher records calls and returns a configurable result or error
type mockFetcher struct {
	mu          sync.Mutex
	calls       int
	callsByItem map[int64]int
	result      *FetchResult
	err         error
	errByItem   map[int64]error
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		callsByItem: make(map[int64]int),
		errByItem:   make(map[int64]error),
		result:      &FetchResult{Data: map[string]any{"ok": true}, Count: 1},
	}
}

func (f *mockFetcher) Fetch(_ context.Context, req FetchRequest) (*FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.callsByItem[req.AttractionID]++

	if err, ok := f.errByItem[req.AttractionID]; ok && err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *mockFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *mockFetcher) callCountFor(attractionID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callsByItem[attractionID]
}

// mockStorer records calls and optionally fails
type mockStorer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *mockStorer) Store(_ context.Context, _ int64, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *mockStorer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// recordingDispatcher collects dispatched tasks without executing them
type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []Task
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return true
}

func (d *recordingDispatcher) dispatched() []Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Task, len(d.tasks))
	copy(out, d.tasks)
	return out
}

func testPipelineConfig() Config {
	cfg := DefaultConfig()
	cfg.SlotTimeout = 2 * time.Second
	cfg.SlotPollInterval = 5 * time.Millisecond
	cfg.Workers = 8
	cfg.QueueSize = 256
	cfg.DispatchTimeout = time.Second
	return cfg
}

// testEnv wires a complete pipeline against a real sqlite store, an
// in-memory coordination store, and mock fetchers/storers for every stage.
type testEnv struct {
	db       *db.DB
	store    *kv.Memory
	gate     *Gate
	backlog  *Backlog
	quota    *QuotaTracker
	stages   *StageSet
	cleanup  *Cleanup
	fetchers map[string]*mockFetcher
	storers  map[string]*mockStorer
	cfg      Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := testPipelineConfig()
	logger := createTestLogger()
	store := kv.NewMemory()

	fetchers := make(map[string]*mockFetcher, len(StageOrder))
	storers := make(map[string]*mockStorer, len(StageOrder))
	bindings := make(map[string]StageBinding, len(StageOrder))
	for _, stage := range StageOrder {
		fetchers[stage] = newMockFetcher()
		storers[stage] = &mockStorer{}
		bindings[stage] = StageBinding{Fetcher: fetchers[stage], Storer: storers[stage]}
	}

	stages, err := NewStageSet(bindings, cfg)
	if err != nil {
		t.Fatalf("failed to build stage set: %v", err)
	}

	database := newTestDB(t)
	backlog := NewBacklog(store)

	return &testEnv{
		db:       database,
		store:    store,
		gate:     NewGate(store, cfg.SlotPollInterval, logger),
		backlog:  backlog,
		quota:    NewQuotaTracker(store, DefaultQuotaConfig(), logger),
		stages:   stages,
		cleanup:  NewCleanup(database, backlog, logger),
		fetchers: fetchers,
		storers:  storers,
		cfg:      cfg,
	}
}

// newExecutor builds an executor over the env with the given dispatcher
func (env *testEnv) newExecutor(dispatcher Dispatcher) *Executor {
	return NewExecutor(env.db, env.gate, env.backlog, env.quota, env.stages,
		dispatcher, env.cleanup, env.cfg, createTestLogger())
}

// newPipeline builds the full executor + pool + orchestrator wiring. The
// pool is stopped on test cleanup.
func (env *testEnv) newPipeline(t *testing.T) (*Orchestrator, *Pool) {
	t.Helper()

	logger := createTestLogger()
	pool := NewPool(env.cfg.Workers, env.cfg.QueueSize, env.cfg.DispatchTimeout, logger)
	executor := env.newExecutor(pool)
	pool.Start(executor.HandleTask)
	t.Cleanup(pool.Stop)

	orchestrator := NewOrchestrator(env.db, env.backlog, pool, env.cleanup, env.stages, env.cfg, logger)
	return orchestrator, pool
}

// seedRun inserts a running pipeline run row directly
func (env *testEnv) seedRun(t *testing.T, runID string, processed int) {
	t.Helper()

	err := env.db.CreatePipelineRun(&db.PipelineRun{
		ID:                   runID,
		StartedAt:            time.Now().UTC(),
		Status:               db.RunStatusRunning,
		AttractionsProcessed: processed,
		Metadata:             "{}",
	})
	if err != nil {
		t.Fatalf("failed to seed run: %v", err)
	}
}
