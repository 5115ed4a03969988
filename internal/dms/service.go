package dms

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/bars"
	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/config"
	"github.com/milliyang/zuilow/internal/symbols"
)

// wakeInterval bounds how long the dispatcher sleeps between trigger
// evaluations.
const wakeInterval = 30 * time.Second

// Service is the data maintenance core: the task dispatcher, the read API
// and the replication wiring around one primary bar store.
type Service struct {
	cfg     *config.DMSConfig
	store   bars.Store
	fetcher bars.Fetcher
	cache   *bars.Cache // nil disables caching
	maint   *MaintLog
	repl    *Replicator // nil when no backups are configured
	clock   *clock.Clock
	log     zerolog.Logger

	mu        sync.Mutex
	tasks     map[string]*Task
	running   bool
	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup

	workers chan struct{}
}

// NewService wires the maintenance core and restores task states from the
// maintenance log. Task definitions come from defs; an empty list leaves
// the dispatcher with nothing to do but the read API stays live.
func NewService(cfg *config.DMSConfig, store bars.Store, fetcher bars.Fetcher,
	cache *bars.Cache, maint *MaintLog, repl *Replicator, clk *clock.Clock,
	defs []config.TaskDef, log zerolog.Logger) (*Service, error) {

	workers := cfg.SyncWorkers
	if workers <= 0 {
		workers = 5
	}
	s := &Service{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		cache:   cache,
		maint:   maint,
		repl:    repl,
		clock:   clk,
		log:     log.With().Str("component", "dms").Logger(),
		tasks:   make(map[string]*Task, len(defs)),
		workers: make(chan struct{}, workers),
	}

	for _, def := range defs {
		t, err := buildTask(def)
		if err != nil {
			return nil, err
		}
		last, err := maint.LastStatus(def.Name)
		if err != nil {
			return nil, err
		}
		if last != "" {
			t.restoreStatus(last)
		}
		s.tasks[def.Name] = t
	}
	return s, nil
}

// Start launches the dispatcher loop.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("dms scheduler already running")
	}
	s.running = true
	s.startedAt = time.Now().UTC()
	s.stopCh = make(chan struct{})

	// A RUNNING state restored from an orphaned log row must not block
	// the task forever once the dispatcher is live.
	for _, t := range s.tasks {
		t.clearOrphan()
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	s.log.Info().Int("tasks", len(s.tasks)).Msg("Maintenance dispatcher started")
	return nil
}

// Stop signals the loop, waits for task workers and drains replication.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.repl.Wait()
	s.log.Info().Msg("Maintenance dispatcher stopped")
}

// IsRunning reports dispatcher state.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Uptime reports seconds since Start; zero when stopped.
func (s *Service) Uptime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt).Seconds()
}

func (s *Service) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evaluate(s.clock.Now())
		}
	}
}

// evaluate dispatches every enabled task whose trigger fired. The
// dispatcher never blocks on a task body; each run gets its own worker.
func (s *Service) evaluate(now time.Time) {
	s.mu.Lock()
	due := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Def.Enabled && t.due(now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		s.dispatch(t)
	}
}

func (s *Service) dispatch(t *Task) bool {
	if !t.tryStart() {
		s.log.Warn().Str("task", t.Def.Name).Msg("Task still running; skipped")
		return false
	}
	s.wg.Add(1)
	s.workers <- struct{}{}
	go func() {
		defer s.wg.Done()
		defer func() { <-s.workers }()
		s.runTask(t)
	}()
	return true
}

// runTask executes one task run, bracketed by maintenance log rows.
func (s *Service) runTask(t *Task) {
	ctx := context.Background()
	started := s.clock.Now()

	logID, err := s.maint.Start(t.Def.Name, t.Def.Type, started)
	if err != nil {
		s.log.Error().Err(err).Str("task", t.Def.Name).Msg("Failed to open maintenance log row")
		t.finish(started, nil, true)
		return
	}

	var count int
	var issues []string
	switch t.Def.Type {
	case "incremental":
		count, err = s.runIncremental(ctx, t)
	case "full_sync":
		count, err = s.runFullSync(ctx, t)
	case "validation":
		count, issues, err = s.runValidation(ctx, t)
	case "repair":
		count, err = s.runRepair(ctx, t)
	}

	ended := s.clock.Now()
	if err != nil {
		observeTaskRun(t.Def.Type, "failed")
		if logErr := s.maint.Fail(logID, err.Error(), ended); logErr != nil {
			s.log.Error().Err(logErr).Str("task", t.Def.Name).Msg("Failed to close maintenance log row")
		}
		t.finish(ended, issues, true)
		s.log.Error().Err(err).Str("task", t.Def.Name).Msg("Task failed")
		return
	}

	observeTaskRun(t.Def.Type, "completed")
	if logErr := s.maint.Complete(logID, count, ended); logErr != nil {
		s.log.Error().Err(logErr).Str("task", t.Def.Name).Msg("Failed to close maintenance log row")
	}
	t.finish(ended, issues, false)

	evt := s.log.Info().Str("task", t.Def.Name).Str("type", t.Def.Type).Int("data_count", count)
	if len(issues) > 0 {
		evt = evt.Strs("issues", issues)
	}
	evt.Msg("Task completed")
}

// TriggerTask fires one task out of schedule. The run is asynchronous;
// callers poll the maintenance log for the outcome.
func (s *Service) TriggerTask(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	if !s.dispatch(t) {
		return fmt.Errorf("task %q is already running", name)
	}
	return nil
}

// TriggerResult is one entry of a trigger-all response.
type TriggerResult struct {
	Task    string `json:"task"`
	Started bool   `json:"started"`
	Reason  string `json:"reason,omitempty"`
}

// TriggerAll fires every enabled task, optionally filtered by type.
func (s *Service) TriggerAll(taskType string) []TriggerResult {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.Def.Enabled {
			continue
		}
		if taskType != "" && t.Def.Type != taskType {
			continue
		}
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(a, b int) bool { return tasks[a].Def.Name < tasks[b].Def.Name })

	out := make([]TriggerResult, 0, len(tasks))
	for _, t := range tasks {
		r := TriggerResult{Task: t.Def.Name, Started: s.dispatch(t)}
		if !r.Started {
			r.Reason = "already running"
		}
		out = append(out, r)
	}
	return out
}

// Tasks lists task snapshots sorted by name.
func (s *Service) Tasks() []TaskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskSnapshot, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// TaskCount reports the configured task count.
func (s *Service) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// ReadHistory serves bars for one symbol through the LRU cache.
func (s *Service) ReadHistory(ctx context.Context, symbol, interval string, start, end time.Time) ([]bars.Bar, error) {
	sym := symbols.Canonical(symbol)
	if sym == "" {
		return nil, nil
	}

	var key bars.CacheKey
	if s.cache != nil {
		key = bars.CacheKey{
			Symbol:   sym,
			Start:    start.UTC().Format("2006-01-02"),
			End:      end.UTC().Format("2006-01-02"),
			Interval: interval,
		}
		if rows, ok := s.cache.Get(key); ok {
			return rows, nil
		}
	}

	rows, err := s.store.Read(ctx, sym, interval, start, end)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && len(rows) > 0 {
		if err := s.cache.Put(key, rows); err != nil {
			s.log.Warn().Err(err).Str("symbol", sym).Msg("Cache put failed")
		}
	}
	return rows, nil
}

// ReadBatch is one store call for many symbols, partitioned in memory by
// canonical symbol.
func (s *Service) ReadBatch(ctx context.Context, syms []string, interval string, start, end time.Time) (map[string][]bars.Bar, error) {
	rows, err := s.store.ReadBatch(ctx, syms, interval, start, end)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]bars.Bar)
	for _, b := range rows {
		out[b.Symbol] = append(out[b.Symbol], b)
	}
	return out, nil
}

// Store exposes the primary store for the write/clear handlers.
func (s *Service) Store() bars.Store {
	return s.store
}

// MaintenanceLog exposes the audit trail for the log handler.
func (s *Service) MaintenanceLog() *MaintLog {
	return s.maint
}

// CacheStats reports LRU counters; zeroes when caching is disabled.
func (s *Service) CacheStats() (hits, misses int64, size int) {
	if s.cache == nil {
		return 0, 0, 0
	}
	return s.cache.Stats()
}
