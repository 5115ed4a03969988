package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/bars"
	"github.com/milliyang/zuilow/internal/broker"
	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/config"
	"github.com/milliyang/zuilow/internal/executor"
	"github.com/milliyang/zuilow/internal/notify"
	"github.com/milliyang/zuilow/internal/signals"
	"github.com/milliyang/zuilow/internal/strategy"
)

// SignalExecutor drains due signals. Injected as an interface so the
// scheduler never references the executor package's wiring directly.
type SignalExecutor interface {
	RunOnce(account, market string, triggerAt *time.Time) (*executor.Result, error)
}

// Scheduler owns the job map and the trigger loop.
type Scheduler struct {
	cfg      *config.ZuiLowConfig
	clock    *clock.Clock
	repo     *signals.Repository
	exec     SignalExecutor
	runner   *strategy.Runner
	resolver executor.GatewayResolver
	history  *HistoryRepo
	notifier notify.Sink
	log      zerolog.Logger

	mu        sync.Mutex
	jobs      map[string]*Job
	events    []Event
	running   bool
	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup

	workers chan struct{}
}

// New wires a scheduler. Jobs are not loaded yet; call LoadJobs.
func New(cfg *config.ZuiLowConfig, clk *clock.Clock, repo *signals.Repository,
	exec SignalExecutor, runner *strategy.Runner, resolver executor.GatewayResolver,
	history *HistoryRepo, notifier notify.Sink, log zerolog.Logger) *Scheduler {

	workers := cfg.Workers
	if workers <= 0 {
		workers = 3
	}
	return &Scheduler{
		cfg:      cfg,
		clock:    clk,
		repo:     repo,
		exec:     exec,
		runner:   runner,
		resolver: resolver,
		history:  history,
		notifier: notifier,
		log:      log.With().Str("component", "scheduler").Logger(),
		jobs:     make(map[string]*Job),
		workers:  make(chan struct{}, workers),
	}
}

// LoadJobs reads the jobs file and rebuilds the job map, auto-injecting
// the three execution jobs for every enabled market. On failure the
// previous job set is kept so a malformed edit never empties a live
// scheduler.
func (s *Scheduler) LoadJobs() error {
	jobsCfg, err := config.LoadJobs(s.cfg.JobsFile)
	if err != nil {
		return fmt.Errorf("job reload failed, keeping previous jobs: %w", err)
	}

	markets := make(map[string]*config.MarketDef, len(jobsCfg.Markets))
	for i := range jobsCfg.Markets {
		m := &jobsCfg.Markets[i]
		markets[strings.ToUpper(m.Name)] = m
	}

	next := make(map[string]*Job, len(jobsCfg.Jobs))
	for _, def := range jobsCfg.Jobs {
		j, err := buildJob(def, markets)
		if err != nil {
			return fmt.Errorf("job reload failed, keeping previous jobs: %w", err)
		}
		next[def.Name] = j
	}

	// Auto-injected execution jobs per enabled market, unless the file
	// declares a job with the same name.
	for name, m := range markets {
		if !m.Enabled {
			continue
		}
		lower := strings.ToLower(name)
		for _, auto := range []struct {
			suffix  string
			trigger string
		}{
			{"open", "market_open"},
			{"close", "market_close"},
			{"bar", "open_bar"},
		} {
			jobName := fmt.Sprintf("exec_%s_%s", lower, auto.suffix)
			if _, exists := next[jobName]; exists {
				continue
			}
			next[jobName] = &Job{
				Def: config.JobDef{
					Name:    jobName,
					Trigger: auto.trigger,
					Market:  name,
					Enabled: true,
				},
				Market:   m,
				AutoExec: true,
			}
		}
	}

	s.mu.Lock()
	s.jobs = next
	s.mu.Unlock()

	s.log.Info().Int("jobs", len(next)).Msg("Jobs loaded")
	return nil
}

// Start launches the trigger loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.startedAt = time.Now().UTC()
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	s.log.Info().Msg("Scheduler started")
	return nil
}

// Stop signals the loop and waits up to 5 s for workers to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("Scheduler stop timed out; workers abandoned")
	}
	s.log.Info().Msg("Scheduler stopped")
}

// IsRunning reports loop state.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.TickInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(s.clock.Now())
		}
	}
}

// PublishEvent queues an event for the next tick's event-triggered jobs.
func (s *Scheduler) PublishEvent(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

// Tick runs one evaluation pass at now. Strategy jobs run first so the
// signals they produce are visible to the execution jobs of the same
// tick; each class runs in priority order through the worker pool, and
// the tick blocks until both phases drain.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Def.Enabled {
			jobs = append(jobs, j)
		}
	}
	events := s.events
	s.events = nil
	s.mu.Unlock()

	sort.Slice(jobs, func(a, b int) bool {
		ja, jb := jobs[a], jobs[b]
		if ja.IsExecutionJob() != jb.IsExecutionJob() {
			return !ja.IsExecutionJob()
		}
		if ja.Def.Priority != jb.Def.Priority {
			return ja.Def.Priority < jb.Def.Priority
		}
		return ja.Def.Name < jb.Def.Name
	})

	s.runPhase(jobs, now, events, false)
	s.runPhase(jobs, now, events, true)
}

func (s *Scheduler) runPhase(jobs []*Job, now time.Time, events []Event, execution bool) {
	var wg sync.WaitGroup
	for _, j := range jobs {
		if j.IsExecutionJob() != execution {
			continue
		}
		if !j.due(now, events) {
			continue
		}
		if !j.tryAcquire() {
			s.log.Warn().Str("job", j.Def.Name).Msg("Job still running; skipped")
			continue
		}
		wg.Add(1)
		s.workers <- struct{}{}
		go func(j *Job) {
			defer wg.Done()
			defer func() { <-s.workers }()
			s.runJob(j, now)
		}(j)
	}
	wg.Wait()
}

func (s *Scheduler) runJob(j *Job, now time.Time) {
	var err error
	if j.IsExecutionJob() {
		err = s.runExecutionJob(j, now)
	} else {
		err = s.runStrategyJob(j, now)
	}
	j.release(now, err != nil)
	if err != nil {
		s.log.Error().Err(err).Str("job", j.Def.Name).Msg("Job run failed")
	}
}

func (s *Scheduler) runExecutionJob(j *Job, now time.Time) error {
	res, err := s.exec.RunOnce(j.Def.Account, j.Def.Market, &now)
	if err != nil {
		return err
	}
	if res.Pending > 0 {
		s.log.Info().
			Str("job", j.Def.Name).
			Int("executed", res.Executed).
			Int("failed", res.Failed).
			Msg("Execution job drained signals")
	}
	return nil
}

func (s *Scheduler) runStrategyJob(j *Job, now time.Time) error {
	historyID, err := s.history.Begin(j.Def.Name, now)
	if err != nil {
		return err
	}

	count, runErr := s.produceSignals(j, now)
	status := "success"
	errMsg := ""
	if runErr != nil {
		status = "failed"
		errMsg = runErr.Error()
	}
	if err := s.history.Finish(historyID, status, count, errMsg, s.clock.Now()); err != nil {
		s.log.Error().Err(err).Str("job", j.Def.Name).Msg("Failed to close job history row")
	}

	s.notifyRun(j, count, runErr)
	return runErr
}

func (s *Scheduler) produceSignals(j *Job, now time.Time) (int, error) {
	strat, err := strategy.New(j.Def.Strategy, j.Def.Params)
	if err != nil {
		return 0, err
	}
	gw, err := s.resolver.Gateway(j.Def.Account)
	if err != nil {
		return 0, err
	}

	drafts, err := s.runner.Run(strategy.RunInput{
		Strategy: strat,
		Symbols:  j.Def.Symbols,
		Account:  j.Def.Account,
		JobName:  j.Def.Name,
		Market:   j.Def.Market,
		Params:   j.Def.Params,
		Provider: &gatewayProvider{gw: gw},
	})
	if err != nil {
		return 0, err
	}

	converted := strategy.ToSignals(drafts, j.Def.Name, j.Def.Account, j.Def.Market, now, nil)
	if err := s.repo.AddMany(converted); err != nil {
		return 0, err
	}

	if j.Def.SendImmediately && len(converted) > 0 {
		if _, err := s.exec.RunOnce(j.Def.Account, j.Def.Market, &now); err != nil {
			return len(converted), fmt.Errorf("immediate execution failed: %w", err)
		}
	}
	return len(converted), nil
}

func (s *Scheduler) notifyRun(j *Job, count int, runErr error) {
	if s.notifier == nil {
		return
	}
	e := notify.Event{
		JobName: j.Def.Name,
		Account: j.Def.Account,
		Time:    s.clock.Now(),
	}
	switch {
	case runErr != nil:
		e.Kind = notify.EventFailure
		e.Message = runErr.Error()
	case count > 0:
		e.Kind = notify.EventSignal
		e.Message = fmt.Sprintf("%d signal(s) produced", count)
	default:
		e.Kind = notify.EventSuccess
		e.Message = "run complete, no signals"
	}
	_ = s.notifier.Notify(e)
}

// TriggerJob fires a job out of schedule. Only enabled strategy-backed
// jobs qualify; auto-injected execution jobs are driven by market time
// alone.
func (s *Scheduler) TriggerJob(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	if !j.Def.Enabled {
		return fmt.Errorf("job %q is disabled", name)
	}
	if j.IsExecutionJob() {
		return fmt.Errorf("job %q is an execution job and cannot be triggered manually", name)
	}
	j.requestManual()
	go s.Tick(s.clock.Now())
	return nil
}

// Jobs lists job snapshots sorted by name.
func (s *Scheduler) Jobs() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Status summarizes the loop for the status endpoint.
func (s *Scheduler) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	uptime := 0.0
	if s.running {
		uptime = time.Since(s.startedAt).Seconds()
	}
	return map[string]interface{}{
		"running":        s.running,
		"uptime_seconds": uptime,
		"jobs_count":     len(s.jobs),
		"workers":        cap(s.workers),
		"sim_mode":       s.clock.IsSimMode(),
		"now":            s.clock.NowISO(),
	}
}

// gatewayProvider adapts a broker gateway to the runner's provider.
type gatewayProvider struct {
	gw broker.Gateway
}

func (p *gatewayProvider) Quote(symbol string) (float64, error) {
	q, err := p.gw.GetQuote(symbol)
	if err != nil {
		return 0, err
	}
	return q.Price, nil
}

func (p *gatewayProvider) History(symbol string, start, end time.Time, interval string) ([]bars.Bar, error) {
	return p.gw.GetHistory(symbol, start, end, interval)
}
