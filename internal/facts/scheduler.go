package facts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"devloop/internal/logging"
)

// SchedulerConfig selects which jobs run and when.
type SchedulerConfig struct {
	DailyEnabled       bool
	DailyCron          string // default "55 23 * * *"
	WeeklyEnabled      bool
	WeeklyCron         string // default "0 3 * * 0"
	HealthCheckEnabled bool
	HealthCheckCron    string // default "0 6 * * *"
	Timezone           string // IANA name; empty means local
}

// JobStatus reports one scheduled job.
type JobStatus struct {
	Name    string     `json:"name"`
	Spec    string     `json:"spec"`
	NextRun *time.Time `json:"nextRun,omitempty"`
}

// Scheduler runs the consolidation and health jobs on cron schedules within
// this process.
type Scheduler struct {
	consolidator *Consolidator
	health       *HealthMonitor
	cfg          SchedulerConfig

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// NewScheduler wires a scheduler; call Start to begin.
func NewScheduler(consolidator *Consolidator, health *HealthMonitor, cfg SchedulerConfig) *Scheduler {
	if cfg.DailyCron == "" {
		cfg.DailyCron = "55 23 * * *"
	}
	if cfg.WeeklyCron == "" {
		cfg.WeeklyCron = "0 3 * * 0"
	}
	if cfg.HealthCheckCron == "" {
		cfg.HealthCheckCron = "0 6 * * *"
	}
	return &Scheduler{
		consolidator: consolidator,
		health:       health,
		cfg:          cfg,
		entries:      make(map[string]cron.EntryID),
	}
}

// Start schedules the enabled jobs, cancelling any prior instance.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	s.entries = make(map[string]cron.EntryID)

	loc := time.Local
	if s.cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(s.cfg.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone %q: %w", s.cfg.Timezone, err)
		}
	}
	c := cron.New(cron.WithLocation(loc))

	if s.cfg.DailyEnabled {
		id, err := c.AddFunc(s.cfg.DailyCron, s.wrap("daily-consolidation", func() error {
			return s.consolidator.RunConsolidation(context.Background(), time.Now().In(loc))
		}))
		if err != nil {
			return fmt.Errorf("bad daily cron %q: %w", s.cfg.DailyCron, err)
		}
		s.entries["daily-consolidation"] = id
	}
	if s.cfg.WeeklyEnabled {
		id, err := c.AddFunc(s.cfg.WeeklyCron, s.wrap("weekly-consolidation", func() error {
			_, err := s.consolidator.GenerateWeeklySummary(context.Background(), time.Now().In(loc))
			return err
		}))
		if err != nil {
			return fmt.Errorf("bad weekly cron %q: %w", s.cfg.WeeklyCron, err)
		}
		s.entries["weekly-consolidation"] = id
	}
	if s.cfg.HealthCheckEnabled {
		id, err := c.AddFunc(s.cfg.HealthCheckCron, s.wrap("health-check", func() error {
			_, err := s.health.RunHealthCheck()
			return err
		}))
		if err != nil {
			return fmt.Errorf("bad health cron %q: %w", s.cfg.HealthCheckCron, err)
		}
		s.entries["health-check"] = id
	}

	c.Start()
	s.cron = c
	logging.Scheduler("scheduler started with %d jobs", len(s.entries))
	return nil
}

// wrap makes a job panic-proof and error-swallowing: a failing job logs and
// the next tick still fires.
func (s *Scheduler) wrap(name string, job func() error) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Get(logging.CategoryScheduler).Error("job %s panicked: %v", name, r)
			}
		}()
		timer := logging.StartTimer(logging.CategoryScheduler, name)
		defer timer.Stop()
		if err := job(); err != nil {
			logging.Get(logging.CategoryScheduler).Error("job %s failed: %v", name, err)
		}
	}
}

// Stop stops all jobs. Running jobs finish; none are interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
		logging.Scheduler("scheduler stopped")
	}
}

// Status reports each scheduled job with its next run time.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	specs := map[string]string{
		"daily-consolidation":  s.cfg.DailyCron,
		"weekly-consolidation": s.cfg.WeeklyCron,
		"health-check":         s.cfg.HealthCheckCron,
	}
	var out []JobStatus
	for _, name := range []string{"daily-consolidation", "weekly-consolidation", "health-check"} {
		st := JobStatus{Name: name, Spec: specs[name]}
		if id, ok := s.entries[name]; ok && s.cron != nil {
			next := s.cron.Entry(id).Next
			if !next.IsZero() {
				st.NextRun = &next
			}
		}
		out = append(out, st)
	}
	return out
}

// TriggerConsolidationNow runs the consolidation job inline.
func (s *Scheduler) TriggerConsolidationNow(ctx context.Context) error {
	logging.Scheduler("manual consolidation trigger")
	return s.consolidator.RunConsolidation(ctx, time.Now())
}

// TriggerHealthCheckNow runs the health check inline.
func (s *Scheduler) TriggerHealthCheckNow() error {
	logging.Scheduler("manual health check trigger")
	_, err := s.health.RunHealthCheck()
	return err
}
