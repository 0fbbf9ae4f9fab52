/*
scheduler.go - Scheduled KPI jobs

PURPOSE:
  Runs the two periodic jobs of the engine, either from an in-process
  ticker or from the cron endpoints:

    weekly   ensure + compute the current Friday's week
    monthly  during the first two days of a month, compute and lock the
             previous month, then open its ledger entries

DESIGN:
  - Jobs act as kpi.SystemActor()
  - Both jobs are idempotent; running them every tick is safe
  - A LockedState outcome is reported as "skipped", not "failed"
  - The ticker runs both jobs immediately on start

CONFIGURATION:
  - Interval: How often to tick (default: 1 hour)
  - Enabled: Whether Start launches the ticker

USAGE:
  s := NewScheduler(engine, reconciler, logger)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: cron endpoints
  - kpi/monthly.go: compute+lock
*/
package api

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/kpi-engine/fund"
	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/kpi"
)

// Job outcomes.
const (
	JobOK      = "ok"
	JobSkipped = "skipped"
	JobFailed  = "failed"
)

// monthlyWindowDays is how many days into a month the previous month is
// still closed by the monthly job.
const monthlyWindowDays = 2

// JobReport is the outcome of one job run.
type JobReport struct {
	Job       string           `json:"job"`
	Period    string           `json:"period"`
	Status    string           `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	Week      *WeekComputeDTO  `json:"week,omitempty"`
	Month     *MonthComputeDTO `json:"month,omitempty"`
	Reconcile *ReconcileDTO    `json:"reconcile,omitempty"`
}

func (r *JobReport) fail(err error) {
	if generic.IsLocked(err) {
		r.Status = JobSkipped
	} else {
		r.Status = JobFailed
	}
	r.Reason = err.Error()
}

// Scheduler runs the weekly and monthly jobs.
type Scheduler struct {
	Engine   *kpi.Engine
	Fund     *fund.Reconciler
	Interval time.Duration
	Enabled  bool

	log    *logrus.Entry
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewScheduler creates a scheduler. A nil logger discards.
func NewScheduler(engine *kpi.Engine, reconciler *fund.Reconciler, logger *logrus.Entry) *Scheduler {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Scheduler{
		Engine:   engine,
		Fund:     reconciler,
		Interval: time.Hour,
		Enabled:  true,
		log:      logger.WithField("component", "scheduler"),
	}
}

// Start begins the ticker.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.log.WithField("interval", s.Interval).Info("started")
}

// Stop stops the ticker and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("stopped")
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	s.tick()
	for {
		select {
		case <-s.ticker.C:
			s.tick()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for _, rep := range []JobReport{s.RunWeekly(ctx), s.RunMonthly(ctx)} {
		s.logReport(rep)
	}
}

func (s *Scheduler) logReport(rep JobReport) {
	log := s.log.WithFields(logrus.Fields{"job": rep.Job, "period": rep.Period, "status": rep.Status})
	switch rep.Status {
	case JobFailed:
		log.WithField("reason", rep.Reason).Error("job failed")
	case JobSkipped:
		log.WithField("reason", rep.Reason).Info("job skipped")
	default:
		log.Info("job done")
	}
}

// RunWeekly ensures and computes the current Friday's week.
func (s *Scheduler) RunWeekly(ctx context.Context) JobReport {
	cal := s.Engine.Calendar()
	weekKey := cal.WeekKeyFor(cal.CurrentFriday(s.Engine.Now()))
	return s.RunWeek(ctx, weekKey)
}

// RunWeek ensures and computes one week.
func (s *Scheduler) RunWeek(ctx context.Context, weekKey string) JobReport {
	rep := JobReport{Job: "weekly", Period: weekKey, Status: JobOK}
	actor := kpi.SystemActor()

	if _, err := s.Engine.EnsureWeek(ctx, actor, weekKey); err != nil {
		rep.fail(err)
		return rep
	}
	res, err := s.Engine.ComputeWeek(ctx, actor, weekKey, false)
	if err != nil {
		rep.fail(err)
		return rep
	}
	dto := toWeekComputeDTO(res)
	rep.Week = &dto
	return rep
}

// RunMonthly closes the previous month during the first days of a month.
func (s *Scheduler) RunMonthly(ctx context.Context) JobReport {
	cal := s.Engine.Calendar()
	now := s.Engine.Now()
	monthKey := cal.PreviousMonthKey(now)

	if cal.Today(now).Day() > monthlyWindowDays {
		return JobReport{Job: "monthly", Period: monthKey, Status: JobSkipped, Reason: "outside month-start window"}
	}
	return s.RunMonth(ctx, monthKey)
}

// RunMonth computes and locks one month, then reconciles its ledger.
func (s *Scheduler) RunMonth(ctx context.Context, monthKey string) JobReport {
	rep := JobReport{Job: "monthly", Period: monthKey, Status: JobOK}
	actor := kpi.SystemActor()

	res, err := s.Engine.ComputeMonth(ctx, actor, monthKey, kpi.MonthOptions{Lock: true})
	if err != nil {
		rep.fail(err)
		return rep
	}
	dto := toMonthComputeDTO(res)
	rep.Month = &dto

	if s.Fund != nil {
		rec, err := s.Fund.Reconcile(ctx, actor, monthKey)
		if err != nil {
			rep.fail(err)
			return rep
		}
		rdto := toReconcileDTO(rec)
		rep.Reconcile = &rdto
	}
	return rep
}
