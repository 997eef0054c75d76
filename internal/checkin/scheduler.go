package checkin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/howard-nolan/llmgateway/internal/log"
)

// SchedulerName names the one scheduler instance per deployment. It also
// namespaces the scheduler's shared state.
const SchedulerName = "checkin-scheduler"

var errLeaseHeld = errors.New("lease held by another replica")

const (
	// leaseTTL bounds how long one replica may hold the fire lease.
	leaseTTL = 10 * time.Minute
	// retryAfter is how long the loop backs off after a failed fire or
	// when another replica holds the lease.
	retryAfter = 30 * time.Second
)

// Schedule is the administrator's check-in setting.
type Schedule struct {
	Enabled bool   `json:"enabled"`
	Time    string `json:"time"` // HH:MM, Beijing
}

// ScheduleSource reads the current schedule setting.
type ScheduleSource interface {
	CheckinSchedule(ctx context.Context) (Schedule, error)
}

// sweepRunner is implemented by Sweeper.
type sweepRunner interface {
	RunAll(ctx context.Context) (RunResult, error)
}

// Status is what the scheduler reports about itself.
type Status struct {
	LastRunDate string     `json:"last_run_date"`
	NextRunAt   *time.Time `json:"next_run_at"`
}

// Scheduler owns the single daily check-in alarm. The alarm lives in
// State so it survives restarts; Run sleeps until it is due, fires it and
// sets the next one.
type Scheduler struct {
	source  ScheduleSource
	state   State
	sweeper sweepRunner
	now     func() time.Time

	// mu serializes firing and rescheduling, so the alarm is only ever
	// written by one of them at a time.
	mu   sync.Mutex
	wake chan struct{}
}

// NewScheduler returns a Scheduler. Call Run to start the alarm loop.
func NewScheduler(source ScheduleSource, state State, sweeper sweepRunner) *Scheduler {
	return &Scheduler{
		source:  source,
		state:   state,
		sweeper: sweeper,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

func (s *Scheduler) schedule(ctx context.Context) (Schedule, Clock, error) {
	sched, err := s.source.CheckinSchedule(ctx)
	if err != nil {
		return Schedule{}, Clock{}, fmt.Errorf("reading check-in schedule: %w", err)
	}
	at, err := ParseClock(sched.Time)
	if err != nil {
		return Schedule{}, Clock{}, err
	}
	return sched, at, nil
}

// HandleAlarm is what happens when the alarm fires. A disabled schedule
// clears the alarm and leaves the scheduler dormant until the next
// Reschedule. Otherwise a due sweep runs and the alarm is set again
// afterwards: for the next day on success, retryAfter from now when the
// sweep failed.
func (s *Scheduler) HandleAlarm(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sched, at, err := s.schedule(ctx)
	if err != nil {
		return err
	}
	if !sched.Enabled {
		log.Infof("%s: disabled, clearing alarm", SchedulerName)
		return s.state.ClearNextAlarm(ctx)
	}

	last, err := s.state.LastRunDate(ctx)
	if err != nil {
		return fmt.Errorf("reading last run date: %w", err)
	}
	if ShouldRun(now, at, last) {
		if _, err := s.sweeper.RunAll(ctx); err != nil {
			// Today's sweep is still owed, so try again shortly instead of
			// tomorrow.
			retry := now.Add(retryAfter)
			if serr := s.state.SetNextAlarm(ctx, retry); serr != nil {
				return fmt.Errorf("sweep failed: %w; setting retry alarm: %v", err, serr)
			}
			return fmt.Errorf("sweep failed, retrying at %s: %w", retry.In(BeijingZone).Format(time.RFC3339), err)
		}
		if err := s.state.SetLastRunDate(ctx, BeijingDate(now)); err != nil {
			return fmt.Errorf("saving last run date: %w", err)
		}
	}

	_, err = s.reschedule(ctx, now, at, false)
	return err
}

// Reschedule recomputes the alarm from the current schedule and returns
// it. reset clears the last run date first, and then a time that already
// passed today fires one second from now. A disabled schedule clears the
// alarm and returns the zero time.
func (s *Scheduler) Reschedule(ctx context.Context, reset bool) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, at, err := s.schedule(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer s.poke()

	if !sched.Enabled {
		return time.Time{}, s.state.ClearNextAlarm(ctx)
	}
	if reset {
		if err := s.state.ClearLastRunDate(ctx); err != nil {
			return time.Time{}, fmt.Errorf("clearing last run date: %w", err)
		}
	}
	return s.reschedule(ctx, s.now(), at, reset)
}

func (s *Scheduler) reschedule(ctx context.Context, now time.Time, at Clock, reset bool) (time.Time, error) {
	next := NextAlarm(now, at, reset)
	if err := s.state.SetNextAlarm(ctx, next); err != nil {
		return time.Time{}, fmt.Errorf("setting alarm: %w", err)
	}
	log.Infof("%s: next run at %s", SchedulerName, next.In(BeijingZone).Format(time.RFC3339))
	return next, nil
}

// Status reports the last run date and the pending alarm, if any.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	last, err := s.state.LastRunDate(ctx)
	if err != nil {
		return Status{}, err
	}
	next, err := s.state.NextAlarm(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{LastRunDate: last}
	if !next.IsZero() {
		st.NextRunAt = &next
	}
	return st, nil
}

// poke wakes Run so it re-reads the alarm.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run is the alarm loop. It returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	// A fresh deployment has no alarm yet.
	if next, err := s.state.NextAlarm(ctx); err == nil && next.IsZero() {
		if _, err := s.Reschedule(ctx, false); err != nil {
			log.Warnf("%s: initial schedule: %v", SchedulerName, err)
		}
	}

	for {
		wait, armed := s.untilAlarm(ctx)

		var fire <-chan time.Time
		var timer *time.Timer
		if armed {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
			if err := s.fire(ctx); err != nil {
				log.Warnf("%s: %v", SchedulerName, err)
				if !s.sleep(ctx, retryAfter) {
					return nil
				}
			}
		}
	}
}

// untilAlarm returns how long until the stored alarm. armed is false when
// no alarm is set; a state read error retries after a back-off.
func (s *Scheduler) untilAlarm(ctx context.Context) (time.Duration, bool) {
	next, err := s.state.NextAlarm(ctx)
	if err != nil {
		log.Warnf("%s: reading alarm: %v", SchedulerName, err)
		return retryAfter, true
	}
	if next.IsZero() {
		return 0, false
	}
	return max(next.Sub(s.now()), 0), true
}

// fire handles a due alarm under the shared lease when the state offers
// one. Losing the lease means another replica is firing; we back off and
// then see the alarm it set.
func (s *Scheduler) fire(ctx context.Context) error {
	if locker, ok := s.state.(Locker); ok {
		unlock, acquired, err := locker.TryLock(ctx, leaseTTL)
		if err != nil {
			return fmt.Errorf("acquiring lease: %w", err)
		}
		if !acquired {
			return errLeaseHeld
		}
		defer unlock()
	}

	// The alarm may have moved while we waited for the lease.
	next, err := s.state.NextAlarm(ctx)
	if err != nil {
		return err
	}
	if next.IsZero() || next.After(s.now()) {
		return nil
	}
	return s.HandleAlarm(ctx)
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-s.wake:
		return true
	}
}
