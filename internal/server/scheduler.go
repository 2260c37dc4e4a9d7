package server

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/studypilot/studypilot/config"
	"github.com/studypilot/studypilot/internal/planner"
	"github.com/studypilot/studypilot/internal/queue"
	"github.com/studypilot/studypilot/internal/store"
)

// SchedulerStore captures the store surface the scheduler needs.
type SchedulerStore interface {
	ListScheduledOwners(ctx context.Context) ([]store.OwnerSettings, error)
	GetLatestPlan(ctx context.Context, ownerID string) (planner.StudyPlan, bool, error)
	GetLatestDocument(ctx context.Context, ownerID, kind string) (store.Document, bool, error)
	TryClaimJobSlot(ctx context.Context, ownerID, jobID string) (string, bool, error)
	ReleaseJobSlot(ctx context.Context, ownerID, jobID string) error
	CreateJob(ctx context.Context, job store.Job) error
}

// Scheduler submits plan generation jobs for owners with auto generation
// enabled, each on their own cron schedule. Instances coordinate through a
// short lived redis lock per owner so that multiple servers do not double
// submit within the same tick.
type Scheduler struct {
	Store     SchedulerStore
	Publisher JobPublisher
	Rdb       *redis.Client
	Cfg       config.SchedulerConfig
	Logger    *log.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

func (s *Scheduler) Close() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	tick := s.Cfg.Tick
	if tick <= 0 {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	owners, err := s.Store.ListScheduledOwners(ctx)
	if err != nil {
		s.Logger.Printf("list scheduled owners: %v", err)
		return
	}
	now := time.Now().UTC()
	for _, owner := range owners {
		due, err := s.ownerDue(ctx, owner, now)
		if err != nil {
			s.Logger.Printf("owner %s: %v", owner.OwnerID, err)
			continue
		}
		if !due {
			continue
		}
		s.submit(ctx, owner.OwnerID)
	}
}

// ownerDue reports whether the owner's cron schedule has fired since their
// latest plan was generated. An owner with no plan yet is always due.
func (s *Scheduler) ownerDue(ctx context.Context, owner store.OwnerSettings, now time.Time) (bool, error) {
	spec := owner.ScheduleCron
	if spec == "" {
		spec = s.Cfg.DefaultCron
	}
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return false, err
	}
	plan, ok, err := s.Store.GetLatestPlan(ctx, owner.OwnerID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	next := expr.Next(plan.GeneratedAt)
	if next.IsZero() {
		return false, nil
	}
	return !next.After(now), nil
}

func (s *Scheduler) submit(ctx context.Context, ownerID string) {
	lockKey := "sched:lock:" + ownerID
	ttl := s.Cfg.LockTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	locked, err := s.Rdb.SetNX(ctx, lockKey, "1", ttl).Result()
	if err != nil {
		s.Logger.Printf("lock %s: %v", ownerID, err)
		return
	}
	if !locked {
		return
	}

	for _, kind := range []string{store.DocumentKindTimetable, store.DocumentKindSyllabus} {
		if _, ok, err := s.Store.GetLatestDocument(ctx, ownerID, kind); err != nil || !ok {
			if err != nil {
				s.Logger.Printf("owner %s: latest %s: %v", ownerID, kind, err)
			}
			return
		}
	}

	jobID := uuid.NewString()
	_, claimed, err := s.Store.TryClaimJobSlot(ctx, ownerID, jobID)
	if err != nil {
		s.Logger.Printf("claim slot for %s: %v", ownerID, err)
		return
	}
	if !claimed {
		return
	}

	if err := s.Store.CreateJob(ctx, store.Job{
		ID:            jobID,
		OwnerID:       ownerID,
		ReferenceDate: time.Now().UTC().Truncate(24 * time.Hour),
	}); err != nil {
		s.Logger.Printf("create job for %s: %v", ownerID, err)
		_ = s.Store.ReleaseJobSlot(ctx, ownerID, jobID)
		return
	}

	if _, err := s.Publisher.PublishJob(ctx, queue.JobPayload{
		JobID:   jobID,
		OwnerID: ownerID,
		Trigger: queue.TriggerSchedule,
	}, 0); err != nil {
		// Job row exists; the stale sweep will pick it up.
		s.Logger.Printf("publish job %s: %v", jobID, err)
		return
	}
	s.Logger.Printf("scheduled job %s for owner %s", jobID, ownerID)
}
