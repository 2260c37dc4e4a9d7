package server

import (
	"context"
	"testing"
	"time"

	"github.com/studypilot/studypilot/config"
	"github.com/studypilot/studypilot/internal/planner"
	"github.com/studypilot/studypilot/internal/store"
)

type schedStore struct {
	*stubServerStore
	owners []store.OwnerSettings
}

func (s *schedStore) ListScheduledOwners(_ context.Context) ([]store.OwnerSettings, error) {
	return s.owners, nil
}

func TestOwnerDue(t *testing.T) {
	st := &schedStore{stubServerStore: newStubServerStore()}
	sched := &Scheduler{
		Store: st,
		Cfg:   config.SchedulerConfig{DefaultCron: "0 6 * * *"},
	}
	owner := store.OwnerSettings{OwnerID: "owner-1", ScheduleCron: "0 6 * * *", AutoGenerate: true}
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

	due, err := sched.ownerDue(context.Background(), owner, now)
	if err != nil {
		t.Fatalf("ownerDue: %v", err)
	}
	if !due {
		t.Fatalf("owner without a plan must be due")
	}

	// Plan generated before today's 06:00 fire.
	st.plans[1] = planner.StudyPlan{
		ID: "p1", OwnerID: "owner-1", Version: 1,
		GeneratedAt: time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC),
	}
	due, err = sched.ownerDue(context.Background(), owner, now)
	if err != nil {
		t.Fatalf("ownerDue: %v", err)
	}
	if !due {
		t.Fatalf("owner with a stale plan must be due")
	}

	// Plan generated after today's fire.
	st.plans[2] = planner.StudyPlan{
		ID: "p2", OwnerID: "owner-1", Version: 2,
		GeneratedAt: time.Date(2024, 5, 2, 7, 0, 0, 0, time.UTC),
	}
	due, err = sched.ownerDue(context.Background(), owner, now)
	if err != nil {
		t.Fatalf("ownerDue: %v", err)
	}
	if due {
		t.Fatalf("fresh plan must not be due until the next fire")
	}
}

func TestOwnerDueFallsBackToDefaultCron(t *testing.T) {
	st := &schedStore{stubServerStore: newStubServerStore()}
	sched := &Scheduler{
		Store: st,
		Cfg:   config.SchedulerConfig{DefaultCron: "0 6 * * *"},
	}
	owner := store.OwnerSettings{OwnerID: "owner-1", AutoGenerate: true}
	st.plans[1] = planner.StudyPlan{
		ID: "p1", OwnerID: "owner-1", Version: 1,
		GeneratedAt: time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC),
	}
	due, err := sched.ownerDue(context.Background(), owner, time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ownerDue: %v", err)
	}
	if !due {
		t.Fatalf("default cron fire must mark the owner due")
	}
}
