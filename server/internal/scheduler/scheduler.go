// Package scheduler runs the five cooperative loops that drive a job from
// its cron schedule through execution to retention and cleanup (spec
// §4.4): the cron loop, the worker loop, the retention loop, the
// incomplete-cleanup loop, and the artifact-delete loop.
//
// The four periodic loops (retention, incomplete-cleanup, and the two
// task-delete ticks) run as gocron duration jobs. The cron loop and the
// worker loop are driven by notification channels instead (jobs_changed
// and run_queued) with a short fallback poll, since their wake conditions
// are event-shaped rather than fixed-interval; gocron's job model does
// not fit that, so they run as plain goroutines directly managed by
// Start/Stop.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"bastionhq.dev/bastion/server/internal/agentmanager"
	"bastionhq.dev/bastion/server/internal/notification"
	"bastionhq.dev/bastion/server/internal/repositories"
	"bastionhq.dev/bastion/server/internal/runbus"
)

// HubNodeID is the node identity used for secrets and staging paths
// belonging to hub-owned jobs (jobs with no agent assigned).
const HubNodeID = "hub"

const (
	retentionInterval   = 10 * time.Minute
	cleanupScanInterval = 15 * time.Minute
	deleteTickInterval  = 30 * time.Second
	workerPollInterval  = 2 * time.Second

	// cleanupHorizon is how long a terminal non-success run must have
	// been ended before the incomplete-cleanup loop considers it a
	// candidate, giving a dispatch-in-flight run time to finish or be
	// reconciled by something else first.
	cleanupHorizon = 10 * time.Minute
)

// Scheduler owns the five loops and the state they share: cached cron
// schedules and the two wakeup channels.
type Scheduler struct {
	cron gocron.Scheduler

	jobs          repositories.JobRepository
	runs          repositories.RunRepository
	cleanupTasks  repositories.CleanupTaskRepository
	deleteTasks   repositories.ArtifactDeleteTaskRepository
	secrets       repositories.SecretRepository
	notifications notification.Service
	agentMgr      *agentmanager.Manager
	bus           *runbus.Registry

	stagingRoot string

	logger *zap.Logger

	jobsChanged chan struct{}
	runQueued   chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup

	scheduleMu    sync.Mutex
	scheduleCache map[uuid.UUID]cachedSchedule
}

// Config holds the dependencies required to build a Scheduler.
type Config struct {
	Jobs          repositories.JobRepository
	Runs          repositories.RunRepository
	CleanupTasks  repositories.CleanupTaskRepository
	DeleteTasks   repositories.ArtifactDeleteTaskRepository
	Secrets       repositories.SecretRepository
	Notifications notification.Service
	AgentManager  *agentmanager.Manager
	Bus           *runbus.Registry

	// StagingRoot is the directory under which hub-local runs build their
	// archive before it is handed to a target driver.
	StagingRoot string

	Logger *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin
// processing.
func New(cfg Config) (*Scheduler, error) {
	cronSched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: creating gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:          cronSched,
		jobs:          cfg.Jobs,
		runs:          cfg.Runs,
		cleanupTasks:  cfg.CleanupTasks,
		deleteTasks:   cfg.DeleteTasks,
		secrets:       cfg.Secrets,
		notifications: cfg.Notifications,
		agentMgr:      cfg.AgentManager,
		bus:           cfg.Bus,
		stagingRoot:   cfg.StagingRoot,
		logger:        cfg.Logger.Named("scheduler"),
		jobsChanged:   make(chan struct{}, 1),
		runQueued:     make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		scheduleCache: make(map[uuid.UUID]cachedSchedule),
	}, nil
}

// Start registers the periodic loops with gocron, starts it, and launches
// the cron and worker goroutines. Should be called once at hub startup.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.NewJob(
		gocron.DurationJob(retentionInterval),
		gocron.NewTask(func() { s.runRetentionTick(ctx) }),
	); err != nil {
		return fmt.Errorf("scheduler: scheduling retention loop: %w", err)
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(cleanupScanInterval),
		gocron.NewTask(func() { s.runCleanupScanTick(ctx) }),
	); err != nil {
		return fmt.Errorf("scheduler: scheduling incomplete-cleanup loop: %w", err)
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(deleteTickInterval),
		gocron.NewTask(func() {
			s.runDeleteTick(ctx, s.cleanupTasks, "cleanup")
			s.runDeleteTick(ctx, s.deleteTasks, "artifact_delete")
		}),
	); err != nil {
		return fmt.Errorf("scheduler: scheduling artifact-delete loop: %w", err)
	}

	s.cron.Start()

	s.wg.Add(2)
	go s.runCronLoop(ctx)
	go s.runWorkerLoop(ctx)

	s.logger.Info("scheduler started")
	return nil
}

// Stop shuts down gocron and waits for the cron/worker goroutines to
// return. In-flight hub-local run executions are not waited on; they
// persist their outcome to the database independently.
func (s *Scheduler) Stop() error {
	close(s.stopCh)
	s.wg.Wait()
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// NotifyJobsChanged wakes the cron loop so it notices a newly added or
// edited schedule without waiting for the next minute boundary it was
// already sleeping toward. Non-blocking.
func (s *Scheduler) NotifyJobsChanged() {
	select {
	case s.jobsChanged <- struct{}{}:
	default:
	}
}

// notifyRunQueued wakes the worker loop immediately instead of waiting
// for its poll interval. Non-blocking.
func (s *Scheduler) notifyRunQueued() {
	select {
	case s.runQueued <- struct{}{}:
	default:
	}
}

// TriggerNow enqueues an immediate run for job, bypassing its schedule.
func (s *Scheduler) TriggerNow(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("scheduler: loading job %s: %w", jobID, err)
	}
	if err := s.enqueue(ctx, job, "manual"); err != nil {
		return err
	}
	s.logger.Info("manual run triggered", zap.String("job_id", jobID.String()))
	return nil
}

func nodeIDFor(agentID *uuid.UUID) string {
	if agentID != nil {
		return agentID.String()
	}
	return HubNodeID
}
