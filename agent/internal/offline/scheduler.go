// Package offline implements the agent's disconnected-operation mode
// (spec §4.8): jobs keep running on their own cron schedule against the
// last config/secrets snapshot the hub pushed, with results queued
// locally and uploaded once the hub connection comes back.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bastionhq.dev/bastion/agent/internal/agentstate"
	"bastionhq.dev/bastion/agent/internal/executor"
	"bastionhq.dev/bastion/shared/cronspec"
	"bastionhq.dev/bastion/shared/protocol"
	"bastionhq.dev/bastion/shared/types"
)

// Scheduler evaluates the agent's cached job list against a minute
// ticker and runs due jobs through the shared executor, independent of
// whether the hub connection is currently up. It is always running;
// online dispatch and offline dispatch are simply two sources of tasks
// feeding the same Executor.
type Scheduler struct {
	state  *agentstate.Store
	exec   *executor.Executor
	store  *RunStore
	logger *zap.Logger

	scheduleMu sync.Mutex
	schedules  map[string]*cronspec.Schedule
}

// New builds a Scheduler. runDir roots the on-disk offline run queue.
func New(state *agentstate.Store, exec *executor.Executor, runDir string, logger *zap.Logger) (*Scheduler, error) {
	store, err := NewRunStore(runDir)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		state:     state,
		exec:      exec,
		store:     store,
		logger:    logger.Named("offline"),
		schedules: make(map[string]*cronspec.Schedule),
	}, nil
}

// Run ticks once a minute, evaluating every cached job's schedule and
// dispatching the ones that are due. It never returns until ctx is
// canceled.
func (s *Scheduler) Run(ctx context.Context) {
	next := time.Now().UTC().Truncate(time.Minute).Add(time.Minute)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.evaluateMinute(ctx, next)
			next = next.Add(time.Minute)
			timer.Reset(time.Until(next))
		}
	}
}

func (s *Scheduler) evaluateMinute(ctx context.Context, minute time.Time) {
	snap, err := s.state.LoadConfigSnapshot()
	if err != nil {
		s.logger.Error("loading config snapshot", zap.Error(err))
		return
	}
	if snap == nil {
		return
	}

	inFlight, err := s.store.InFlightCountByJob()
	if err != nil {
		s.logger.Error("counting in-flight offline runs", zap.Error(err))
		inFlight = map[string]int{}
	}

	for _, job := range snap.Jobs {
		if job.CronExpr == "" {
			continue
		}
		sched, err := s.schedule(job)
		if err != nil {
			s.logger.Warn("invalid offline schedule", zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		if !sched.FiresAt(minute) {
			continue
		}
		if inFlight[job.JobID] > 0 && job.OverlapPolicy == types.OverlapPolicyReject {
			s.logger.Warn("offline run rejected by overlap policy", zap.String("job_id", job.JobID))
			continue
		}
		s.dispatch(ctx, job)
	}
}

func (s *Scheduler) schedule(job protocol.JobSummary) (*cronspec.Schedule, error) {
	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	if sched, ok := s.schedules[job.JobID]; ok {
		return sched, nil
	}
	tz := job.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", tz, err)
	}
	sched, err := cronspec.Parse(job.CronExpr, loc)
	if err != nil {
		return nil, err
	}
	s.schedules[job.JobID] = sched
	return sched, nil
}

// dispatch synthesizes a protocol.Task for job and runs it through the
// executor with a localSink, persisting progress and the terminal
// result to the offline run store. An age-encrypted job is failed
// immediately: the agent has no secret store of its own and the hub
// only ever inlines an age identity into a task it dispatches live
// (spec §4.7), never into a cached config/secrets snapshot.
func (s *Scheduler) dispatch(ctx context.Context, job protocol.JobSummary) {
	runID := uuid.New().String()
	startedAt := time.Now()

	if job.Spec.Pipeline.Encryption.Kind == types.EncryptionAgeX25519 {
		s.logger.Warn("refusing offline run for age-encrypted job",
			zap.String("job_id", job.JobID))
		s.rejectRun(job.JobID, runID, startedAt,
			"job uses age encryption; the agent has no cached identity for offline execution")
		return
	}

	spec := job.Spec
	if spec.Target.Kind == types.TargetWebDAV && spec.Target.WebDAV != nil && spec.Target.WebDAV.CredentialSecretName != "" {
		cred, err := s.webdavCredential(spec.Target.WebDAV.CredentialSecretName)
		if err != nil {
			s.rejectRun(job.JobID, runID, startedAt, err.Error())
			return
		}
		webdav := *spec.Target.WebDAV
		webdav.ResolvedUsername = cred.Username
		webdav.ResolvedPassword = cred.Password
		spec.Target.WebDAV = &webdav
	}

	targetSnapshot, err := json.Marshal(spec.Target)
	if err != nil {
		targetSnapshot = []byte("{}")
	}
	if err := s.store.StartRun(runID, job.JobID, "offline", startedAt, targetSnapshot); err != nil {
		s.logger.Error("starting offline run record", zap.String("run_id", runID), zap.Error(err))
		return
	}

	task := protocol.Task{
		TaskID:    uuid.New().String(),
		RunID:     runID,
		JobID:     job.JobID,
		StartedAt: startedAt,
		Spec:      spec,
	}

	// Offline tasks bypass the executor's queue (and its task-id result
	// cache, which exists for hub-dispatch replay, not local scheduling)
	// and run synchronously on the cron tick: only one offline job fires
	// per minute boundary in practice, and letting the tick block briefly
	// is preferable to a second execution path inside Executor.
	sink := &localSink{store: s.store}
	if result := s.exec.RunSynchronously(ctx, task, sink); result.Status == protocol.TaskResultFailed {
		s.logger.Warn("offline run failed", zap.String("job_id", job.JobID), zap.String("run_id", runID), zap.String("error", result.Error))
	}
}

type webdavCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Scheduler) webdavCredential(secretName string) (webdavCredential, error) {
	snap, err := s.state.LoadSecretsSnapshot()
	if err != nil {
		return webdavCredential{}, fmt.Errorf("loading secrets snapshot: %w", err)
	}
	if snap == nil {
		return webdavCredential{}, fmt.Errorf("no cached secrets snapshot for webdav credential %q", secretName)
	}
	for _, c := range snap.WebDAV {
		if c.SecretName == secretName {
			return webdavCredential{Username: c.Username, Password: c.Password}, nil
		}
	}
	return webdavCredential{}, fmt.Errorf("webdav credential %q not present in cached secrets snapshot", secretName)
}

func (s *Scheduler) rejectRun(jobID, runID string, startedAt time.Time, reason string) {
	if err := s.store.StartRun(runID, jobID, "offline", startedAt, nil); err != nil {
		s.logger.Error("recording rejected offline run", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if err := s.store.FinishRun(runID, "rejected", time.Now(), nil, reason); err != nil {
		s.logger.Error("finishing rejected offline run", zap.String("run_id", runID), zap.Error(err))
	}
}
