package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"forgeos.build/internal/core/domain"
	"forgeos.build/internal/core/logger"
	"forgeos.build/internal/core/ports"
	"forgeos.build/internal/core/tracing"
)

// Scheduler turns accepted build requests into executed stage plans.
// Each in-flight request runs on its own executor; stages within one plan
// run strictly sequentially, plans of independent targets run in parallel
// bounded only by pool capacity. Nothing is retried internally: a failed
// request is terminal and retry means a fresh Submit.
type Scheduler struct {
	validator  *Validator
	resolver   *Resolver
	pool       *Pool
	runtime    ports.ContainerRuntime
	store      ports.ArtifactStore
	queue      ports.RequestQueue
	requests   ports.RequestRepository
	targets    ports.TargetRepository
	pubsub     ports.StatusPubSub
	deadletter ports.DeadLetterRecorder
	source     ports.SourceControl
	log        *slog.Logger

	executors int
	wg        sync.WaitGroup

	// Named exclusive resources. A plan that resynchronizes a source tree
	// from scratch holds the tree's resource for its whole execution;
	// competing plans serialize in arrival order.
	lockMu sync.Mutex
	locks  map[string]chan struct{}
}

type SchedulerDeps struct {
	Validator  *Validator
	Resolver   *Resolver
	Pool       *Pool
	Runtime    ports.ContainerRuntime
	Store      ports.ArtifactStore
	Queue      ports.RequestQueue
	Requests   ports.RequestRepository
	Targets    ports.TargetRepository
	PubSub     ports.StatusPubSub
	DeadLetter ports.DeadLetterRecorder
	Source     ports.SourceControl
}

func NewScheduler(deps SchedulerDeps, executors int) *Scheduler {
	if executors < 1 {
		executors = 1
	}
	return &Scheduler{
		validator:  deps.Validator,
		resolver:   deps.Resolver,
		pool:       deps.Pool,
		runtime:    deps.Runtime,
		store:      deps.Store,
		queue:      deps.Queue,
		requests:   deps.Requests,
		targets:    deps.Targets,
		pubsub:     deps.PubSub,
		deadletter: deps.DeadLetter,
		source:     deps.Source,
		log:        logger.Component("scheduler"),
		executors:  executors,
		locks:      make(map[string]chan struct{}),
	}
}

// Submit validates the raw parameters and accepts the request. Acceptance
// is idempotent: resubmitting an already-known request ID returns the
// existing request untouched. Dispatch happens asynchronously.
func (s *Scheduler) Submit(ctx context.Context, requestID, targetID string, origin domain.TriggerOrigin, params map[string]string) (*domain.BuildRequest, error) {
	if requestID != "" {
		if existing, err := s.requests.Get(ctx, requestID); err == nil {
			return existing, nil
		}
	} else {
		requestID = "req-" + uuid.New().String()
	}

	target, err := s.targets.Get(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTarget, targetID)
	}

	policy, cleanup, err := s.validator.Validate(ctx, params, target)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	req := &domain.BuildRequest{
		ID:               requestID,
		TargetID:         target.ID,
		Origin:           origin,
		Status:           domain.RequestPending,
		Params:           params,
		Policy:           policy,
		CleanupWorkspace: cleanup,
		SubmittedAt:      now,
		UpdatedAt:        now,
	}

	if err := s.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("persist request: %w", err)
	}
	if err := s.queue.Enqueue(ctx, req); err != nil {
		return nil, fmt.Errorf("enqueue request: %w", err)
	}

	s.publish(ctx, domain.StatusEvent{
		Type:      domain.EventRequestAccepted,
		RequestID: req.ID,
		TargetID:  req.TargetID,
		Status:    domain.RequestPending,
		At:        now,
	})

	s.log.Info("request accepted", "request", req.ID, "target", req.TargetID, "origin", string(origin))
	return req, nil
}

// Cancel flags the request; execution halts at the next stage boundary.
// A stage already dispatched runs to completion so the agent is never
// left in an undefined state.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	req, err := s.requests.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return fmt.Errorf("cannot cancel request with status %s", req.Status)
	}
	req.Cancelled = true
	req.UpdatedAt = time.Now()
	return s.requests.Update(ctx, req)
}

// Status returns the request as last persisted.
func (s *Scheduler) Status(ctx context.Context, id string) (*domain.BuildRequest, error) {
	return s.requests.Get(ctx, id)
}

// Run starts the executor goroutines. It returns immediately; Wait
// blocks until they drain after ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	for i := 0; i < s.executors; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				req, err := s.queue.Dequeue(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					s.log.Error("dequeue failed", "error", err)
					continue
				}
				s.execute(ctx, req)
			}
		}()
	}
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) execute(ctx context.Context, queued *domain.BuildRequest) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.execute")
	defer span.End()

	// The repository copy is authoritative; it carries the cancel flag.
	req, err := s.requests.Get(ctx, queued.ID)
	if err != nil {
		req = queued
	}
	if req.Status.Terminal() {
		return
	}
	if req.Cancelled {
		s.terminal(ctx, req, domain.RequestCancelled, "", "cancelled before dispatch")
		return
	}

	target, err := s.targets.Get(ctx, req.TargetID)
	if err != nil {
		s.terminal(ctx, req, domain.RequestFailed, "", fmt.Sprintf("target %s vanished: %v", req.TargetID, err))
		return
	}

	req.Status = domain.RequestRunning
	req.UpdatedAt = time.Now()
	if err := s.requests.Update(ctx, req); err != nil {
		s.log.Error("mark running failed", "request", req.ID, "error", err)
	}

	// Resolution failures have zero side effects: no agent was acquired,
	// no artifact written.
	plan, err := s.resolver.Resolve(ctx, target, req.Policy)
	if err != nil {
		s.fail(ctx, req, "", err)
		return
	}

	if plan.GeneratesSourceSnapshot() {
		unlock, err := s.lockResource(ctx, "source-tree/"+target.Repository)
		if err != nil {
			s.fail(ctx, req, "", fmt.Errorf("waiting for source tree resource: %w", err))
			return
		}
		defer unlock()
	}

	revision := target.Branch
	if s.source != nil && plan.GeneratesSourceSnapshot() {
		revision, err = s.source.ResolveRevision(ctx, target.Repository, target.Branch)
		if err != nil {
			s.fail(ctx, req, domain.KindSourceSnapshot, fmt.Errorf("resolve revision: %w", err))
			return
		}
	}

	for _, stage := range plan.Stages {
		// Cooperative cancellation checkpoint between stages.
		if fresh, err := s.requests.Get(ctx, req.ID); err == nil && fresh.Cancelled {
			req = fresh
			s.terminal(ctx, req, domain.RequestCancelled, "", "cancelled between stages")
			return
		}

		if err := s.runStage(ctx, req, target, stage, revision); err != nil {
			s.fail(ctx, req, stage.Kind, err)
			return
		}
	}

	s.terminal(ctx, req, domain.RequestSuccess, "", "")
}

func (s *Scheduler) runStage(ctx context.Context, req *domain.BuildRequest, target *domain.BuildTarget, stage domain.Stage, revision string) error {
	s.publish(ctx, domain.StatusEvent{
		Type:      domain.EventStageStarted,
		RequestID: req.ID,
		TargetID:  req.TargetID,
		Stage:     stage.Kind,
		At:        time.Now(),
	})

	lease, err := s.pool.Acquire(ctx, stage.TemplateKey())
	if err != nil {
		return err
	}
	// The agent is always released before the error propagates.
	defer s.pool.Release(ctx, lease)

	recipe := ports.Recipe{
		RequestID:        req.ID,
		TargetID:         target.ID,
		Kind:             stage.Kind,
		Action:           stage.Action,
		Repository:       target.Repository,
		Revision:         revision,
		CleanupWorkspace: req.CleanupWorkspace,
	}
	if stage.Artifact != nil {
		recipe.FetchURI = stage.Artifact.URI
	}

	started := time.Now()
	result, err := s.runtime.Exec(ctx, ports.RuntimeHandle(lease.Instance.RuntimeHandle), recipe)
	if err != nil {
		return &domain.StageExecutionError{Kind: stage.Kind, Err: err}
	}
	if result.ExitCode != 0 {
		return &domain.StageExecutionError{Kind: stage.Kind, Err: fmt.Errorf("recipe exited with code %d", result.ExitCode)}
	}

	if stage.Action == domain.StageGenerate {
		uri := result.ArtifactURI
		if uri == "" {
			uri = fmt.Sprintf("artifact://%s/%s/%s", target.ID, stage.Kind, req.ID)
		}
		artifact := &domain.Artifact{
			Kind:      stage.Kind,
			TargetID:  target.ID,
			RequestID: req.ID,
			URI:       uri,
			CreatedAt: time.Now(),
		}
		if err := s.store.Put(ctx, artifact); err != nil {
			return &domain.StageExecutionError{Kind: stage.Kind, Err: fmt.Errorf("record artifact: %w", err)}
		}
	}

	s.publish(ctx, domain.StatusEvent{
		Type:      domain.EventStageFinished,
		RequestID: req.ID,
		TargetID:  req.TargetID,
		Stage:     stage.Kind,
		At:        time.Now(),
	})
	s.log.Info("stage finished", "request", req.ID, "stage", string(stage.Kind),
		"action", string(stage.Action), "duration", time.Since(started))
	return nil
}

func (s *Scheduler) fail(ctx context.Context, req *domain.BuildRequest, stage domain.ArtifactKind, err error) {
	var stageErr *domain.StageExecutionError
	if errors.As(err, &stageErr) {
		stage = stageErr.Kind
	}
	s.terminal(ctx, req, domain.RequestFailed, stage, err.Error())
	if s.deadletter != nil {
		if dlErr := s.deadletter.Add(ctx, req, err.Error()); dlErr != nil {
			s.log.Error("dead letter record failed", "request", req.ID, "error", dlErr)
		}
	}
}

func (s *Scheduler) terminal(ctx context.Context, req *domain.BuildRequest, status domain.RequestStatus, stage domain.ArtifactKind, reason string) {
	req.Status = status
	req.FailedStage = stage
	req.FailureReason = reason
	req.UpdatedAt = time.Now()
	if err := s.requests.Update(ctx, req); err != nil {
		s.log.Error("persist terminal state failed", "request", req.ID, "error", err)
	}

	s.publish(ctx, domain.StatusEvent{
		Type:      domain.EventRequestTerminal,
		RequestID: req.ID,
		TargetID:  req.TargetID,
		Stage:     stage,
		Status:    status,
		Reason:    reason,
		At:        time.Now(),
	})

	if status == domain.RequestFailed {
		s.log.Warn("request failed", "request", req.ID, "stage", string(stage), "reason", reason)
	} else {
		s.log.Info("request finished", "request", req.ID, "status", string(status))
	}
}

// publish is fire and forget; reporter trouble never affects
// orchestration.
func (s *Scheduler) publish(ctx context.Context, event domain.StatusEvent) {
	if s.pubsub == nil {
		return
	}
	if err := s.pubsub.PublishStatus(ctx, event); err != nil {
		s.log.Debug("status publish failed", "request", event.RequestID, "error", err)
	}
}

func (s *Scheduler) lockResource(ctx context.Context, name string) (func(), error) {
	s.lockMu.Lock()
	ch, ok := s.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[name] = ch
	}
	s.lockMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
