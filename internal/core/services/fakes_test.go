package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"forgeos.build/internal/core/domain"
	"forgeos.build/internal/core/ports"
)

// In-memory doubles for the ports, shared by the service tests.

type fakeTargets struct {
	mu      sync.Mutex
	targets map[string]*domain.BuildTarget
}

func newFakeTargets(targets ...*domain.BuildTarget) *fakeTargets {
	f := &fakeTargets{targets: make(map[string]*domain.BuildTarget)}
	for _, t := range targets {
		f.targets[t.ID] = t
	}
	return f
}

func (f *fakeTargets) Get(_ context.Context, id string) (*domain.BuildTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.targets[id]
	if !ok {
		return nil, domain.ErrUnknownTarget
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTargets) List(_ context.Context) ([]*domain.BuildTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.BuildTarget, 0, len(f.targets))
	for _, t := range f.targets {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeTargets) Upsert(_ context.Context, target *domain.BuildTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *target
	f.targets[target.ID] = &cp
	return nil
}

type fakeStore struct {
	mu        sync.Mutex
	seq       int64
	artifacts []*domain.Artifact
	putErr    error
}

func (f *fakeStore) Put(_ context.Context, artifact *domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.seq++
	artifact.Seq = f.seq
	cp := *artifact
	f.artifacts = append(f.artifacts, &cp)
	return nil
}

func (f *fakeStore) Latest(_ context.Context, targetID string, kind domain.ArtifactKind) (*domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *domain.Artifact
	for _, a := range f.artifacts {
		if a.TargetID != targetID || a.Kind != kind {
			continue
		}
		if best == nil || a.CreatedAt.After(best.CreatedAt) ||
			(a.CreatedAt.Equal(best.CreatedAt) && a.Seq > best.Seq) {
			best = a
		}
	}
	if best == nil {
		return nil, domain.ErrArtifactNotFound
	}
	cp := *best
	return &cp, nil
}

func (f *fakeStore) Get(_ context.Context, uri string) (*domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.artifacts {
		if a.URI == uri {
			cp := *a
			return &cp, nil
		}
	}
	return nil, domain.ErrArtifactNotFound
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.artifacts)
}

// fakeRuntime provisions instantly and executes recipes through an
// optional hook. Failures are scripted per artifact kind or per
// provision call.
type fakeRuntime struct {
	mu            sync.Mutex
	provisioned   int
	destroyed     []string
	provisionFail int // fail this many provisions, then succeed
	failKinds     map[domain.ArtifactKind]bool
	execDelay     time.Duration
	execHook      func(recipe ports.Recipe)
}

func (f *fakeRuntime) Provision(_ context.Context, _ domain.AgentTemplate) (ports.RuntimeHandle, error) {
	f.mu.Lock()
	if f.provisionFail > 0 {
		f.provisionFail--
		f.mu.Unlock()
		return "", fmt.Errorf("daemon unavailable")
	}
	f.provisioned++
	handle := ports.RuntimeHandle(fmt.Sprintf("ctr-%d", f.provisioned))
	f.mu.Unlock()
	return handle, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, _ ports.RuntimeHandle, recipe ports.Recipe) (ports.ExecResult, error) {
	f.mu.Lock()
	hook := f.execHook
	delay := f.execDelay
	fail := f.failKinds[recipe.Kind]
	f.mu.Unlock()

	if hook != nil {
		hook(recipe)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ports.ExecResult{}, ctx.Err()
		}
	}
	if fail {
		return ports.ExecResult{ExitCode: 2}, nil
	}
	return ports.ExecResult{ExitCode: 0, Progress: 1}, nil
}

func (f *fakeRuntime) Destroy(_ context.Context, handle ports.RuntimeHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, string(handle))
	return nil
}

func (f *fakeRuntime) provisionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisioned
}

func (f *fakeRuntime) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.destroyed)
}

type fakeQueue struct {
	ch chan *domain.BuildRequest
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{ch: make(chan *domain.BuildRequest, 64)}
}

func (f *fakeQueue) Enqueue(_ context.Context, req *domain.BuildRequest) error {
	f.ch <- req
	return nil
}

func (f *fakeQueue) Dequeue(ctx context.Context) (*domain.BuildRequest, error) {
	select {
	case req := <-f.ch:
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeRequests struct {
	mu sync.Mutex
	m  map[string]*domain.BuildRequest
}

func newFakeRequests() *fakeRequests {
	return &fakeRequests{m: make(map[string]*domain.BuildRequest)}
}

func (f *fakeRequests) Create(_ context.Context, req *domain.BuildRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *req
	f.m[req.ID] = &cp
	return nil
}

func (f *fakeRequests) Get(_ context.Context, id string) (*domain.BuildRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.m[id]
	if !ok {
		return nil, domain.ErrRequestNotFound
	}
	cp := *req
	return &cp, nil
}

func (f *fakeRequests) Update(_ context.Context, req *domain.BuildRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *req
	// Cancel and executor updates race in tests exactly like they do
	// against a real database; keep the cancel flag sticky.
	if prev, ok := f.m[req.ID]; ok && prev.Cancelled {
		cp.Cancelled = true
	}
	f.m[req.ID] = &cp
	return nil
}

func (f *fakeRequests) List(_ context.Context, offset, limit int) ([]*domain.BuildRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.BuildRequest, 0, len(f.m))
	for _, req := range f.m {
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRequests) Count(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.m)), nil
}

type fakePubSub struct {
	mu     sync.Mutex
	events []domain.StatusEvent
}

func (f *fakePubSub) PublishStatus(_ context.Context, event domain.StatusEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakePubSub) SubscribeStatus(_ context.Context) (<-chan domain.StatusEvent, error) {
	ch := make(chan domain.StatusEvent)
	close(ch)
	return ch, nil
}

func (f *fakePubSub) byType(t domain.EventType) []domain.StatusEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.StatusEvent
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeDeadLetter struct {
	mu      sync.Mutex
	entries []string
}

func (f *fakeDeadLetter) Add(_ context.Context, req *domain.BuildRequest, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, req.ID+": "+reason)
	return nil
}

func (f *fakeDeadLetter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeSource struct {
	revision string
	err      error
}

func (f *fakeSource) ResolveRevision(_ context.Context, _, branch string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.revision != "" {
		return f.revision, nil
	}
	return branch, nil
}
