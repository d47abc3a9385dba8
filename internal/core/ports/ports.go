package ports

import (
	"context"

	"forgeos.build/internal/core/domain"
)

// RuntimeHandle is the container runtime's opaque reference to one
// provisioned agent.
type RuntimeHandle string

// Recipe is the opaque unit of work an agent executes for one stage. The
// core never interprets its contents beyond wiring in the environment.
type Recipe struct {
	RequestID        string
	TargetID         string
	Kind             domain.ArtifactKind
	Action           domain.StageAction
	Repository       string
	Revision         string
	CleanupWorkspace bool

	// For fetch stages: the artifact chosen at resolution time.
	FetchURI string
}

// ExecResult is what the runtime observed after a recipe ran to
// completion.
type ExecResult struct {
	ExitCode    int
	ArtifactURI string
	Progress    float64
}

// ContainerRuntime is the external collaborator owning actual container
// lifecycle. Provision and Destroy are the only operations with side
// effects outside the orchestrator.
type ContainerRuntime interface {
	Provision(ctx context.Context, tpl domain.AgentTemplate) (RuntimeHandle, error)
	Exec(ctx context.Context, handle RuntimeHandle, recipe Recipe) (ExecResult, error)
	Destroy(ctx context.Context, handle RuntimeHandle) error
}

// ArtifactStore records produced artifacts and answers latest-for-target
// lookups. Put assigns the sequence number that breaks created_at ties in
// submission order.
type ArtifactStore interface {
	Put(ctx context.Context, artifact *domain.Artifact) error
	Latest(ctx context.Context, targetID string, kind domain.ArtifactKind) (*domain.Artifact, error)
	Get(ctx context.Context, uri string) (*domain.Artifact, error)
}

type RequestRepository interface {
	Create(ctx context.Context, req *domain.BuildRequest) error
	Get(ctx context.Context, id string) (*domain.BuildRequest, error)
	Update(ctx context.Context, req *domain.BuildRequest) error
	List(ctx context.Context, offset, limit int) ([]*domain.BuildRequest, error)
	Count(ctx context.Context) (int64, error)
}

type TargetRepository interface {
	Get(ctx context.Context, id string) (*domain.BuildTarget, error)
	List(ctx context.Context) ([]*domain.BuildTarget, error)
	Upsert(ctx context.Context, target *domain.BuildTarget) error
}

// RequestQueue feeds accepted build requests to the scheduler's
// executors. Dequeue blocks until a request or context cancellation.
type RequestQueue interface {
	Enqueue(ctx context.Context, req *domain.BuildRequest) error
	Dequeue(ctx context.Context) (*domain.BuildRequest, error)
}

// StatusPubSub fans status events out to reporters. Best effort on both
// sides.
type StatusPubSub interface {
	PublishStatus(ctx context.Context, event domain.StatusEvent) error
	SubscribeStatus(ctx context.Context) (<-chan domain.StatusEvent, error)
}

// DeadLetterRecorder keeps the terminal-failure record of build requests
// for later inspection.
type DeadLetterRecorder interface {
	Add(ctx context.Context, req *domain.BuildRequest, reason string) error
}

// SourceControl resolves a target's branch to a concrete revision before
// a source snapshot is generated. The result is treated as opaque.
type SourceControl interface {
	ResolveRevision(ctx context.Context, repository, branch string) (string, error)
}
