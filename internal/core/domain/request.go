package domain

import "time"

type PolicyAction string

const (
	ActionProduce PolicyAction = "produce"
	ActionReuse   PolicyAction = "reuse"
	ActionSkip    PolicyAction = "skip"
)

// PolicyDecision is the resolved choice for one artifact kind.
// SourceTargetID is set only for reuse.
type PolicyDecision struct {
	Action         PolicyAction `json:"action"`
	SourceTargetID string       `json:"source_target_id,omitempty"`
}

// StagePolicy maps every kind in a target's chain to exactly one decision.
// It is the canonical form of the boolean-flag parameter surface; the
// validator is the only producer.
type StagePolicy map[ArtifactKind]PolicyDecision

// BuildTarget defines what gets built, not how. Immutable once a build
// request has been created from it.
type BuildTarget struct {
	ID         string         `json:"id" gorm:"primaryKey"`
	Name       string         `json:"name"`
	Repository string         `json:"repository"`
	Branch     string         `json:"branch"`
	Flavor     string         `json:"flavor"`
	Kinds      []ArtifactKind `json:"kinds" gorm:"serializer:json"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (BuildTarget) TableName() string {
	return "build_targets"
}

// Chain returns the kinds this target builds, in dependency order.
// Targets without an explicit declaration get the full build chain; a
// declaration selects kinds but never reorders them, so the chain order
// is declaration-independent.
func (t *BuildTarget) Chain() []ArtifactKind {
	if len(t.Kinds) == 0 {
		return KindChain
	}
	declared := make(map[ArtifactKind]bool, len(t.Kinds))
	for _, k := range t.Kinds {
		declared[k] = true
	}
	var chain []ArtifactKind
	for _, k := range KindChain {
		if declared[k] {
			chain = append(chain, k)
		}
	}
	if declared[KindAgentImage] {
		chain = append(chain, KindAgentImage)
	}
	return chain
}

type TriggerOrigin string

const (
	OriginPeriodic TriggerOrigin = "periodic"
	OriginForced   TriggerOrigin = "forced"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestRunning   RequestStatus = "running"
	RequestSuccess   RequestStatus = "success"
	RequestFailed    RequestStatus = "failed"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the status is final. Failed requests are never
// resurrected; retry means submitting a fresh request.
func (s RequestStatus) Terminal() bool {
	return s == RequestSuccess || s == RequestFailed || s == RequestCancelled
}

// BuildRequest is one trigger's demand for a build. Consumed exactly once
// by the scheduler.
type BuildRequest struct {
	ID               string            `json:"id" gorm:"primaryKey"`
	TargetID         string            `json:"target_id" gorm:"index"`
	Origin           TriggerOrigin     `json:"origin"`
	Status           RequestStatus     `json:"status" gorm:"index"`
	Params           map[string]string `json:"params" gorm:"serializer:json"`
	Policy           StagePolicy       `json:"policy" gorm:"serializer:json"`
	CleanupWorkspace bool              `json:"cleanup_workspace"`
	Cancelled        bool              `json:"cancelled"`
	FailedStage      ArtifactKind      `json:"failed_stage,omitempty"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	SubmittedAt      time.Time         `json:"submitted_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (BuildRequest) TableName() string {
	return "build_requests"
}

type StageAction string

const (
	StageFetch    StageAction = "fetch"
	StageGenerate StageAction = "generate"
)

// Stage is one unit of work in a plan, tied to exactly one artifact kind.
type Stage struct {
	Kind       ArtifactKind `json:"kind"`
	Action     StageAction  `json:"action"`
	Flavor     string       `json:"flavor"`
	Privileged bool         `json:"privileged"`

	// For fetch stages: where the artifact comes from and the concrete
	// artifact that was latest at resolution time.
	SourceTargetID string    `json:"source_target_id,omitempty"`
	Artifact       *Artifact `json:"artifact,omitempty"`
}

func (s Stage) TemplateKey() TemplateKey {
	return TemplateKey{Flavor: s.Flavor, Privileged: s.Privileged}
}

// StagePlan is the ordered execution sequence derived from one policy.
// It lives only for the duration of one request's execution.
type StagePlan struct {
	TargetID string  `json:"target_id"`
	Stages   []Stage `json:"stages"`
}

// GeneratesSourceSnapshot reports whether executing this plan
// resynchronizes the source tree from scratch, which requires holding the
// exclusive source tree resource.
func (p *StagePlan) GeneratesSourceSnapshot() bool {
	for _, s := range p.Stages {
		if s.Kind == KindSourceSnapshot && s.Action == StageGenerate {
			return true
		}
	}
	return false
}
