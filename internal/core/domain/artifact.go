package domain

import "time"

type ArtifactKind string

const (
	KindSourceSnapshot ArtifactKind = "source_snapshot"
	KindSDKBundle      ArtifactKind = "sdk_bundle"
	KindPackageCache   ArtifactKind = "package_cache"
	KindBuildOutput    ArtifactKind = "build_output"

	// KindAgentImage sits outside the build chain; it is consumed only by
	// the agent pool when provisioning new instances.
	KindAgentImage ArtifactKind = "agent_image"
)

// KindChain is the dependency order of the build chain. Each kind may
// depend on the kind immediately before it; whether it actually does is
// declared per target.
var KindChain = []ArtifactKind{
	KindSourceSnapshot,
	KindSDKBundle,
	KindPackageCache,
	KindBuildOutput,
}

// KnownKind reports whether k names an artifact kind a target may
// declare.
func KnownKind(k ArtifactKind) bool {
	for _, c := range KindChain {
		if c == k {
			return true
		}
	}
	return k == KindAgentImage
}

// Prerequisite returns the chain kind immediately before k, or "" for
// chain heads and off-chain kinds.
func (k ArtifactKind) Prerequisite() ArtifactKind {
	for i, c := range KindChain {
		if c == k && i > 0 {
			return KindChain[i-1]
		}
	}
	return ""
}

// RequiresPrivilege reports whether generating this kind needs a
// privileged agent. Only source tree synchronization and the final image
// assembly touch root-equivalent tooling.
func (k ArtifactKind) RequiresPrivilege() bool {
	return k == KindSourceSnapshot || k == KindBuildOutput || k == KindAgentImage
}

// Artifact is an immutable record of one produced build output. Newer
// artifacts of the same (target, kind) shadow older ones for Latest
// lookups; nothing here ever deletes old rows.
type Artifact struct {
	Seq       int64        `json:"seq" gorm:"primaryKey;autoIncrement"`
	Kind      ArtifactKind `json:"kind" gorm:"index:idx_artifact_lookup"`
	TargetID  string       `json:"target_id" gorm:"index:idx_artifact_lookup"`
	RequestID string       `json:"request_id"`
	URI       string       `json:"uri" gorm:"uniqueIndex"`
	CreatedAt time.Time    `json:"created_at"`
}

func (Artifact) TableName() string {
	return "artifacts"
}
