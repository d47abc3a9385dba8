package services

import (
	"context"
	"errors"
	"fmt"

	"forgeos.build/internal/core/domain"
	"forgeos.build/internal/core/ports"
)

// Resolver expands a (target, policy) pair into the ordered stage plan.
// It has no side effects: a failed resolution leaves the pool and the
// store untouched, and identical inputs always yield the same plan shape.
// Fetch stages bind to whatever artifact is latest at resolution time, so
// plans are never cached across calls.
type Resolver struct {
	store ports.ArtifactStore
}

func NewResolver(store ports.ArtifactStore) *Resolver {
	return &Resolver{store: store}
}

func (r *Resolver) Resolve(ctx context.Context, target *domain.BuildTarget, policy domain.StagePolicy) (*domain.StagePlan, error) {
	plan := &domain.StagePlan{TargetID: target.ID}

	for _, kind := range target.Chain() {
		decision, mentioned := policy[kind]
		if !mentioned {
			continue
		}

		switch decision.Action {
		case domain.ActionSkip:
			continue

		case domain.ActionProduce:
			if prereq := kind.Prerequisite(); prereq != "" {
				if _, ok := policy[prereq]; !ok {
					return nil, fmt.Errorf("%w: producing %s requires a policy for %s",
						domain.ErrMissingRequiredKind, kind, prereq)
				}
			}
			plan.Stages = append(plan.Stages, domain.Stage{
				Kind:       kind,
				Action:     domain.StageGenerate,
				Flavor:     target.Flavor,
				Privileged: kind.RequiresPrivilege(),
			})

		case domain.ActionReuse:
			// Verify the source artifact eagerly: discovering a missing
			// artifact at execution time would waste an agent.
			artifact, err := r.store.Latest(ctx, decision.SourceTargetID, kind)
			if err != nil {
				if errors.Is(err, domain.ErrArtifactNotFound) {
					return nil, fmt.Errorf("%w: no %s artifact for target %q",
						domain.ErrUnsatisfiableReuse, kind, decision.SourceTargetID)
				}
				return nil, fmt.Errorf("resolve %s reuse: %w", kind, err)
			}
			plan.Stages = append(plan.Stages, domain.Stage{
				Kind:           kind,
				Action:         domain.StageFetch,
				Flavor:         target.Flavor,
				Privileged:     false,
				SourceTargetID: decision.SourceTargetID,
				Artifact:       artifact,
			})

		default:
			return nil, fmt.Errorf("policy for %s has unknown action %q", kind, decision.Action)
		}
	}

	return plan, nil
}
