package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"forgeos.build/internal/core/domain"
	"forgeos.build/internal/core/ports"
)

const (
	paramCleanupWorkspace = "cleanup_workspace"
	paramForceFetchPrefix = "force_fetch_"
	paramProducePrefix    = "produce_"
	paramReusePrefix      = "reuse_"
	paramSourcePrefix     = "source_target_for_"
)

// Validator normalizes the raw parameter set of a trigger into one
// canonical StagePolicy. All contradiction and typo detection happens
// here, before anything touches the pool or the store.
type Validator struct {
	targets ports.TargetRepository

	// referenceTarget is the default reuse source for chain artifacts;
	// sourceProvider is the default source of quicksync snapshots.
	referenceTarget string
	sourceProvider  string
}

func NewValidator(targets ports.TargetRepository, referenceTarget, sourceProvider string) *Validator {
	return &Validator{
		targets:         targets,
		referenceTarget: referenceTarget,
		sourceProvider:  sourceProvider,
	}
}

// Validate turns raw params into a StagePolicy for the target, plus the
// cleanup_workspace flag. Unknown keys are rejected rather than ignored.
func (v *Validator) Validate(ctx context.Context, params map[string]string, target *domain.BuildTarget) (domain.StagePolicy, bool, error) {
	chain := target.Chain()
	inChain := make(map[domain.ArtifactKind]bool, len(chain))
	for _, k := range chain {
		inChain[k] = true
	}

	cleanup := true
	produce := make(map[domain.ArtifactKind]bool)
	reuse := make(map[domain.ArtifactKind]bool)
	explicitProduce := make(map[domain.ArtifactKind]bool)
	explicitReuse := make(map[domain.ArtifactKind]bool)
	source := make(map[domain.ArtifactKind]string)
	forceFetch := false

	for key, raw := range params {
		switch {
		case key == paramCleanupWorkspace:
			b, err := parseBool(key, raw)
			if err != nil {
				return nil, false, err
			}
			cleanup = b

		case key == paramForceFetchPrefix+string(domain.KindSourceSnapshot):
			b, err := parseBool(key, raw)
			if err != nil {
				return nil, false, err
			}
			forceFetch = b

		case strings.HasPrefix(key, paramProducePrefix):
			kind := domain.ArtifactKind(strings.TrimPrefix(key, paramProducePrefix))
			if !inChain[kind] {
				return nil, false, unknownParam(key, target)
			}
			b, err := parseBool(key, raw)
			if err != nil {
				return nil, false, err
			}
			produce[kind] = b
			explicitProduce[kind] = true

		case strings.HasPrefix(key, paramReusePrefix):
			kind := domain.ArtifactKind(strings.TrimPrefix(key, paramReusePrefix))
			if !inChain[kind] {
				return nil, false, unknownParam(key, target)
			}
			b, err := parseBool(key, raw)
			if err != nil {
				return nil, false, err
			}
			reuse[kind] = b
			explicitReuse[kind] = true

		case strings.HasPrefix(key, paramSourcePrefix):
			kind := domain.ArtifactKind(strings.TrimPrefix(key, paramSourcePrefix))
			if !inChain[kind] {
				return nil, false, unknownParam(key, target)
			}
			source[kind] = raw

		default:
			return nil, false, unknownParam(key, target)
		}
	}

	policy := make(domain.StagePolicy, len(chain))
	for _, kind := range chain {
		// produce and reuse for the same kind is a contradiction, never
		// resolved by precedence.
		if produce[kind] && reuse[kind] {
			return nil, false, &domain.ValidationError{
				Param: paramProducePrefix + string(kind),
				Msg:   "produce and reuse requested for the same kind",
			}
		}

		decision, err := v.decide(ctx, kind, target,
			produce[kind], reuse[kind],
			explicitProduce[kind], explicitReuse[kind],
			source[kind], forceFetch)
		if err != nil {
			return nil, false, err
		}
		policy[kind] = decision
	}

	return policy, cleanup, nil
}

func (v *Validator) decide(ctx context.Context, kind domain.ArtifactKind, target *domain.BuildTarget,
	produce, reuse, explicitProduce, explicitReuse bool, sourceTarget string, forceFetch bool) (domain.PolicyDecision, error) {

	// Force re-fetch turns a would-be reuse into produce, for exactly the
	// source snapshot kind.
	if kind == domain.KindSourceSnapshot && forceFetch {
		return domain.PolicyDecision{Action: domain.ActionProduce}, nil
	}

	if explicitProduce || explicitReuse {
		switch {
		case produce:
			return domain.PolicyDecision{Action: domain.ActionProduce}, nil
		case reuse:
			return v.reuseDecision(ctx, kind, target, sourceTarget)
		default:
			// Explicitly neither produced nor reused: the stage is not
			// wanted for this build.
			return domain.PolicyDecision{Action: domain.ActionSkip}, nil
		}
	}

	return v.defaultDecision(ctx, kind, target, sourceTarget)
}

// defaultDecision mirrors the incremental-build defaults: intermediate
// artifacts are reused from the reference target when one is configured,
// the source snapshot is reused from the sync provider, and the final
// output is always produced.
func (v *Validator) defaultDecision(ctx context.Context, kind domain.ArtifactKind, target *domain.BuildTarget, sourceTarget string) (domain.PolicyDecision, error) {
	switch kind {
	case domain.KindSourceSnapshot:
		if v.sourceProvider != "" && v.sourceProvider != target.ID {
			return v.reuseDecision(ctx, kind, target, sourceTarget)
		}
	case domain.KindSDKBundle, domain.KindPackageCache:
		if v.referenceTarget != "" {
			return v.reuseDecision(ctx, kind, target, sourceTarget)
		}
	}
	return domain.PolicyDecision{Action: domain.ActionProduce}, nil
}

func (v *Validator) reuseDecision(ctx context.Context, kind domain.ArtifactKind, target *domain.BuildTarget, sourceTarget string) (domain.PolicyDecision, error) {
	if sourceTarget == "" {
		if kind == domain.KindSourceSnapshot && v.sourceProvider != "" {
			sourceTarget = v.sourceProvider
		} else {
			sourceTarget = v.referenceTarget
		}
	}
	if sourceTarget == "" {
		return domain.PolicyDecision{}, &domain.ValidationError{
			Param: paramSourcePrefix + string(kind),
			Msg:   "reuse requested but no source target given and no reference target configured",
		}
	}
	if _, err := v.targets.Get(ctx, sourceTarget); err != nil {
		return domain.PolicyDecision{}, &domain.ValidationError{
			Param: paramSourcePrefix + string(kind),
			Msg:   fmt.Sprintf("source target %q is not resolvable", sourceTarget),
		}
	}
	return domain.PolicyDecision{Action: domain.ActionReuse, SourceTargetID: sourceTarget}, nil
}

func parseBool(key, raw string) (bool, error) {
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &domain.ValidationError{Param: key, Msg: "not a boolean: " + raw}
	}
	return b, nil
}

func unknownParam(key string, target *domain.BuildTarget) error {
	return &domain.ValidationError{
		Param: key,
		Msg:   fmt.Sprintf("not recognized for target %q", target.ID),
	}
}
