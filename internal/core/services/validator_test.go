package services

import (
	"context"
	"errors"
	"testing"

	"forgeos.build/internal/core/domain"
)

func testTargets() *fakeTargets {
	return newFakeTargets(
		&domain.BuildTarget{
			ID:         "repo-sync",
			Repository: "https://git.example.invalid/manifest",
			Branch:     "master",
			Flavor:     "debian-sid",
			Kinds:      []domain.ArtifactKind{domain.KindSourceSnapshot},
		},
		&domain.BuildTarget{
			ID:         "os-main",
			Repository: "https://git.example.invalid/manifest",
			Branch:     "master",
			Flavor:     "debian-sid",
		},
		&domain.BuildTarget{
			ID:         "os-experimental",
			Repository: "https://git.example.invalid/manifest",
			Branch:     "next",
			Flavor:     "debian-sid",
		},
	)
}

func TestValidateDefaults(t *testing.T) {
	targets := testTargets()
	v := NewValidator(targets, "os-main", "repo-sync")

	target, _ := targets.Get(context.Background(), "os-experimental")
	policy, cleanup, err := v.Validate(context.Background(), nil, target)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !cleanup {
		t.Errorf("cleanup_workspace should default to true")
	}

	want := domain.StagePolicy{
		domain.KindSourceSnapshot: {Action: domain.ActionReuse, SourceTargetID: "repo-sync"},
		domain.KindSDKBundle:      {Action: domain.ActionReuse, SourceTargetID: "os-main"},
		domain.KindPackageCache:   {Action: domain.ActionReuse, SourceTargetID: "os-main"},
		domain.KindBuildOutput:    {Action: domain.ActionProduce},
	}
	for kind, decision := range want {
		if policy[kind] != decision {
			t.Errorf("%s: got %+v, want %+v", kind, policy[kind], decision)
		}
	}
}

func TestValidateProviderProducesItsOwnSnapshot(t *testing.T) {
	targets := testTargets()
	v := NewValidator(targets, "os-main", "repo-sync")

	target, _ := targets.Get(context.Background(), "repo-sync")
	policy, _, err := v.Validate(context.Background(), nil, target)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := policy[domain.KindSourceSnapshot].Action; got != domain.ActionProduce {
		t.Errorf("provider target snapshot action = %s, want produce", got)
	}
}

func TestValidateParamHandling(t *testing.T) {
	targets := testTargets()
	v := NewValidator(targets, "os-main", "repo-sync")
	ctx := context.Background()
	target, _ := targets.Get(ctx, "os-main")

	tests := []struct {
		name    string
		params  map[string]string
		check   func(t *testing.T, policy domain.StagePolicy, cleanup bool)
		wantErr bool
	}{
		{
			name:   "explicit produce overrides default reuse",
			params: map[string]string{"produce_sdk_bundle": "true"},
			check: func(t *testing.T, policy domain.StagePolicy, _ bool) {
				if got := policy[domain.KindSDKBundle].Action; got != domain.ActionProduce {
					t.Errorf("sdk_bundle action = %s, want produce", got)
				}
			},
		},
		{
			name:   "explicitly neither produced nor reused skips the stage",
			params: map[string]string{"produce_package_cache": "false", "reuse_package_cache": "false"},
			check: func(t *testing.T, policy domain.StagePolicy, _ bool) {
				if got := policy[domain.KindPackageCache].Action; got != domain.ActionSkip {
					t.Errorf("package_cache action = %s, want skip", got)
				}
			},
		},
		{
			name: "force fetch beats reuse for the source snapshot",
			params: map[string]string{
				"force_fetch_source_snapshot": "true",
				"reuse_source_snapshot":       "true",
			},
			check: func(t *testing.T, policy domain.StagePolicy, _ bool) {
				if got := policy[domain.KindSourceSnapshot].Action; got != domain.ActionProduce {
					t.Errorf("source_snapshot action = %s, want produce", got)
				}
			},
		},
		{
			name:   "reuse with explicit source target",
			params: map[string]string{"reuse_sdk_bundle": "true", "source_target_for_sdk_bundle": "os-experimental"},
			check: func(t *testing.T, policy domain.StagePolicy, _ bool) {
				got := policy[domain.KindSDKBundle]
				if got.Action != domain.ActionReuse || got.SourceTargetID != "os-experimental" {
					t.Errorf("sdk_bundle decision = %+v", got)
				}
			},
		},
		{
			name:   "cleanup workspace off",
			params: map[string]string{"cleanup_workspace": "false"},
			check: func(t *testing.T, _ domain.StagePolicy, cleanup bool) {
				if cleanup {
					t.Errorf("cleanup should be false")
				}
			},
		},
		{
			name:    "produce and reuse for the same kind is rejected",
			params:  map[string]string{"produce_sdk_bundle": "true", "reuse_sdk_bundle": "true"},
			wantErr: true,
		},
		{
			name:    "produce and reuse conflict is rejected even with force fetch",
			params:  map[string]string{"produce_sdk_bundle": "true", "reuse_sdk_bundle": "true", "force_fetch_source_snapshot": "true"},
			wantErr: true,
		},
		{
			name:    "unknown parameter key",
			params:  map[string]string{"produce_sdk_bundel": "true"},
			wantErr: true,
		},
		{
			name:    "kind outside the target chain",
			params:  map[string]string{"produce_agent_image": "true"},
			wantErr: true,
		},
		{
			name:    "non-boolean value",
			params:  map[string]string{"produce_sdk_bundle": "yes please"},
			wantErr: true,
		},
		{
			name:    "unresolvable source target",
			params:  map[string]string{"reuse_sdk_bundle": "true", "source_target_for_sdk_bundle": "nope"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy, cleanup, err := v.Validate(ctx, tt.params, target)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got policy %+v", policy)
				}
				var verr *domain.ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("error type = %T, want *domain.ValidationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			tt.check(t, policy, cleanup)
		})
	}
}

func TestValidateWithoutReferenceTarget(t *testing.T) {
	targets := testTargets()
	v := NewValidator(targets, "", "")

	target, _ := targets.Get(context.Background(), "os-main")
	policy, _, err := v.Validate(context.Background(), nil, target)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for _, kind := range domain.KindChain {
		if got := policy[kind].Action; got != domain.ActionProduce {
			t.Errorf("%s action = %s, want produce when nothing is reusable", kind, got)
		}
	}
}

func TestValidateReuseWithoutAnySource(t *testing.T) {
	targets := testTargets()
	v := NewValidator(targets, "", "")

	target, _ := targets.Get(context.Background(), "os-main")
	_, _, err := v.Validate(context.Background(), map[string]string{"reuse_sdk_bundle": "true"}, target)
	if err == nil {
		t.Fatalf("expected error when reuse has no source target anywhere")
	}
}
