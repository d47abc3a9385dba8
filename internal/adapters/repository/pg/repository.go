// Package pg persists build requests, targets and the artifact registry
// in PostgreSQL. The artifact table is append-only; "latest" is a read
// ordered by creation time with the autoincrement sequence breaking ties
// in submission order.
package pg

import (
	"context"
	"errors"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"forgeos.build/internal/core/domain"
	"forgeos.build/internal/core/ports"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(dsn string) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&domain.BuildTarget{}, &domain.BuildRequest{}, &domain.Artifact{}); err != nil {
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Requests, Targets and Artifacts are per-port views over the same
// connection.

func (r *Repository) Requests() ports.RequestRepository { return &requestRepo{db: r.db} }
func (r *Repository) Targets() ports.TargetRepository   { return &targetRepo{db: r.db} }
func (r *Repository) Artifacts() ports.ArtifactStore    { return &artifactRepo{db: r.db} }

// DB exposes the underlying gorm handle for health checks.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

type requestRepo struct {
	db *gorm.DB
}

func (r *requestRepo) Create(ctx context.Context, req *domain.BuildRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *requestRepo) Get(ctx context.Context, id string) (*domain.BuildRequest, error) {
	var req domain.BuildRequest
	if err := r.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

func (r *requestRepo) Update(ctx context.Context, req *domain.BuildRequest) error {
	return r.db.WithContext(ctx).Save(req).Error
}

func (r *requestRepo) List(ctx context.Context, offset, limit int) ([]*domain.BuildRequest, error) {
	var reqs []*domain.BuildRequest
	if err := r.db.WithContext(ctx).Order("submitted_at desc").Offset(offset).Limit(limit).Find(&reqs).Error; err != nil {
		return nil, err
	}
	return reqs, nil
}

func (r *requestRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.BuildRequest{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

type targetRepo struct {
	db *gorm.DB
}

func (r *targetRepo) Get(ctx context.Context, id string) (*domain.BuildTarget, error) {
	var target domain.BuildTarget
	if err := r.db.WithContext(ctx).First(&target, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUnknownTarget
		}
		return nil, err
	}
	return &target, nil
}

func (r *targetRepo) List(ctx context.Context) ([]*domain.BuildTarget, error) {
	var targets []*domain.BuildTarget
	if err := r.db.WithContext(ctx).Order("id").Find(&targets).Error; err != nil {
		return nil, err
	}
	return targets, nil
}

func (r *targetRepo) Upsert(ctx context.Context, target *domain.BuildTarget) error {
	return r.db.WithContext(ctx).Save(target).Error
}

type artifactRepo struct {
	db *gorm.DB
}

func (r *artifactRepo) Put(ctx context.Context, artifact *domain.Artifact) error {
	return r.db.WithContext(ctx).Create(artifact).Error
}

func (r *artifactRepo) Latest(ctx context.Context, targetID string, kind domain.ArtifactKind) (*domain.Artifact, error) {
	var artifact domain.Artifact
	err := r.db.WithContext(ctx).
		Where("target_id = ? AND kind = ?", targetID, kind).
		Order("created_at desc, seq desc").
		First(&artifact).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrArtifactNotFound
		}
		return nil, err
	}
	return &artifact, nil
}

func (r *artifactRepo) Get(ctx context.Context, uri string) (*domain.Artifact, error) {
	var artifact domain.Artifact
	if err := r.db.WithContext(ctx).First(&artifact, "uri = ?", uri).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrArtifactNotFound
		}
		return nil, err
	}
	return &artifact, nil
}
