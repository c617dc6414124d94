package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/talkwire/callcore/internal/model"
)

type CandidateRepository interface {
	// Append inserts one connectivity descriptor. Plain INSERT: concurrent
	// appends from both participants always both survive, and appending the
	// same descriptor twice stores it twice. Consumers deduplicate by content.
	Append(ctx context.Context, params model.AppendCandidateParams) (*model.Candidate, error)
	FindByCallID(ctx context.Context, callID string) ([]model.Candidate, error)
	WithTx(tx *sqlx.Tx) CandidateRepository
}

type candidateDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type candidateRepo struct {
	db candidateDB
}

func NewCandidateRepository(db *sqlx.DB) CandidateRepository {
	return &candidateRepo{db: db}
}

func (r *candidateRepo) WithTx(tx *sqlx.Tx) CandidateRepository {
	return &candidateRepo{db: tx}
}

func (r *candidateRepo) Append(ctx context.Context, params model.AppendCandidateParams) (*model.Candidate, error) {
	var candidate model.Candidate
	err := r.db.GetContext(ctx, &candidate, `
		INSERT INTO call_candidates (id, call_id, contributor, candidate, sdp_mid, sdp_mline_index, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING *
	`, uuid.NewString(), params.CallID, params.Contributor, params.Candidate, params.SDPMid, params.SDPMLineIndex)
	if err != nil {
		return nil, err
	}
	return &candidate, nil
}

func (r *candidateRepo) FindByCallID(ctx context.Context, callID string) ([]model.Candidate, error) {
	var candidates []model.Candidate
	err := r.db.SelectContext(ctx, &candidates, `
		SELECT * FROM call_candidates
		WHERE call_id = $1
		ORDER BY created_at ASC, id ASC
	`, callID)
	if err != nil {
		return nil, err
	}
	return candidates, nil
}
