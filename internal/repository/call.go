package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	apperrors "github.com/talkwire/callcore/internal/errors"
	"github.com/talkwire/callcore/internal/model"
)

type CallRepository interface {
	Create(ctx context.Context, params model.CreateCallParams) (*model.Call, error)
	FindByID(ctx context.Context, id string) (*model.Call, error)
	FindOngoingBetween(ctx context.Context, userA, userB string) (*model.Call, error)
	FindRingingByRecipient(ctx context.Context, recipientID string) ([]model.Call, error)
	// UpdateStatus performs the conditional transition write. It reports
	// whether the write landed; false means the stored status was not `from`.
	UpdateStatus(ctx context.Context, id string, from, to model.CallStatus) (bool, error)
	// SetAnswer writes the answer descriptor at most once.
	SetAnswer(ctx context.Context, id, answer string) (bool, error)
	// SetConnectedAt records the shared clock origin. Only the first writer
	// wins; the report value tells the caller whether it was that writer.
	SetConnectedAt(ctx context.Context, id string, at time.Time) (bool, error)
	MarkStaleRingingMissed(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) CallRepository
}

type callDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type callRepo struct {
	db callDB
}

func NewCallRepository(db *sqlx.DB) CallRepository {
	return &callRepo{db: db}
}

func (r *callRepo) WithTx(tx *sqlx.Tx) CallRepository {
	return &callRepo{db: tx}
}

func (r *callRepo) Create(ctx context.Context, params model.CreateCallParams) (*model.Call, error) {
	var call model.Call
	err := r.db.GetContext(ctx, &call, `
		INSERT INTO calls (id, caller_id, recipient_id, media_kind, status, offer, started_at)
		VALUES ($1, $2, $3, $4, 'ringing', $5, NOW())
		RETURNING *
	`, params.ID, params.CallerID, params.RecipientID, params.MediaKind, params.Offer)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return nil, apperrors.AlreadyExists("Call")
	}
	if err != nil {
		return nil, err
	}
	return &call, nil
}

func (r *callRepo) FindByID(ctx context.Context, id string) (*model.Call, error) {
	var call model.Call
	err := r.db.GetContext(ctx, &call, `
		SELECT * FROM calls WHERE id = $1
	`, id)
	return HandleNotFound(&call, err)
}

func (r *callRepo) FindOngoingBetween(ctx context.Context, userA, userB string) (*model.Call, error) {
	var call model.Call
	err := r.db.GetContext(ctx, &call, `
		SELECT * FROM calls
		WHERE status IN ('ringing', 'active')
		AND ((caller_id = $1 AND recipient_id = $2) OR (caller_id = $2 AND recipient_id = $1))
		ORDER BY started_at DESC
		LIMIT 1
	`, userA, userB)
	return HandleNotFound(&call, err)
}

func (r *callRepo) FindRingingByRecipient(ctx context.Context, recipientID string) ([]model.Call, error) {
	var calls []model.Call
	err := r.db.SelectContext(ctx, &calls, `
		SELECT * FROM calls
		WHERE recipient_id = $1 AND status = 'ringing'
		ORDER BY started_at ASC
	`, recipientID)
	if err != nil {
		return nil, err
	}
	return calls, nil
}

func (r *callRepo) UpdateStatus(ctx context.Context, id string, from, to model.CallStatus) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, apperrors.WriteConflict("illegal status transition").
			WithDetails(map[string]string{"from": string(from), "to": string(to)})
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE calls SET
			status = $3,
			ended_at = CASE WHEN $3 IN ('ended', 'declined', 'missed', 'failed') THEN NOW() ELSE ended_at END
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *callRepo) SetAnswer(ctx context.Context, id, answer string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE calls SET answer = $2
		WHERE id = $1 AND answer IS NULL AND status = 'ringing'
	`, id, answer)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *callRepo) SetConnectedAt(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE calls SET connected_at = $2
		WHERE id = $1 AND connected_at IS NULL
	`, id, at)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *callRepo) MarkStaleRingingMissed(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE calls SET
			status = 'missed',
			ended_at = NOW()
		WHERE status = 'ringing' AND started_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *callRepo) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM calls
		WHERE status IN ('ended', 'declined', 'missed', 'failed')
		AND ended_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
