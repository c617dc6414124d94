package repository

import (
	"database/sql"
	"errors"
)

// HandleNotFound converts sql.ErrNoRows into a nil result without error.
// Find* operations treat a missing row as an answer, not a failure; the
// caller decides whether absence is an error (e.g. joining an unknown call).
//
// Usage:
//
//	var call model.Call
//	err := r.db.GetContext(ctx, &call, query, args...)
//	return HandleNotFound(&call, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
