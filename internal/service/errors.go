package service

import (
	apperrors "github.com/target/listingsync/internal/errors"
)

// mapRepoError converts a repository error into an AppError. Database errors keep
// the code MapDBError assigns; anything else becomes internal.
func mapRepoError(err error, message string) error {
	if err == nil {
		return nil
	}
	mapped := apperrors.MapDBError(err)
	if apperrors.GetCode(mapped) != "" {
		return mapped
	}
	return apperrors.Wrap(err, apperrors.ErrCodeInternal, message)
}
