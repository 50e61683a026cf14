package services

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"schoolplan/plan_review/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

// CodedError attaches the http status a handler should return for an error.
// Errors without a code are treated as internal server errors.
func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

func GetResponseCode(err error) int {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return http.StatusInternalServerError
}

// dbError maps the schema sentinel errors onto http statuses.
func dbError(err error) error {
	switch {
	case errors.Is(err, schema.ErrUserNotFound),
		errors.Is(err, schema.ErrFormNotFound),
		errors.Is(err, schema.ErrAssignmentNotFound):
		return CodedError(err, http.StatusNotFound)
	default:
		return CodedError(err, http.StatusInternalServerError)
	}
}

// logActivity appends a row to a user's activity history. Activity is best
// effort inside its transaction; callers decide whether it shares one.
func logActivity(txn *gorm.DB, userId uuid.UUID, action, target, details string) error {
	record := schema.ActivityRecord{
		Id:        uuid.New(),
		UserId:    userId,
		Action:    action,
		Target:    target,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	result := txn.Create(&record)
	if result.Error != nil {
		slog.Error("sql error logging user activity", "user_id", userId, "action", action, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	return nil
}
