package schema

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrFormNotFound       = errors.New("form not found")
	ErrAssignmentNotFound = errors.New("form assignment not found")
	ErrDbAccessFailed     = errors.New("db access failed")
)

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "id = ?", userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "user_id", userId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetUserByEmail(email string, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "email = ?", strings.ToLower(email))
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user by email", "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetForm(formId uuid.UUID, db *gorm.DB, loadSections, loadUsers bool) (FormSubmission, error) {
	var form FormSubmission

	var result *gorm.DB = db
	if loadSections {
		result = result.Preload("Sections")
	}
	if loadUsers {
		result = result.Preload("User").Preload("Reviewer")
	}
	result = result.First(&form, "id = ?", formId)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return form, ErrFormNotFound
		}
		slog.Error("sql error in get form", "form_id", formId, "error", result.Error)
		return form, ErrDbAccessFailed
	}

	return form, nil
}

func GetAssignment(formId, userId uuid.UUID, db *gorm.DB) (FormAssignment, error) {
	var assignment FormAssignment
	result := db.First(&assignment, "form_id = ? and user_id = ?", formId, userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return assignment, ErrAssignmentNotFound
		}
		slog.Error("sql error in get assignment", "form_id", formId, "user_id", userId, "error", result.Error)
		return assignment, ErrDbAccessFailed
	}

	return assignment, nil
}

func GetAssignedFormIds(userId uuid.UUID, db *gorm.DB) ([]uuid.UUID, error) {
	var assignments []FormAssignment
	result := db.Find(&assignments, "user_id = ?", userId)
	if result.Error != nil {
		slog.Error("sql error in get assigned form ids", "user_id", userId, "error", result.Error)
		return nil, ErrDbAccessFailed
	}
	ids := make([]uuid.UUID, 0, len(assignments))
	for _, assignment := range assignments {
		ids = append(ids, assignment.FormId)
	}
	return ids, nil
}
