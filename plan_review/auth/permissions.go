package auth

import (
	"errors"
	"fmt"
	"net/http"

	"schoolplan/plan_review/schema"
	"schoolplan/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type FormPermission int

// Permission ordering matters: each level implies everything below it.
const (
	NoPermission    FormPermission = 0
	ReadPermission  FormPermission = 1
	WritePermission FormPermission = 2
	OwnerPermission FormPermission = 3
)

func GetUserFromContext(r *http.Request) (schema.User, error) {
	user, ok := r.Context().Value(UserRequestContextKey).(schema.User)
	if !ok {
		return schema.User{}, errors.New("user is missing from request context")
	}
	return user, nil
}

// GetFormPermissions resolves what a user may do with a given submission.
// Super admins and form owners hold owner permission. School admins hold
// write permission over submissions from their own school only. Everyone
// else falls back to an explicit collaboration assignment, if one exists.
func GetFormPermissions(formId uuid.UUID, user schema.User, db *gorm.DB) (FormPermission, error) {
	if user.IsSuperAdmin() {
		return OwnerPermission, nil
	}

	form, err := schema.GetForm(formId, db, false, false)
	if err != nil {
		return NoPermission, err
	}

	if form.UserId == user.Id {
		return OwnerPermission, nil
	}

	if user.IsAdmin() && form.SchoolName != "" && form.SchoolName == user.SchoolName {
		return WritePermission, nil
	}

	assignment, err := schema.GetAssignment(formId, user.Id, db)
	if err != nil {
		if errors.Is(err, schema.ErrAssignmentNotFound) {
			return NoPermission, nil
		}
		return NoPermission, err
	}

	if assignment.Permissions == schema.EditPerm {
		return WritePermission, nil
	}
	return ReadPermission, nil
}

// FormPermissionOnly gates endpoints with a {form_id} url param on the
// caller holding at least the given permission for that submission.
func FormPermissionOnly(db *gorm.DB, permission FormPermission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := GetUserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			formId, err := utils.URLParamUUID(r, "form_id")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			userPermission, err := GetFormPermissions(formId, user, db)
			if err != nil {
				if errors.Is(err, schema.ErrFormNotFound) {
					http.Error(w, err.Error(), http.StatusNotFound)
				} else {
					http.Error(w, err.Error(), http.StatusInternalServerError)
				}
				return
			}

			if userPermission < permission {
				http.Error(w, "user does not have permission to access this submission", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LevelAtLeast gates endpoints on the caller's access level.
func LevelAtLeast(level int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := GetUserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			if user.Level < level {
				http.Error(w, fmt.Sprintf("user must have access level %d or above to access this endpoint", level), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func AdminOnly() func(http.Handler) http.Handler {
	return LevelAtLeast(schema.LevelPrincipal)
}

func SuperAdminOnly() func(http.Handler) http.Handler {
	return LevelAtLeast(schema.LevelSuperAdmin)
}
