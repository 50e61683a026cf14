package services

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"schoolplan/plan_review/auth"
	"schoolplan/plan_review/schema"
	"schoolplan/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserService struct {
	db *gorm.DB

	identityProvider auth.IdentityProvider

	userAuth chi.Middlewares
}

func (s *UserService) Routes() chi.Router {
	r := chi.NewRouter()

	if s.identityProvider.AllowDirectLogin() {
		r.Get("/login", s.Login)
	}
	r.Post("/login-with-token", s.LoginWithToken)

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth...)

		r.Get("/info", s.Info)

		r.Group(func(r chi.Router) {
			r.Use(auth.AdminOnly())

			r.Get("/list", s.List)
			r.Get("/{user_id}/activity", s.Activity)
			r.Post("/create", s.Create)
			r.Post("/update", s.Update)
			r.Delete("/{user_id}", s.Delete)
			r.Post("/bulk", s.Bulk)
		})

		r.With(auth.SuperAdminOnly()).Post("/bulk-import", s.BulkImport)
	})

	return r
}

func (s *UserService) Login(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "email and password must be provided via basic auth", http.StatusUnauthorized)
		return
	}

	result, err := s.identityProvider.LoginWithEmail(email, password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserNotFoundWithEmail), errors.Is(err, auth.ErrInvalidCredentials):
			http.Error(w, err.Error(), http.StatusUnauthorized)
		case errors.Is(err, auth.ErrUserInactive):
			http.Error(w, err.Error(), http.StatusForbidden)
		default:
			http.Error(w, "error during login", http.StatusInternalServerError)
		}
		return
	}

	utils.WriteJsonResponse(w, struct {
		UserId      uuid.UUID `json:"user_id"`
		AccessToken string    `json:"access_token"`
	}{UserId: result.UserId, AccessToken: result.AccessToken})
}

func (s *UserService) LoginWithToken(w http.ResponseWriter, r *http.Request) {
	var params struct {
		AccessToken string `json:"access_token"`
	}
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	result, err := s.identityProvider.LoginWithToken(params.AccessToken)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserNotFoundWithEmail), errors.Is(err, auth.ErrInvalidCredentials):
			http.Error(w, err.Error(), http.StatusUnauthorized)
		case errors.Is(err, auth.ErrUserInactive):
			http.Error(w, err.Error(), http.StatusForbidden)
		default:
			http.Error(w, "error during login", http.StatusInternalServerError)
		}
		return
	}

	utils.WriteJsonResponse(w, struct {
		UserId      uuid.UUID `json:"user_id"`
		AccessToken string    `json:"access_token"`
	}{UserId: result.UserId, AccessToken: result.AccessToken})
}

type UserInfo struct {
	Id         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Level      int        `json:"level"`
	SchoolName string     `json:"school_name"`
	Title      string     `json:"title,omitempty"`
	IsActive   bool       `json:"is_active"`
	LastLogin  *time.Time `json:"last_login,omitempty"`
}

func userInfo(user *schema.User) UserInfo {
	return UserInfo{
		Id:         user.Id,
		Name:       user.Name,
		Email:      user.Email,
		Level:      user.Level,
		SchoolName: user.SchoolName,
		Title:      user.Title,
		IsActive:   user.IsActive,
		LastLogin:  user.LastLogin,
	}
}

func (s *UserService) Info(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	expiration, err := s.identityProvider.GetTokenExpiration(r)
	if err != nil {
		slog.Error("error reading session expiration", "user_id", user.Id, "error", err)
		http.Error(w, "error reading session expiration", http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, struct {
		UserInfo
		TokenExpiration time.Time `json:"token_expiration"`
	}{UserInfo: userInfo(&user), TokenExpiration: expiration})
}

func (s *UserService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	query := s.db.Order("name asc")
	if !user.IsSuperAdmin() {
		query = query.Where("school_name = ?", user.SchoolName)
	}

	var users []schema.User
	result := query.Find(&users)
	if result.Error != nil {
		slog.Error("sql error listing users", "error", result.Error)
		http.Error(w, "error listing users", http.StatusInternalServerError)
		return
	}

	infos := make([]UserInfo, 0, len(users))
	for i := range users {
		infos = append(infos, userInfo(&users[i]))
	}

	utils.WriteJsonResponse(w, infos)
}

func (s *UserService) Activity(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := schema.GetUser(userId, s.db)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(dbError(err)))
		return
	}

	if !actor.IsSuperAdmin() && user.SchoolName != actor.SchoolName {
		http.Error(w, "cannot view activity of a user from another school", http.StatusForbidden)
		return
	}

	var records []schema.ActivityRecord
	result := s.db.Order("created_at desc").Limit(200).Find(&records, "user_id = ?", userId)
	if result.Error != nil {
		slog.Error("sql error listing user activity", "user_id", userId, "error", result.Error)
		http.Error(w, "error listing user activity", http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, records)
}

type createUserRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	Level      int    `json:"level"`
	SchoolName string `json:"school_name"`
	Title      string `json:"title"`
}

func validLevel(level int) bool {
	return level >= schema.LevelViewer && level <= schema.LevelSuperAdmin
}

func (s *UserService) createUser(actor schema.User, params createUserRequest) (schema.User, error) {
	if params.Name == "" || params.Email == "" {
		return schema.User{}, CodedError(errors.New("user name and email must be specified"), http.StatusBadRequest)
	}
	if params.Level == 0 {
		params.Level = schema.DefaultUserLevel
	}
	if !validLevel(params.Level) {
		return schema.User{}, CodedError(fmt.Errorf("invalid access level %d, must be between 1 and 5", params.Level), http.StatusUnprocessableEntity)
	}
	if params.Level >= schema.LevelPrincipal && !actor.IsSuperAdmin() {
		return schema.User{}, CodedError(errors.New("only a super admin can create administrator accounts"), http.StatusForbidden)
	}

	user := schema.User{
		Id:         uuid.New(),
		Name:       params.Name,
		Email:      strings.ToLower(params.Email),
		Level:      params.Level,
		SchoolName: params.SchoolName,
		Title:      params.Title,
		IsActive:   true,
	}

	err := s.identityProvider.RegisterUser(&user, params.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrEmailAlreadyInUse):
			return schema.User{}, CodedError(err, http.StatusConflict)
		case errors.Is(err, auth.ErrEmailDomainNotAllowed):
			return schema.User{}, CodedError(err, http.StatusBadRequest)
		default:
			return schema.User{}, CodedError(err, http.StatusInternalServerError)
		}
	}

	return user, nil
}

func (s *UserService) Create(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params createUserRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	user, err := s.createUser(actor, params)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	if err := logActivity(s.db, actor.Id, "user_created", user.Email, user.SchoolName); err != nil {
		http.Error(w, "error creating user", http.StatusInternalServerError)
		return
	}

	slog.Info("created new user", "user_id", user.Id, "level", user.Level, "school", user.SchoolName)

	utils.WriteJsonResponse(w, userInfo(&user))
}

func (s *UserService) Update(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params struct {
		UserId     uuid.UUID `json:"user_id"`
		Name       *string   `json:"name,omitempty"`
		Level      *int      `json:"level,omitempty"`
		SchoolName *string   `json:"school_name,omitempty"`
		Title      *string   `json:"title,omitempty"`
		IsActive   *bool     `json:"is_active,omitempty"`
	}
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	user, err := schema.GetUser(params.UserId, s.db)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(dbError(err)))
		return
	}

	if !actor.IsSuperAdmin() && user.SchoolName != actor.SchoolName {
		http.Error(w, "cannot update a user from another school", http.StatusForbidden)
		return
	}

	updates := map[string]interface{}{}
	if params.Name != nil {
		updates["name"] = *params.Name
	}
	if params.Level != nil {
		if !validLevel(*params.Level) {
			http.Error(w, fmt.Sprintf("invalid access level %d, must be between 1 and 5", *params.Level), http.StatusUnprocessableEntity)
			return
		}
		if *params.Level >= schema.LevelPrincipal && !actor.IsSuperAdmin() {
			http.Error(w, "only a super admin can grant administrator access", http.StatusForbidden)
			return
		}
		updates["level"] = *params.Level
	}
	if params.SchoolName != nil {
		updates["school_name"] = *params.SchoolName
	}
	if params.Title != nil {
		updates["title"] = *params.Title
	}
	if params.IsActive != nil {
		updates["is_active"] = *params.IsActive
	}

	if len(updates) == 0 {
		http.Error(w, "no updates specified", http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		result := txn.Model(&user).Updates(updates)
		if result.Error != nil {
			slog.Error("sql error updating user", "user_id", user.Id, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		return logActivity(txn, actor.Id, "user_updated", user.Email, "")
	})
	if err != nil {
		http.Error(w, "error updating user", http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

func (s *UserService) Delete(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := schema.GetUser(userId, s.db)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(dbError(err)))
		return
	}

	if !actor.IsSuperAdmin() && user.SchoolName != actor.SchoolName {
		http.Error(w, "cannot delete a user from another school", http.StatusForbidden)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		// Owned plans survive the account; they move to the acting admin.
		reassign := map[string]interface{}{
			"user_id":         actor.Id,
			"principal_name":  actor.Name,
			"principal_email": actor.Email,
		}
		result := txn.Model(&schema.FormSubmission{}).Where("user_id = ?", userId).Updates(reassign)
		if result.Error != nil {
			slog.Error("sql error reassigning forms of deleted user", "user_id", userId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		result = txn.Select("Assignments", "Activity").Delete(&user)
		if result.Error != nil {
			slog.Error("sql error deleting user", "user_id", userId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		return logActivity(txn, actor.Id, "user_deleted", user.Email, user.SchoolName)
	})
	if err != nil {
		http.Error(w, "error deleting user", http.StatusInternalServerError)
		return
	}

	if err := s.identityProvider.DeleteUser(userId); err != nil {
		slog.Error("error removing user credentials", "user_id", userId, "error", err)
	}

	slog.Info("deleted user", "user_id", userId, "deleted_by", actor.Id)

	utils.WriteSuccess(w)
}

const (
	BulkActivate   = "activate"
	BulkDeactivate = "deactivate"
	BulkDelete     = "delete"
	BulkLevelUp    = "level_up"
	BulkLevelDown  = "level_down"
)

type BulkResult struct {
	UserId uuid.UUID `json:"user_id"`
	Error  string    `json:"error,omitempty"`
}

func (s *UserService) applyBulkAction(actor, user schema.User, action string) error {
	if !actor.IsSuperAdmin() && user.SchoolName != actor.SchoolName {
		return errors.New("user belongs to another school")
	}

	switch action {
	case BulkActivate:
		return s.db.Model(&user).Update("is_active", true).Error
	case BulkDeactivate:
		return s.db.Model(&user).Update("is_active", false).Error
	case BulkDelete:
		return s.db.Transaction(func(txn *gorm.DB) error {
			reassign := map[string]interface{}{
				"user_id":         actor.Id,
				"principal_name":  actor.Name,
				"principal_email": actor.Email,
			}
			if err := txn.Model(&schema.FormSubmission{}).Where("user_id = ?", user.Id).Updates(reassign).Error; err != nil {
				return err
			}
			return txn.Select("Assignments", "Activity").Delete(&user).Error
		})
	case BulkLevelUp:
		// Bulk promotion stops below super admin.
		if user.Level >= schema.LevelPrincipal {
			return nil
		}
		// Same rule as create and update: only a super admin can mint
		// administrator accounts.
		if user.Level+1 >= schema.LevelPrincipal && !actor.IsSuperAdmin() {
			return errors.New("only a super admin can grant administrator access")
		}
		return s.db.Model(&user).Update("level", user.Level+1).Error
	case BulkLevelDown:
		if user.Level <= schema.LevelViewer {
			return nil
		}
		return s.db.Model(&user).Update("level", user.Level-1).Error
	default:
		return fmt.Errorf("unknown action %v", action)
	}
}

func (s *UserService) Bulk(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params struct {
		UserIds []uuid.UUID `json:"user_ids"`
		Action  string      `json:"action"`
	}
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	switch params.Action {
	case BulkActivate, BulkDeactivate, BulkDelete, BulkLevelUp, BulkLevelDown:
	default:
		http.Error(w, fmt.Sprintf("invalid bulk action %v", params.Action), http.StatusUnprocessableEntity)
		return
	}
	if len(params.UserIds) == 0 {
		http.Error(w, "no users specified", http.StatusBadRequest)
		return
	}

	// Failures are reported per user, the batch itself never aborts.
	results := make([]BulkResult, 0, len(params.UserIds))
	for _, userId := range params.UserIds {
		if userId == actor.Id {
			results = append(results, BulkResult{UserId: userId, Error: "cannot apply bulk actions to your own account"})
			continue
		}

		user, err := schema.GetUser(userId, s.db)
		if err != nil {
			results = append(results, BulkResult{UserId: userId, Error: err.Error()})
			continue
		}

		if err := s.applyBulkAction(actor, user, params.Action); err != nil {
			slog.Error("bulk user action failed", "user_id", userId, "action", params.Action, "error", err)
			results = append(results, BulkResult{UserId: userId, Error: "action failed"})
			continue
		}

		results = append(results, BulkResult{UserId: userId})
	}

	if err := logActivity(s.db, actor.Id, "users_bulk_"+params.Action, "", strconv.Itoa(len(params.UserIds))); err != nil {
		http.Error(w, "error applying bulk action", http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, results)
}

type UserImportRow struct {
	Row        int
	Name       string
	Email      string
	Level      int
	SchoolName string
	Title      string
	Password   string
}

type ImportRowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

var userImportHeader = []string{"name", "email", "level", "school_name", "title"}

// ParseUserImport reads and validates a bulk import CSV. The password column
// is optional; rows without one get a generated temporary password at
// creation time. Row numbers in errors are 1-based and count the header.
func ParseUserImport(data io.Reader) ([]UserImportRow, []ImportRowError, error) {
	reader := csv.NewReader(data)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, errors.New("csv is empty or malformed")
	}
	for i, col := range userImportHeader {
		if i >= len(header) || strings.TrimSpace(strings.ToLower(header[i])) != col {
			return nil, nil, fmt.Errorf("csv header must start with %v", strings.Join(userImportHeader, ","))
		}
	}

	var rows []UserImportRow
	var rowErrors []ImportRowError

	for rowNum := 2; ; rowNum++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			rowErrors = append(rowErrors, ImportRowError{Row: rowNum, Error: "malformed csv row"})
			continue
		}
		if len(record) < len(userImportHeader) {
			rowErrors = append(rowErrors, ImportRowError{Row: rowNum, Error: fmt.Sprintf("expected at least %d columns, got %d", len(userImportHeader), len(record))})
			continue
		}

		row := UserImportRow{
			Row:        rowNum,
			Name:       strings.TrimSpace(record[0]),
			Email:      strings.ToLower(strings.TrimSpace(record[1])),
			SchoolName: strings.TrimSpace(record[3]),
			Title:      strings.TrimSpace(record[4]),
		}
		if len(record) > 5 {
			row.Password = record[5]
		}

		if row.Name == "" {
			rowErrors = append(rowErrors, ImportRowError{Row: rowNum, Error: "name must not be empty"})
			continue
		}
		if !strings.Contains(row.Email, "@") {
			rowErrors = append(rowErrors, ImportRowError{Row: rowNum, Error: fmt.Sprintf("invalid email %v", row.Email)})
			continue
		}

		level, err := strconv.Atoi(strings.TrimSpace(record[2]))
		if err != nil || !validLevel(level) {
			rowErrors = append(rowErrors, ImportRowError{Row: rowNum, Error: fmt.Sprintf("invalid access level %v, must be between 1 and 5", record[2])})
			continue
		}
		row.Level = level

		rows = append(rows, row)
	}

	return rows, rowErrors, nil
}

type ImportResult struct {
	SuccessCount int              `json:"success_count"`
	ErrorCount   int              `json:"error_count"`
	Errors       []ImportRowError `json:"errors"`
}

func (s *UserService) BulkImport(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	rows, rowErrors, err := ParseUserImport(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(rowErrors) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		if err := json.NewEncoder(w).Encode(ImportResult{ErrorCount: len(rowErrors), Errors: rowErrors}); err != nil {
			slog.Error("error writing json response", "error", err)
		}
		return
	}
	if len(rows) == 0 {
		http.Error(w, "csv contains no user rows", http.StatusBadRequest)
		return
	}

	result := ImportResult{Errors: []ImportRowError{}}
	for _, row := range rows {
		password := row.Password
		if password == "" {
			password = uuid.NewString()
		}

		_, err := s.createUser(actor, createUserRequest{
			Name:       row.Name,
			Email:      row.Email,
			Password:   password,
			Level:      row.Level,
			SchoolName: row.SchoolName,
			Title:      row.Title,
		})
		if err != nil {
			result.ErrorCount++
			result.Errors = append(result.Errors, ImportRowError{Row: row.Row, Error: err.Error()})
			continue
		}
		result.SuccessCount++
	}

	if err := logActivity(s.db, actor.Id, "users_imported", "", fmt.Sprintf("%d created, %d failed", result.SuccessCount, result.ErrorCount)); err != nil {
		http.Error(w, "error importing users", http.StatusInternalServerError)
		return
	}

	slog.Info("bulk user import finished", "created", result.SuccessCount, "failed", result.ErrorCount)

	utils.WriteJsonResponse(w, result)
}
