package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"schoolplan/plan_review/auth"
	"schoolplan/plan_review/schema"
	"schoolplan/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CollaborationService struct {
	db *gorm.DB

	userAuth chi.Middlewares
}

func (s *CollaborationService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth...)

		r.With(auth.SuperAdminOnly()).Post("/transfer", s.Transfer)
		r.With(auth.SuperAdminOnly()).Get("/transfers", s.ListTransfers)
		r.With(auth.AdminOnly()).Post("/share", s.Share)
		r.Get("/collaborators", s.Collaborators)
	})

	return r
}

func (s *CollaborationService) Transfer(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params struct {
		FormId        uuid.UUID `json:"form_id"`
		NewOwnerEmail string    `json:"new_owner_email"`
		Reason        string    `json:"reason"`
	}
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	newOwner, err := schema.GetUserByEmail(params.NewOwnerEmail, s.db)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(dbError(err)))
		return
	}

	// Ownership always lands on a school administrator.
	if newOwner.Level != schema.LevelPrincipal {
		http.Error(w, fmt.Sprintf("new owner must be a school administrator (level %d), %v has level %d", schema.LevelPrincipal, newOwner.Email, newOwner.Level), http.StatusUnprocessableEntity)
		return
	}
	if !newOwner.IsActive {
		http.Error(w, "new owner account is deactivated", http.StatusUnprocessableEntity)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		form, err := schema.GetForm(params.FormId, txn, false, false)
		if err != nil {
			return dbError(err)
		}

		if form.UserId == newOwner.Id {
			return CodedError(errors.New("user is already the owner of this plan"), http.StatusUnprocessableEntity)
		}

		previousOwner := form.UserId
		now := time.Now().UTC()

		updates := map[string]interface{}{
			"user_id":         newOwner.Id,
			"principal_name":  newOwner.Name,
			"principal_email": newOwner.Email,
		}
		if newOwner.SchoolName != "" {
			updates["school_name"] = newOwner.SchoolName
		}
		result := txn.Model(&form).Updates(updates)
		if result.Error != nil {
			slog.Error("sql error transferring form ownership", "form_id", form.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		record := schema.TransferRecord{
			Id:            uuid.New(),
			FormId:        form.Id,
			FromUserId:    &previousOwner,
			ToUserId:      newOwner.Id,
			TransferredBy: actor.Id,
			TransferredAt: now,
			Reason:        params.Reason,
		}
		result = txn.Create(&record)
		if result.Error != nil {
			slog.Error("sql error recording ownership transfer", "form_id", form.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if err := logActivity(txn, previousOwner, "form_ownership_lost", form.Id.String(), newOwner.Email); err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		if err := logActivity(txn, newOwner.Id, "form_ownership_received", form.Id.String(), actor.Email); err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	slog.Info("plan ownership transferred", "form_id", params.FormId, "new_owner", newOwner.Id, "transferred_by", actor.Id)

	utils.WriteSuccess(w)
}

type TransferInfo struct {
	FormId        uuid.UUID  `json:"form_id"`
	SchoolName    string     `json:"school_name"`
	FromUserId    *uuid.UUID `json:"from_user_id,omitempty"`
	ToUserId      uuid.UUID  `json:"to_user_id"`
	TransferredBy uuid.UUID  `json:"transferred_by"`
	TransferredAt time.Time  `json:"transferred_at"`
	Reason        string     `json:"reason,omitempty"`
}

func (s *CollaborationService) ListTransfers(w http.ResponseWriter, r *http.Request) {
	var records []schema.TransferRecord
	result := s.db.Order("transferred_at desc").Find(&records)
	if result.Error != nil {
		slog.Error("sql error listing ownership transfers", "error", result.Error)
		http.Error(w, "error listing ownership transfers", http.StatusInternalServerError)
		return
	}

	formIds := make([]uuid.UUID, 0, len(records))
	for _, record := range records {
		formIds = append(formIds, record.FormId)
	}

	var forms []schema.FormSubmission
	if len(formIds) > 0 {
		result = s.db.Find(&forms, "id in ?", formIds)
		if result.Error != nil {
			slog.Error("sql error loading forms for transfer history", "error", result.Error)
			http.Error(w, "error listing ownership transfers", http.StatusInternalServerError)
			return
		}
	}
	schoolByForm := make(map[uuid.UUID]string, len(forms))
	for _, form := range forms {
		schoolByForm[form.Id] = form.SchoolName
	}

	infos := make([]TransferInfo, 0, len(records))
	for _, record := range records {
		infos = append(infos, TransferInfo{
			FormId:        record.FormId,
			SchoolName:    schoolByForm[record.FormId],
			FromUserId:    record.FromUserId,
			ToUserId:      record.ToUserId,
			TransferredBy: record.TransferredBy,
			TransferredAt: record.TransferredAt,
			Reason:        record.Reason,
		})
	}

	utils.WriteJsonResponse(w, infos)
}

type ShareResult struct {
	UserId uuid.UUID `json:"user_id"`
	Error  string    `json:"error,omitempty"`
}

func (s *CollaborationService) Share(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params struct {
		FormId      uuid.UUID   `json:"form_id"`
		UserIds     []uuid.UUID `json:"user_ids"`
		Permissions string      `json:"permissions"`
		Sections    []int       `json:"sections"`
	}
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Permissions == "" {
		params.Permissions = schema.EditPerm
	}
	if params.Permissions != schema.ViewPerm && params.Permissions != schema.EditPerm {
		http.Error(w, fmt.Sprintf("invalid permissions %v, must be '%v' or '%v'", params.Permissions, schema.ViewPerm, schema.EditPerm), http.StatusUnprocessableEntity)
		return
	}
	if len(params.UserIds) == 0 {
		http.Error(w, "no users specified", http.StatusBadRequest)
		return
	}

	form, err := schema.GetForm(params.FormId, s.db, false, false)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(dbError(err)))
		return
	}

	if !actor.IsSuperAdmin() && form.SchoolName != actor.SchoolName {
		http.Error(w, "cannot share a plan from another school", http.StatusForbidden)
		return
	}

	assignedSections, err := json.Marshal(params.Sections)
	if err != nil {
		http.Error(w, "invalid sections list", http.StatusBadRequest)
		return
	}

	// Each grant succeeds or fails on its own, the batch never aborts.
	results := make([]ShareResult, 0, len(params.UserIds))
	for _, userId := range params.UserIds {
		if err := s.shareWithUser(actor, &form, userId, params.Permissions, string(assignedSections)); err != nil {
			results = append(results, ShareResult{UserId: userId, Error: err.Error()})
			continue
		}
		results = append(results, ShareResult{UserId: userId})
	}

	if err := logActivity(s.db, actor.Id, "form_shared", form.Id.String(), fmt.Sprintf("%d users", len(params.UserIds))); err != nil {
		http.Error(w, "error sharing plan", http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, results)
}

func (s *CollaborationService) shareWithUser(actor schema.User, form *schema.FormSubmission, userId uuid.UUID, permissions, assignedSections string) error {
	user, err := schema.GetUser(userId, s.db)
	if err != nil {
		return err
	}

	if !user.IsActive {
		return errors.New("user account is deactivated")
	}
	if user.SchoolName != form.SchoolName {
		return errors.New("user belongs to another school")
	}
	if user.Id == form.UserId {
		return errors.New("user is the owner of this plan")
	}
	if permissions == schema.EditPerm && user.Level < schema.LevelStaff {
		return errors.New("user's access level only permits view grants")
	}

	assignment := schema.FormAssignment{
		UserId:           userId,
		FormId:           form.Id,
		AssignedBy:       actor.Id,
		Permissions:      permissions,
		AssignedSections: assignedSections,
		AssignedAt:       time.Now().UTC(),
	}

	return s.db.Transaction(func(txn *gorm.DB) error {
		// Save upserts on the (user, form) key, replacing any earlier grant.
		result := txn.Save(&assignment)
		if result.Error != nil {
			slog.Error("sql error saving form assignment", "form_id", form.Id, "user_id", userId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		return logActivity(txn, userId, "form_access_granted", form.Id.String(), permissions)
	})
}

type CollaboratorInfo struct {
	UserId      uuid.UUID `json:"user_id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Permissions string    `json:"permissions"`
	Sections    []int     `json:"sections"`
	AssignedAt  time.Time `json:"assigned_at"`
}

func (s *CollaborationService) Collaborators(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	formId, err := utils.QueryParamUUID(r, "form_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	permission, err := auth.GetFormPermissions(formId, user, s.db)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(dbError(err)))
		return
	}
	if permission == auth.NoPermission {
		http.Error(w, "user does not have permission to access this submission", http.StatusForbidden)
		return
	}

	query := s.db.Where("form_id = ?", formId)
	// Non-owners only see their own grant.
	if permission < auth.WritePermission {
		query = query.Where("user_id = ?", user.Id)
	}

	var assignments []schema.FormAssignment
	result := query.Find(&assignments)
	if result.Error != nil {
		slog.Error("sql error listing collaborators", "form_id", formId, "error", result.Error)
		http.Error(w, "error listing collaborators", http.StatusInternalServerError)
		return
	}

	infos := make([]CollaboratorInfo, 0, len(assignments))
	for _, assignment := range assignments {
		collaborator, err := schema.GetUser(assignment.UserId, s.db)
		if err != nil {
			continue
		}

		var assignedSections []int
		if err := json.Unmarshal([]byte(assignment.AssignedSections), &assignedSections); err != nil {
			assignedSections = nil
		}

		infos = append(infos, CollaboratorInfo{
			UserId:      assignment.UserId,
			Name:        collaborator.Name,
			Email:       collaborator.Email,
			Permissions: assignment.Permissions,
			Sections:    assignedSections,
			AssignedAt:  assignment.AssignedAt,
		})
	}

	utils.WriteJsonResponse(w, infos)
}
