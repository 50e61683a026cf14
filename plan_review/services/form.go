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
	"schoolplan/plan_review/sections"
	"schoolplan/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type FormService struct {
	db *gorm.DB

	userAuth chi.Middlewares
}

func (s *FormService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth...)

		r.With(auth.LevelAtLeast(schema.LevelEditor)).Post("/create", s.Create)
		r.Get("/list", s.List)
		r.Get("/notifications", s.Notifications)

		r.Route("/{form_id}", func(r chi.Router) {
			r.With(auth.FormPermissionOnly(s.db, auth.ReadPermission)).Get("/", s.GetForm)
			r.With(auth.FormPermissionOnly(s.db, auth.WritePermission)).Post("/update", s.Update)
			r.With(auth.AdminOnly(), auth.FormPermissionOnly(s.db, auth.WritePermission)).Delete("/", s.Delete)
		})
	})

	return r
}

type SectionInfo struct {
	Key           string          `json:"key"`
	Step          int             `json:"step"`
	Title         string          `json:"title"`
	Completed     bool            `json:"completed"`
	Data          json.RawMessage `json:"data"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	LastUpdated   *time.Time      `json:"last_updated,omitempty"`
	TimeSpent     int             `json:"time_spent"`
	RevisionCount int             `json:"revision_count"`
}

type FormInfo struct {
	FormId uuid.UUID `json:"form_id"`

	SchoolName     string `json:"school_name"`
	PrincipalName  string `json:"principal_name"`
	PrincipalEmail string `json:"principal_email"`

	Status         string `json:"status"`
	CurrentStep    int    `json:"current_step"`
	CompletedSteps []int  `json:"completed_steps"`

	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
	ReviewedBy     string     `json:"reviewed_by,omitempty"`
	ReviewComments string     `json:"review_comments,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func formInfo(form *schema.FormSubmission) FormInfo {
	info := FormInfo{
		FormId:         form.Id,
		SchoolName:     form.SchoolName,
		PrincipalName:  form.PrincipalName,
		PrincipalEmail: form.PrincipalEmail,
		Status:         form.Status,
		CurrentStep:    form.CurrentStep,
		CompletedSteps: sections.CompletedSteps(form.Sections),
		SubmittedAt:    form.SubmittedAt,
		ReviewedAt:     form.ReviewedAt,
		ReviewComments: form.ReviewComments,
		CreatedAt:      form.CreatedAt,
		UpdatedAt:      form.UpdatedAt,
	}
	if form.Reviewer != nil {
		info.ReviewedBy = form.Reviewer.Name
	}
	return info
}

// seedSections creates the fixed set of empty section rows for a new form.
func seedSections(txn *gorm.DB, formId uuid.UUID) error {
	rows := make([]schema.FormSection, 0, sections.Count)
	for _, key := range sections.Keys() {
		rows = append(rows, schema.FormSection{FormId: formId, Key: key, Data: "{}"})
	}
	result := txn.Create(&rows)
	if result.Error != nil {
		slog.Error("sql error seeding form sections", "form_id", formId, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	return nil
}

func (s *FormService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params struct {
		SchoolName string `json:"school_name"`
	}
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	schoolName := params.SchoolName
	if schoolName == "" {
		schoolName = user.SchoolName
	}
	if schoolName == "" {
		http.Error(w, "school name must be specified", http.StatusBadRequest)
		return
	}

	form := schema.FormSubmission{
		Id:             uuid.New(),
		UserId:         user.Id,
		CreatedBy:      user.Id,
		SchoolName:     schoolName,
		PrincipalName:  user.Name,
		PrincipalEmail: user.Email,
		Status:         schema.Draft,
		CurrentStep:    1,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		result := txn.Create(&form)
		if result.Error != nil {
			slog.Error("sql error creating form", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if err := seedSections(txn, form.Id); err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		return logActivity(txn, user.Id, "form_created", form.Id.String(), schoolName)
	})
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	formsCreated.Inc()
	slog.Info("created new plan", "form_id", form.Id, "school", schoolName, "user_id", user.Id)

	utils.WriteJsonResponse(w, formInfo(&form))
}

func (s *FormService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	query := s.db.Preload("Sections").Preload("Reviewer").Order("updated_at desc")

	if status := r.URL.Query().Get("status"); status != "" {
		if !schema.ValidStatus(status) {
			http.Error(w, fmt.Sprintf("invalid status filter %v", status), http.StatusBadRequest)
			return
		}
		query = query.Where("status = ?", status)
	}

	switch {
	case user.IsSuperAdmin():
		// No scoping.
	case user.IsAdmin():
		query = query.Where("school_name = ?", user.SchoolName)
	default:
		assignedIds, err := schema.GetAssignedFormIds(user.Id, s.db)
		if err != nil {
			http.Error(w, "error listing plans", http.StatusInternalServerError)
			return
		}
		query = query.Where("user_id = ? or id in ?", user.Id, assignedIds)
	}

	var forms []schema.FormSubmission
	result := query.Find(&forms)
	if result.Error != nil {
		slog.Error("sql error listing forms", "user_id", user.Id, "error", result.Error)
		http.Error(w, "error listing plans", http.StatusInternalServerError)
		return
	}

	infos := make([]FormInfo, 0, len(forms))
	for i := range forms {
		infos = append(infos, formInfo(&forms[i]))
	}

	utils.WriteJsonResponse(w, infos)
}

func (s *FormService) GetForm(w http.ResponseWriter, r *http.Request) {
	formId, err := utils.URLParamUUID(r, "form_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	form, err := schema.GetForm(formId, s.db, true, true)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(dbError(err)))
		return
	}

	sectionInfos := make([]SectionInfo, 0, len(form.Sections))
	for _, row := range form.Sections {
		step, ok := sections.StepNumber(row.Key)
		if !ok {
			continue
		}
		sectionInfos = append(sectionInfos, SectionInfo{
			Key:           row.Key,
			Step:          step,
			Title:         sections.Title(row.Key),
			Completed:     row.Completed,
			Data:          json.RawMessage(row.Data),
			StartedAt:     row.StartedAt,
			LastUpdated:   row.LastUpdated,
			TimeSpent:     row.TimeSpent,
			RevisionCount: row.RevisionCount,
		})
	}

	utils.WriteJsonResponse(w, struct {
		FormInfo
		Sections []SectionInfo `json:"sections"`
	}{FormInfo: formInfo(&form), Sections: sectionInfos})
}

type stepData struct {
	Completed bool            `json:"completed"`
	Data      json.RawMessage `json:"data"`
}

type updateFormRequest struct {
	Action string `json:"action"`

	// save_step
	Step        int       `json:"step,omitempty"`
	StepData    *stepData `json:"step_data,omitempty"`
	CurrentStep int       `json:"current_step,omitempty"`
	TimeSpent   int       `json:"time_spent,omitempty"`

	// submit
	FormData map[string]stepData `json:"form_data,omitempty"`

	// review
	Status   string `json:"status,omitempty"`
	Comments string `json:"comments,omitempty"`
}

func (s *FormService) Update(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	formId, err := utils.URLParamUUID(r, "form_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params updateFormRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	switch params.Action {
	case "save_step":
		s.saveStep(w, formId, user, &params)
	case "submit":
		s.submit(w, formId, user, &params)
	case "review":
		s.review(w, formId, user, &params)
	default:
		http.Error(w, fmt.Sprintf("invalid action %v, must be one of 'save_step', 'submit', or 'review'", params.Action), http.StatusUnprocessableEntity)
	}
}

// hasData reports whether a serialized section payload contains any answers.
// Whitespace and field order do not matter, only the presence of fields.
func hasData(data string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &fields); err == nil {
		return len(fields) > 0
	}
	var list []json.RawMessage
	if err := json.Unmarshal([]byte(data), &list); err == nil {
		return len(list) > 0
	}
	return false
}

func (s *FormService) saveStep(w http.ResponseWriter, formId uuid.UUID, user schema.User, params *updateFormRequest) {
	key, err := sections.KeyForStep(params.Step)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if params.StepData == nil {
		http.Error(w, "step_data must be specified for save_step", http.StatusBadRequest)
		return
	}

	newData := string(params.StepData.Data)
	if newData == "" {
		newData = "{}"
	}

	now := time.Now().UTC()

	var updated schema.FormSection

	err = s.db.Transaction(func(txn *gorm.DB) error {
		form, err := schema.GetForm(formId, txn, false, false)
		if err != nil {
			return dbError(err)
		}

		var section schema.FormSection
		result := txn.First(&section, "form_id = ? and key = ?", formId, key)
		if result.Error != nil {
			slog.Error("sql error loading form section", "form_id", formId, "key", key, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if section.StartedAt == nil {
			section.StartedAt = &now
		}
		if section.Data != newData {
			section.Data = newData
			section.LastUpdated = &now
			section.RevisionCount++
		}
		section.TimeSpent += params.TimeSpent
		section.Completed = params.StepData.Completed && hasData(newData)

		result = txn.Save(&section)
		if result.Error != nil {
			slog.Error("sql error saving form section", "form_id", formId, "key", key, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		formUpdates := map[string]interface{}{"updated_at": now}
		if params.CurrentStep >= 1 && params.CurrentStep <= sections.Count {
			formUpdates["current_step"] = params.CurrentStep
		}
		result = txn.Model(&form).Updates(formUpdates)
		if result.Error != nil {
			slog.Error("sql error updating form", "form_id", formId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		updated = section
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	stepsSaved.Inc()

	var rows []schema.FormSection
	result := s.db.Find(&rows, "form_id = ?", formId)
	if result.Error != nil {
		slog.Error("sql error loading form sections", "form_id", formId, "error", result.Error)
		http.Error(w, "error saving step", http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, struct {
		Step           int   `json:"step"`
		Completed      bool  `json:"completed"`
		CompletedSteps []int `json:"completed_steps"`
	}{Step: params.Step, Completed: updated.Completed, CompletedSteps: sections.CompletedSteps(rows)})
}

func (s *FormService) submit(w http.ResponseWriter, formId uuid.UUID, user schema.User, params *updateFormRequest) {
	err := s.db.Transaction(func(txn *gorm.DB) error {
		form, err := schema.GetForm(formId, txn, false, false)
		if err != nil {
			return dbError(err)
		}

		if form.UserId != user.Id && !user.IsAdmin() {
			return CodedError(errors.New("only the plan owner or an administrator can submit the plan"), http.StatusForbidden)
		}

		if form.Status != schema.Draft && form.Status != schema.Rejected {
			return CodedError(fmt.Errorf("plan cannot be submitted while its status is %v", form.Status), http.StatusUnprocessableEntity)
		}

		now := time.Now().UTC()

		// An optional full snapshot overwrites every section on submission.
		for key, data := range params.FormData {
			if _, ok := sections.StepNumber(key); !ok {
				return CodedError(fmt.Errorf("unknown section %v", key), http.StatusUnprocessableEntity)
			}
			newData := string(data.Data)
			if newData == "" {
				newData = "{}"
			}
			updates := map[string]interface{}{
				"data":         newData,
				"completed":    data.Completed && hasData(newData),
				"last_updated": now,
			}
			result := txn.Model(&schema.FormSection{}).Where("form_id = ? and key = ?", formId, key).Updates(updates)
			if result.Error != nil {
				slog.Error("sql error updating section on submit", "form_id", formId, "key", key, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		updates := map[string]interface{}{
			"status":       schema.Submitted,
			"submitted_at": now,
		}
		result := txn.Model(&form).Updates(updates)
		if result.Error != nil {
			slog.Error("sql error submitting form", "form_id", formId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return logActivity(txn, user.Id, "form_submitted", formId.String(), form.SchoolName)
	})
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	formsSubmitted.Inc()
	slog.Info("plan submitted for review", "form_id", formId, "user_id", user.Id)

	utils.WriteSuccess(w)
}

func (s *FormService) review(w http.ResponseWriter, formId uuid.UUID, user schema.User, params *updateFormRequest) {
	if !user.IsAdmin() {
		http.Error(w, "only administrators can review plans", http.StatusForbidden)
		return
	}

	if !schema.ReviewableStatus(params.Status) {
		http.Error(w, fmt.Sprintf("invalid review status %v, must be one of '%v', '%v', or '%v'", params.Status, schema.Approved, schema.Rejected, schema.UnderReview), http.StatusUnprocessableEntity)
		return
	}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		form, err := schema.GetForm(formId, txn, false, false)
		if err != nil {
			return dbError(err)
		}

		now := time.Now().UTC()

		updates := map[string]interface{}{
			"status":          params.Status,
			"reviewed_by":     user.Id,
			"reviewed_at":     now,
			"review_comments": params.Comments,
		}
		if params.Status == schema.Approved || params.Status == schema.Rejected {
			updates["notification_sent"] = true
			updates["notification_sent_at"] = now
		}

		result := txn.Model(&form).Updates(updates)
		if result.Error != nil {
			slog.Error("sql error reviewing form", "form_id", formId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return logActivity(txn, user.Id, "form_reviewed", formId.String(), params.Status)
	})
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	formsReviewed.Inc()
	slog.Info("plan reviewed", "form_id", formId, "status", params.Status, "reviewer", user.Id)

	utils.WriteSuccess(w)
}

func (s *FormService) Delete(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	formId, err := utils.URLParamUUID(r, "form_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		form, err := schema.GetForm(formId, txn, false, false)
		if err != nil {
			return dbError(err)
		}

		result := txn.Delete(&schema.FormAssignment{}, "form_id = ?", formId)
		if result.Error != nil {
			slog.Error("sql error deleting form assignments", "form_id", formId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		result = txn.Select("Sections", "Transfers").Delete(&form)
		if result.Error != nil {
			slog.Error("sql error deleting form", "form_id", formId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return logActivity(txn, user.Id, "form_deleted", formId.String(), form.SchoolName)
	})
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	slog.Info("plan deleted", "form_id", formId, "user_id", user.Id)

	utils.WriteSuccess(w)
}

type NotificationInfo struct {
	FormId         uuid.UUID  `json:"form_id"`
	SchoolName     string     `json:"school_name"`
	Status         string     `json:"status"`
	ReviewedBy     string     `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
	ReviewComments string     `json:"review_comments,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
}

func (s *FormService) Notifications(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var forms []schema.FormSubmission
	result := s.db.Preload("Reviewer").
		Where("user_id = ? and notification_sent = ? and status in ?", user.Id, true, []string{schema.Approved, schema.Rejected}).
		Order("reviewed_at desc").
		Limit(50).
		Find(&forms)
	if result.Error != nil {
		slog.Error("sql error listing notifications", "user_id", user.Id, "error", result.Error)
		http.Error(w, "error listing notifications", http.StatusInternalServerError)
		return
	}

	notifications := make([]NotificationInfo, 0, len(forms))
	for _, form := range forms {
		info := NotificationInfo{
			FormId:         form.Id,
			SchoolName:     form.SchoolName,
			Status:         form.Status,
			ReviewedAt:     form.ReviewedAt,
			ReviewComments: form.ReviewComments,
			SentAt:         form.NotificationSentAt,
		}
		if form.Reviewer != nil {
			info.ReviewedBy = form.Reviewer.Name
		}
		notifications = append(notifications, info)
	}

	utils.WriteJsonResponse(w, notifications)
}
