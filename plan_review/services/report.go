package services

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"schoolplan/plan_review/auth"
	"schoolplan/plan_review/schema"
	"schoolplan/plan_review/sections"
	"schoolplan/plan_review/storage"
	"schoolplan/utils"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

type ReportService struct {
	db *gorm.DB

	storage storage.Storage

	userAuth chi.Middlewares
}

func (s *ReportService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth...)
		r.Use(auth.AdminOnly())

		r.Post("/submissions", s.Submissions)
		r.Get("/timeline", s.Timeline)
		r.Get("/principals", s.Principals)
	})

	return r
}

const dateFormat = "2006-01-02"

// Exports are skipped, not failed, when the shared disk runs low.
const minExportFreeBytes = 100 << 20

type SubmissionRow struct {
	SchoolName      string     `json:"school_name"`
	PrincipalName   string     `json:"principal_name"`
	PrincipalEmail  string     `json:"principal_email"`
	Status          string     `json:"status"`
	ProgressPercent int        `json:"progress_percent"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func submissionsCsv(rows []SubmissionRow) ([]byte, error) {
	var buffer bytes.Buffer
	writer := csv.NewWriter(&buffer)

	header := []string{"school_name", "principal_name", "principal_email", "status", "progress_percent", "submitted_at", "reviewed_at", "created_at"}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("error writing csv header: %w", err)
	}

	for _, row := range rows {
		record := []string{
			row.SchoolName, row.PrincipalName, row.PrincipalEmail, row.Status,
			strconv.Itoa(row.ProgressPercent), formatTime(row.SubmittedAt),
			formatTime(row.ReviewedAt), row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("error writing csv row: %w", err)
		}
	}

	writer.Flush()
	return buffer.Bytes(), writer.Error()
}

// saveExportCopy keeps a copy of each generated report on the shared disk so
// district staff can pull them without re-running the export.
func (s *ReportService) saveExportCopy(schoolName string, data []byte) {
	stats, err := s.storage.Usage()
	if err != nil {
		slog.Error("error checking storage usage before export copy", "error", err)
		return
	}
	if stats.FreeBytes < minExportFreeBytes {
		slog.Warn("skipping export copy, shared disk is low on space", "free_bytes", stats.FreeBytes)
		return
	}

	if schoolName == "" {
		schoolName = "all"
	}
	path := fmt.Sprintf("%s/submissions_%s.csv", storage.ExportPath(schoolName), time.Now().UTC().Format("20060102_150405"))

	if err := s.storage.Write(path, bytes.NewReader(data)); err != nil {
		slog.Error("error writing export copy", "path", path, "error", err)
		return
	}

	slog.Info("saved submissions export", "path", path)
}

func (s *ReportService) Submissions(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params struct {
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
		Status    string `json:"status"`
		Format    string `json:"format"`
	}
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Format == "" {
		params.Format = "csv"
	}
	if params.Format != "csv" && params.Format != "json" {
		http.Error(w, fmt.Sprintf("invalid format %v, must be 'csv' or 'json'", params.Format), http.StatusBadRequest)
		return
	}

	query := s.db.Preload("Sections").Order("created_at desc")

	if !user.IsSuperAdmin() {
		query = query.Where("school_name = ?", user.SchoolName)
	}
	if params.Status != "" {
		if !schema.ValidStatus(params.Status) {
			http.Error(w, fmt.Sprintf("invalid status filter %v", params.Status), http.StatusBadRequest)
			return
		}
		query = query.Where("status = ?", params.Status)
	}
	if params.StartDate != "" {
		start, err := time.Parse(dateFormat, params.StartDate)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid start date %v, expected YYYY-MM-DD", params.StartDate), http.StatusBadRequest)
			return
		}
		query = query.Where("created_at >= ?", start)
	}
	if params.EndDate != "" {
		end, err := time.Parse(dateFormat, params.EndDate)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid end date %v, expected YYYY-MM-DD", params.EndDate), http.StatusBadRequest)
			return
		}
		query = query.Where("created_at < ?", end.AddDate(0, 0, 1))
	}

	var forms []schema.FormSubmission
	result := query.Find(&forms)
	if result.Error != nil {
		slog.Error("sql error exporting submissions", "error", result.Error)
		http.Error(w, "error exporting submissions", http.StatusInternalServerError)
		return
	}

	rows := make([]SubmissionRow, 0, len(forms))
	for _, form := range forms {
		completed := len(sections.CompletedSteps(form.Sections))
		rows = append(rows, SubmissionRow{
			SchoolName:      form.SchoolName,
			PrincipalName:   form.PrincipalName,
			PrincipalEmail:  form.PrincipalEmail,
			Status:          form.Status,
			ProgressPercent: completed * 100 / sections.Count,
			SubmittedAt:     form.SubmittedAt,
			ReviewedAt:      form.ReviewedAt,
			CreatedAt:       form.CreatedAt,
		})
	}

	if params.Format == "json" {
		utils.WriteJsonResponse(w, rows)
		return
	}

	data, err := submissionsCsv(rows)
	if err != nil {
		slog.Error("error generating submissions csv", "error", err)
		http.Error(w, "error exporting submissions", http.StatusInternalServerError)
		return
	}

	scope := ""
	if !user.IsSuperAdmin() {
		scope = user.SchoolName
	}
	s.saveExportCopy(scope, data)

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=submissions.csv")
	if _, err := w.Write(data); err != nil {
		slog.Error("error writing csv response", "error", err)
	}
}

var timelineOffsets = []int{30, 20, 10, 0}

type TimelineCheckpoint struct {
	Date         string         `json:"date"`
	DaysAgo      int            `json:"days_ago"`
	StatusCounts map[string]int `json:"status_counts"`
	Total        int            `json:"total"`
}

func (s *ReportService) Timeline(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	now := time.Now().UTC()

	checkpoints := make([]TimelineCheckpoint, 0, len(timelineOffsets))
	for _, daysAgo := range timelineOffsets {
		cutoff := now.AddDate(0, 0, -daysAgo)

		query := s.db.Model(&schema.FormSubmission{}).Where("created_at <= ?", cutoff)
		if !user.IsSuperAdmin() {
			query = query.Where("school_name = ?", user.SchoolName)
		}

		var counts []struct {
			Status string
			Count  int
		}
		result := query.Select("status, count(*) as count").Group("status").Find(&counts)
		if result.Error != nil {
			slog.Error("sql error computing submission timeline", "error", result.Error)
			http.Error(w, "error computing submission timeline", http.StatusInternalServerError)
			return
		}

		checkpoint := TimelineCheckpoint{
			Date:         cutoff.Format(dateFormat),
			DaysAgo:      daysAgo,
			StatusCounts: make(map[string]int, len(counts)),
		}
		for _, count := range counts {
			checkpoint.StatusCounts[count.Status] = count.Count
			checkpoint.Total += count.Count
		}
		checkpoints = append(checkpoints, checkpoint)
	}

	utils.WriteJsonResponse(w, checkpoints)
}

func (s *ReportService) Principals(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	query := s.db.Where("level = ? and is_active = ?", schema.LevelPrincipal, true).Order("name asc").Limit(50)
	if !user.IsSuperAdmin() {
		query = query.Where("school_name = ?", user.SchoolName)
	}

	var principals []schema.User
	result := query.Find(&principals)
	if result.Error != nil {
		slog.Error("sql error listing principals", "error", result.Error)
		http.Error(w, "error listing principals", http.StatusInternalServerError)
		return
	}

	infos := make([]UserInfo, 0, len(principals))
	for i := range principals {
		infos = append(infos, userInfo(&principals[i]))
	}

	utils.WriteJsonResponse(w, infos)
}
