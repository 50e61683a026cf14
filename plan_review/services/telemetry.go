package services

import (
	"log/slog"
	"net/http"

	"schoolplan/plan_review/auth"
	"schoolplan/plan_review/schema"
	"schoolplan/utils"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

var (
	formsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plan_review_forms_created_total",
		Help: "Number of plans created.",
	})

	stepsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plan_review_steps_saved_total",
		Help: "Number of plan section saves.",
	})

	formsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plan_review_forms_submitted_total",
		Help: "Number of plans submitted for review.",
	})

	formsReviewed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plan_review_forms_reviewed_total",
		Help: "Number of review decisions recorded.",
	})

	formsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plan_review_forms_by_status",
		Help: "Current number of plans in each status.",
	}, []string{"status"})
)

type TelemetryService struct {
	db *gorm.DB

	userAuth chi.Middlewares
}

func (s *TelemetryService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth...)
		r.With(auth.AdminOnly()).Get("/summary", s.Summary)
	})

	return r
}

func statusCounts(db *gorm.DB) (map[string]int, error) {
	var counts []struct {
		Status string
		Count  int
	}
	result := db.Model(&schema.FormSubmission{}).Select("status, count(*) as count").Group("status").Find(&counts)
	if result.Error != nil {
		slog.Error("sql error counting forms by status", "error", result.Error)
		return nil, schema.ErrDbAccessFailed
	}

	byStatus := make(map[string]int, len(counts))
	for _, count := range counts {
		byStatus[count.Status] = count.Count
	}
	return byStatus, nil
}

// SyncStatusGauges refreshes the per status gauges from the database. Called
// periodically, reads only.
func SyncStatusGauges(db *gorm.DB) error {
	byStatus, err := statusCounts(db)
	if err != nil {
		return err
	}

	for _, status := range []string{schema.Draft, schema.Submitted, schema.UnderReview, schema.Approved, schema.Rejected} {
		formsByStatus.WithLabelValues(status).Set(float64(byStatus[status]))
	}
	return nil
}

func (s *TelemetryService) Summary(w http.ResponseWriter, r *http.Request) {
	byStatus, err := statusCounts(s.db)
	if err != nil {
		http.Error(w, "error computing status summary", http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, byStatus)
}
