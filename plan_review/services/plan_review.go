package services

import (
	"log/slog"
	"net/http"
	"time"

	"schoolplan/plan_review/auth"
	"schoolplan/plan_review/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

// PlanReview bundles the api services behind a single router.
type PlanReview struct {
	db *gorm.DB

	formService      FormService
	userService      UserService
	collabService    CollaborationService
	reportService    ReportService
	telemetryService TelemetryService

	stopMetricsSync chan bool
}

func NewPlanReview(db *gorm.DB, store storage.Storage, identityProvider auth.IdentityProvider) PlanReview {
	userAuth := identityProvider.AuthMiddleware()

	return PlanReview{
		db: db,
		formService: FormService{
			db: db, userAuth: userAuth,
		},
		userService: UserService{
			db: db, identityProvider: identityProvider, userAuth: userAuth,
		},
		collabService: CollaborationService{
			db: db, userAuth: userAuth,
		},
		reportService: ReportService{
			db: db, storage: store, userAuth: userAuth,
		},
		telemetryService: TelemetryService{
			db: db, userAuth: userAuth,
		},
		stopMetricsSync: make(chan bool),
	}
}

func (p *PlanReview) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Mount("/form", p.formService.Routes())
	r.Mount("/user", p.userService.Routes())
	r.Mount("/collab", p.collabService.Routes())
	r.Mount("/report", p.reportService.Routes())
	r.Mount("/telemetry", p.telemetryService.Routes())

	return r
}

// MetricsSync periodically refreshes the status gauges from the database.
// It only reads, all writes stay on the request path.
func (p *PlanReview) MetricsSync(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := SyncStatusGauges(p.db); err != nil {
				slog.Error("error syncing status metrics", "error", err)
			}
		case <-p.stopMetricsSync:
			slog.Info("stopping metrics sync")
			return
		}
	}
}

func (p *PlanReview) StopMetricsSync() {
	p.stopMetricsSync <- true
}
