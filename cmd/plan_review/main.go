package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"schoolplan/plan_review/auth"
	"schoolplan/plan_review/schema"
	"schoolplan/plan_review/services"
	"schoolplan/plan_review/storage"
	"schoolplan/utils/logging"

	"github.com/caarlos0/env/v10"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type Config struct {
	DatabaseUri string `env:"DATABASE_URI,notEmpty"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:"0.0.0.0:8000"`

	LogDir   string `env:"LOG_DIR" envDefault:"logs"`
	ShareDir string `env:"SHARE_DIR" envDefault:"share"`

	IdentityProviderType string `env:"IDENTITY_PROVIDER" envDefault:"basic"`

	JwtSecret string `env:"JWT_SECRET"`

	AllowedEmailDomain string `env:"ALLOWED_EMAIL_DOMAIN" envDefault:"@schools.nyc.gov"`

	AdminName     string `env:"ADMIN_NAME,notEmpty"`
	AdminEmail    string `env:"ADMIN_EMAIL,notEmpty"`
	AdminPassword string `env:"ADMIN_PASSWORD,notEmpty"`

	Keycloak auth.KeycloakArgs

	MetricsSyncInterval time.Duration `env:"METRICS_SYNC_INTERVAL" envDefault:"2m"`
}

func openLogFile(dir, name string) *os.File {
	if err := os.MkdirAll(dir, 0777); err != nil {
		log.Fatalf("error creating log directory %v: %v", dir, err)
	}
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file %v: %v", name, err)
	}
	return file
}

func getIdentityProvider(config Config, db *gorm.DB, auditLog *auth.AuditLogger) auth.IdentityProvider {
	switch config.IdentityProviderType {
	case "basic":
		if config.JwtSecret == "" {
			log.Fatal("JWT_SECRET must be set when using the basic identity provider")
		}
		provider, err := auth.NewBasicIdentityProvider(
			db, []byte(config.JwtSecret), config.AllowedEmailDomain, auditLog,
			config.AdminName, config.AdminEmail, config.AdminPassword,
		)
		if err != nil {
			log.Fatalf("error initializing basic identity provider: %v", err)
		}
		return provider
	case "keycloak":
		provider, err := auth.NewKeycloakIdentityProvider(
			db, config.Keycloak, config.AllowedEmailDomain, auditLog,
			config.AdminName, config.AdminEmail, config.AdminPassword,
		)
		if err != nil {
			log.Fatalf("error initializing keycloak identity provider: %v", err)
		}
		return provider
	default:
		log.Fatalf("invalid identity provider %v, must be 'basic' or 'keycloak'", config.IdentityProviderType)
		return nil
	}
}

func main() {
	envFile := flag.String("env", "", "path to .env file to load")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("error loading env file %v: %v", *envFile, err)
		}
	}

	var config Config
	if err := env.Parse(&config); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	logFile := openLogFile(config.LogDir, "plan_review.log")
	defer logFile.Close()
	logging.Setup(logFile, "plan_review")

	auditFile := openLogFile(config.LogDir, "audit.log")
	defer auditFile.Close()
	auditLog := auth.NewAuditLogger(auditFile)

	db, err := gorm.Open(postgres.Open(config.DatabaseUri), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("error connecting to database: %v", err)
	}

	if err := db.AutoMigrate(schema.Tables()...); err != nil {
		log.Fatalf("error migrating database: %v", err)
	}

	identityProvider := getIdentityProvider(config, db, auditLog)

	store := storage.NewSharedDisk(config.ShareDir)

	planReview := services.NewPlanReview(db, store, identityProvider)

	go planReview.MetricsSync(config.MetricsSyncInterval)
	defer planReview.StopMetricsSync()

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Mount("/api/v1", planReview.Routes())

	slog.Info("starting plan review server", "addr", config.ListenAddr)

	server := &http.Server{
		Addr:    config.ListenAddr,
		Handler: r,
	}
	if err := server.ListenAndServe(); err != nil {
		log.Fatal(fmt.Errorf("server stopped: %w", err))
	}
}
