package tests

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"schoolplan/plan_review/auth"
	"schoolplan/plan_review/schema"
	"schoolplan/plan_review/services"
	"schoolplan/plan_review/storage"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	planReview services.PlanReview
	api        chi.Router
	storage    storage.Storage
	db         *gorm.DB
}

const (
	adminName     = "District Admin"
	adminEmail    = "admin@mail.com"
	adminPassword = "admin_password123"
)

func setupTestEnv(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatal(err)
	}

	err = db.AutoMigrate(schema.Tables()...)
	if err != nil {
		t.Fatal(err)
	}

	storagePath := filepath.Join(t.TempDir(), "/storage")
	err = os.MkdirAll(storagePath, 0777)
	if err != nil {
		t.Fatalf("error creating storage directory: %v", err)
	}
	store := storage.NewSharedDisk(storagePath)

	secret := []byte("290zcv02ai249")

	userAuth, err := auth.NewBasicIdentityProvider(
		db, secret, "", auth.NewAuditLogger(new(bytes.Buffer)),
		adminName, adminEmail, adminPassword,
	)
	if err != nil {
		t.Fatal(err)
	}

	planReview := services.NewPlanReview(db, store, userAuth)

	return &testEnv{planReview: planReview, api: planReview.Routes(), storage: store, db: db}
}

func (t *testEnv) newClient() client {
	return client{api: t.api}
}

func (t *testEnv) adminClient() (client, error) {
	c := t.newClient()
	err := c.login(loginInfo{Email: adminEmail, Password: adminPassword})
	return c, err
}

// newUser creates a user through the admin api and returns a logged in
// client for them.
func (t *testEnv) newUser(name string, level int, school string) (client, error) {
	admin, err := t.adminClient()
	if err != nil {
		return client{}, err
	}

	email := name + "@mail.com"
	password := name + "_password"

	err = admin.createUser(name, email, password, level, school)
	if err != nil {
		return client{}, err
	}

	c := t.newClient()
	err = c.login(loginInfo{Email: email, Password: password})
	if err != nil {
		return client{}, fmt.Errorf("error logging in as %v: %w", email, err)
	}

	return c, nil
}
