package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"schoolplan/plan_review/schema"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFoundWithEmail = errors.New("no user found for given email")
	ErrInvalidCredentials    = errors.New("invalid login credentials")
	ErrUserInactive          = errors.New("user account is deactivated")
	ErrGeneratingJwt         = errors.New("error generating jwt")
	ErrEmailAlreadyInUse     = errors.New("email is already in use")
	ErrEmailDomainNotAllowed = errors.New("email domain is not permitted")
)

type LoginResult struct {
	UserId      uuid.UUID
	AccessToken string
}

// IdentityProvider abstracts where login credentials live. The basic provider
// keeps bcrypt hashes on the user record; the keycloak provider delegates to
// an external realm. User records themselves (level, school, activity) are
// always managed in our database; there is no self-registration.
type IdentityProvider interface {
	AuthMiddleware() chi.Middlewares

	AllowDirectLogin() bool

	LoginWithEmail(email, password string) (LoginResult, error)

	LoginWithToken(accessToken string) (LoginResult, error)

	// RegisterUser stores credentials for a user created administratively and
	// persists the user record. The basic provider requires a password; the
	// keycloak provider assigns the user id from the realm.
	RegisterUser(user *schema.User, password string) error

	DeleteUser(userId uuid.UUID) error

	GetTokenExpiration(r *http.Request) (time.Time, error)
}

// CheckEmailDomain enforces the district-wide restriction on account emails.
// An empty allowed domain disables the check (used in tests).
func CheckEmailDomain(email, allowedDomain string) error {
	if allowedDomain == "" {
		return nil
	}
	if !strings.HasSuffix(strings.ToLower(email), strings.ToLower(allowedDomain)) {
		return fmt.Errorf("%w: email must end with %v", ErrEmailDomainNotAllowed, allowedDomain)
	}
	return nil
}

func addInitialAdminToDb(db *gorm.DB, userId uuid.UUID, name, email string, password []byte) error {
	user := schema.User{
		Id:       userId,
		Name:     name,
		Email:    strings.ToLower(email),
		Level:    schema.LevelSuperAdmin,
		IsActive: true,
	}
	if password != nil {
		user.Password = password
	}

	err := db.Transaction(func(txn *gorm.DB) error {
		var existingUser schema.User
		result := txn.Limit(1).Find(&existingUser, "id = ? or email = ?", userId, user.Email)
		if result.Error != nil {
			slog.Error("sql error checking if admin has already been added", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected == 0 {
			result := txn.Create(&user)
			if result.Error != nil {
				slog.Error("sql error creating initial admin user", "error", result.Error)
				return schema.ErrDbAccessFailed
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error adding initial admin to db: %w", err)
	}

	return nil
}

func touchLastLogin(db *gorm.DB, userId uuid.UUID) {
	result := db.Model(&schema.User{Id: userId}).Update("last_login", time.Now().UTC())
	if result.Error != nil {
		slog.Error("sql error updating last login", "user_id", userId, "error", result.Error)
	}
}

type requestContextKey string

const (
	UserRequestContextKey requestContextKey = "user"
)
