package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"schoolplan/plan_review/schema"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// BasicIdentityProvider implements logins against bcrypt hashes stored on the
// user records, issuing HS256 session tokens.
type BasicIdentityProvider struct {
	db *gorm.DB

	jwtManager JwtManager

	allowedDomain string

	auditLog *AuditLogger
}

func NewBasicIdentityProvider(
	db *gorm.DB, secret []byte, allowedDomain string, auditLog *AuditLogger,
	adminName, adminEmail, adminPassword string,
) (*BasicIdentityProvider, error) {
	hashedPassword, err := HashPassword(adminPassword)
	if err != nil {
		return nil, fmt.Errorf("error initializing identity provider: %w", err)
	}

	err = addInitialAdminToDb(db, uuid.New(), adminName, adminEmail, hashedPassword)
	if err != nil {
		return nil, fmt.Errorf("error initializing identity provider: %w", err)
	}

	return &BasicIdentityProvider{
		db:            db,
		jwtManager:    NewJwtManager(secret),
		allowedDomain: allowedDomain,
		auditLog:      auditLog,
	}, nil
}

func HashPassword(password string) ([]byte, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	if err != nil {
		slog.Error("error hashing user password", "error", err)
		return nil, errors.New("error hashing user password")
	}
	return hashed, nil
}

func (provider *BasicIdentityProvider) addUserToContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, claims, err := jwtauth.FromContext(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("error getting token claims: %v", err), http.StatusUnauthorized)
			return
		}

		userIdClaim, ok := claims[userIdKey]
		if !ok {
			http.Error(w, fmt.Sprintf("missing %v claim in jwt", userIdKey), http.StatusUnauthorized)
			return
		}

		userIdStr, ok := userIdClaim.(string)
		if !ok {
			http.Error(w, fmt.Sprintf("invalid %v claim in jwt", userIdKey), http.StatusUnauthorized)
			return
		}

		userId, err := uuid.Parse(userIdStr)
		if err != nil {
			http.Error(w, "invalid user id in jwt", http.StatusUnauthorized)
			return
		}

		user, err := schema.GetUser(userId, provider.db)
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				http.Error(w, "user not found", http.StatusUnauthorized)
			} else {
				http.Error(w, "error validating user", http.StatusInternalServerError)
			}
			return
		}

		if !user.IsActive {
			http.Error(w, "user account is deactivated", http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), UserRequestContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (provider *BasicIdentityProvider) AuthMiddleware() chi.Middlewares {
	return chi.Middlewares{
		jwtauth.Verifier(provider.jwtManager.jwtAuth),
		jwtauth.Authenticator(provider.jwtManager.jwtAuth),
		provider.addUserToContext,
		provider.auditLog.Middleware,
	}
}

func (provider *BasicIdentityProvider) AllowDirectLogin() bool {
	return true
}

func (provider *BasicIdentityProvider) LoginWithEmail(email, password string) (LoginResult, error) {
	user, err := schema.GetUserByEmail(email, provider.db)
	if err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			return LoginResult{}, ErrUserNotFoundWithEmail
		}
		return LoginResult{}, err
	}

	err = bcrypt.CompareHashAndPassword(user.Password, []byte(password))
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	if !user.IsActive {
		return LoginResult{}, ErrUserInactive
	}

	token, err := provider.jwtManager.CreateUserJwt(user.Id)
	if err != nil {
		return LoginResult{}, err
	}

	touchLastLogin(provider.db, user.Id)

	return LoginResult{UserId: user.Id, AccessToken: token}, nil
}

func (provider *BasicIdentityProvider) LoginWithToken(accessToken string) (LoginResult, error) {
	userId, err := provider.jwtManager.ParseUserJwt(accessToken)
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	user, err := schema.GetUser(userId, provider.db)
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	if !user.IsActive {
		return LoginResult{}, ErrUserInactive
	}

	return LoginResult{UserId: user.Id, AccessToken: accessToken}, nil
}

func (provider *BasicIdentityProvider) RegisterUser(user *schema.User, password string) error {
	if err := CheckEmailDomain(user.Email, provider.allowedDomain); err != nil {
		return err
	}

	hashedPassword, err := HashPassword(password)
	if err != nil {
		return err
	}

	user.Email = strings.ToLower(user.Email)
	user.Password = hashedPassword
	if user.Id == uuid.Nil {
		user.Id = uuid.New()
	}

	result := provider.db.Create(user)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrEmailAlreadyInUse
		}
		slog.Error("sql error creating user", "error", result.Error)
		return schema.ErrDbAccessFailed
	}

	return nil
}

func (provider *BasicIdentityProvider) DeleteUser(userId uuid.UUID) error {
	// Credentials live on the user record, nothing external to clean up.
	return nil
}

func (provider *BasicIdentityProvider) GetTokenExpiration(r *http.Request) (time.Time, error) {
	token, _, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return time.Time{}, fmt.Errorf("error getting token from request: %w", err)
	}
	return token.Expiration(), nil
}
