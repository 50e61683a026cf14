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

	"github.com/Nerzal/gocloak/v13"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const keycloakRealm = "SchoolPlan"

const keycloakClientId = "school-plan-login"

type KeycloakArgs struct {
	KeycloakServerUrl string `env:"KEYCLOAK_SERVER_URL"`

	KeycloakAdminUsername string `env:"KEYCLOAK_ADMIN_USER" envDefault:"kc-admin"`
	KeycloakAdminPassword string `env:"KEYCLOAK_ADMIN_PASSWORD"`

	SslLoginRequired bool `env:"SSL_LOGIN_REQUIRED" envDefault:"false"`

	PublicHostname string `env:"PUBLIC_HOSTNAME"`
}

// KeycloakIdentityProvider delegates credential storage and login to a
// keycloak realm. User records (level, school, activity) still live in our
// database; only users registered there may log in.
type KeycloakIdentityProvider struct {
	db *gorm.DB

	client *gocloak.GoCloak

	args KeycloakArgs

	allowedDomain string

	auditLog *AuditLogger
}

func pBool(b bool) *bool { return &b }

func pStr(s string) *string { return &s }

func isConflict(err error) bool {
	apiErr, ok := err.(*gocloak.APIError)
	return ok && apiErr.Code == http.StatusConflict
}

func NewKeycloakIdentityProvider(
	db *gorm.DB, args KeycloakArgs, allowedDomain string, auditLog *AuditLogger,
	adminName, adminEmail, adminPassword string,
) (*KeycloakIdentityProvider, error) {
	provider := &KeycloakIdentityProvider{
		db:            db,
		client:        gocloak.NewClient(args.KeycloakServerUrl),
		args:          args,
		allowedDomain: allowedDomain,
		auditLog:      auditLog,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	token, err := provider.adminLogin(ctx)
	if err != nil {
		return nil, err
	}

	if err := provider.createRealmIfNotExists(ctx, token); err != nil {
		return nil, err
	}

	if err := provider.createLoginClientIfNotExists(ctx, token); err != nil {
		return nil, err
	}

	adminId, err := provider.createKeycloakUserIfNotExists(ctx, token, adminEmail, adminPassword)
	if err != nil {
		return nil, err
	}

	if err := addInitialAdminToDb(db, adminId, adminName, adminEmail, nil); err != nil {
		return nil, err
	}

	return provider, nil
}

func (provider *KeycloakIdentityProvider) adminLogin(ctx context.Context) (string, error) {
	token, err := provider.client.LoginAdmin(ctx, provider.args.KeycloakAdminUsername, provider.args.KeycloakAdminPassword, "master")
	if err != nil {
		return "", fmt.Errorf("error logging into keycloak admin: %w", err)
	}
	return token.AccessToken, nil
}

func (provider *KeycloakIdentityProvider) createRealmIfNotExists(ctx context.Context, token string) error {
	_, err := provider.client.GetRealm(ctx, token, keycloakRealm)
	if err == nil {
		return nil
	}

	_, err = provider.client.CreateRealm(ctx, token, gocloak.RealmRepresentation{
		Realm:                pStr(keycloakRealm),
		Enabled:              pBool(true),
		RegistrationAllowed:  pBool(false),
		ResetPasswordAllowed: pBool(true),
		RememberMe:           pBool(true),
	})
	if err != nil && !isConflict(err) {
		return fmt.Errorf("error creating keycloak realm: %w", err)
	}

	slog.Info("created keycloak realm", "realm", keycloakRealm)
	return nil
}

func (provider *KeycloakIdentityProvider) createLoginClientIfNotExists(ctx context.Context, token string) error {
	clients, err := provider.client.GetClients(ctx, token, keycloakRealm, gocloak.GetClientsParams{ClientID: pStr(keycloakClientId)})
	if err != nil {
		return fmt.Errorf("error listing keycloak clients: %w", err)
	}
	if len(clients) > 0 {
		return nil
	}

	protocol := "http"
	if provider.args.SslLoginRequired {
		protocol = "https"
	}
	redirect := fmt.Sprintf("%s://%s/*", protocol, provider.args.PublicHostname)

	_, err = provider.client.CreateClient(ctx, token, keycloakRealm, gocloak.Client{
		ClientID:                  pStr(keycloakClientId),
		Enabled:                   pBool(true),
		PublicClient:              pBool(true),
		StandardFlowEnabled:       pBool(true),
		DirectAccessGrantsEnabled: pBool(true),
		RedirectURIs:              &[]string{redirect},
		WebOrigins:                &[]string{"+"},
	})
	if err != nil && !isConflict(err) {
		return fmt.Errorf("error creating keycloak client: %w", err)
	}

	slog.Info("created keycloak login client", "client_id", keycloakClientId)
	return nil
}

func (provider *KeycloakIdentityProvider) createKeycloakUserIfNotExists(ctx context.Context, token, email, password string) (uuid.UUID, error) {
	email = strings.ToLower(email)

	existing, err := provider.client.GetUsers(ctx, token, keycloakRealm, gocloak.GetUsersParams{Email: pStr(email), Exact: pBool(true)})
	if err != nil {
		return uuid.Nil, fmt.Errorf("error checking for existing keycloak user: %w", err)
	}
	if len(existing) > 0 {
		return uuid.Parse(*existing[0].ID)
	}

	id, err := provider.client.CreateUser(ctx, token, keycloakRealm, gocloak.User{
		Username:      pStr(email),
		Email:         pStr(email),
		Enabled:       pBool(true),
		EmailVerified: pBool(true),
		Credentials: &[]gocloak.CredentialRepresentation{{
			Type:      pStr("password"),
			Value:     pStr(password),
			Temporary: pBool(false),
		}},
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("error creating keycloak user: %w", err)
	}

	return uuid.Parse(id)
}

func getToken(r *http.Request) string {
	token := jwtauth.TokenFromHeader(r)
	if token == "" {
		token = jwtauth.TokenFromCookie(r)
	}
	return token
}

func (provider *KeycloakIdentityProvider) addUserToContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := getToken(r)
		if token == "" {
			http.Error(w, "missing access token", http.StatusUnauthorized)
			return
		}

		info, err := provider.client.GetUserInfo(r.Context(), token, keycloakRealm)
		if err != nil {
			http.Error(w, "invalid access token", http.StatusUnauthorized)
			return
		}
		if info.Email == nil {
			http.Error(w, "access token has no email", http.StatusUnauthorized)
			return
		}

		user, err := schema.GetUserByEmail(*info.Email, provider.db)
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				http.Error(w, "user is not registered", http.StatusUnauthorized)
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

func (provider *KeycloakIdentityProvider) AuthMiddleware() chi.Middlewares {
	return chi.Middlewares{provider.addUserToContext, provider.auditLog.Middleware}
}

func (provider *KeycloakIdentityProvider) AllowDirectLogin() bool {
	return false
}

func (provider *KeycloakIdentityProvider) LoginWithEmail(email, password string) (LoginResult, error) {
	return LoginResult{}, errors.New("direct login is not supported with keycloak, login via keycloak to get an access token")
}

func (provider *KeycloakIdentityProvider) LoginWithToken(accessToken string) (LoginResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := provider.client.GetUserInfo(ctx, accessToken, keycloakRealm)
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	if info.Email == nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	user, err := schema.GetUserByEmail(*info.Email, provider.db)
	if err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			return LoginResult{}, ErrUserNotFoundWithEmail
		}
		return LoginResult{}, err
	}

	if !user.IsActive {
		return LoginResult{}, ErrUserInactive
	}

	touchLastLogin(provider.db, user.Id)

	return LoginResult{UserId: user.Id, AccessToken: accessToken}, nil
}

func (provider *KeycloakIdentityProvider) RegisterUser(user *schema.User, password string) error {
	if err := CheckEmailDomain(user.Email, provider.allowedDomain); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := provider.adminLogin(ctx)
	if err != nil {
		return err
	}

	userId, err := provider.createKeycloakUserIfNotExists(ctx, token, user.Email, password)
	if err != nil {
		if isConflict(err) {
			return ErrEmailAlreadyInUse
		}
		return err
	}

	user.Id = userId
	user.Email = strings.ToLower(user.Email)

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

func (provider *KeycloakIdentityProvider) DeleteUser(userId uuid.UUID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := provider.adminLogin(ctx)
	if err != nil {
		return err
	}

	err = provider.client.DeleteUser(ctx, token, keycloakRealm, userId.String())
	if err != nil {
		return fmt.Errorf("error deleting keycloak user: %w", err)
	}

	return nil
}

func (provider *KeycloakIdentityProvider) GetTokenExpiration(r *http.Request) (time.Time, error) {
	token := getToken(r)
	if token == "" {
		return time.Time{}, errors.New("missing access token")
	}

	_, claims, err := provider.client.DecodeAccessToken(r.Context(), token, keycloakRealm)
	if err != nil {
		return time.Time{}, fmt.Errorf("error decoding access token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.New("access token has no expiration")
	}

	return exp.Time, nil
}
