package auth

import (
	"fmt"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
)

type JwtManager struct {
	jwtAuth *jwtauth.JWTAuth
}

func NewJwtManager(secret []byte) JwtManager {
	return JwtManager{jwtAuth: jwtauth.New("HS256", secret, nil)}
}

const userIdKey = "user_id"

// Session tokens expire after a day, matching the session lifetime the
// frontend assumes.
const sessionDuration = 24 * time.Hour

func (m *JwtManager) CreateUserJwt(userId uuid.UUID) (string, error) {
	claims := map[string]interface{}{userIdKey: userId.String()}

	jwtauth.SetIssuedNow(claims)
	jwtauth.SetExpiryIn(claims, sessionDuration)

	_, token, err := m.jwtAuth.Encode(claims)
	if err != nil {
		return "", ErrGeneratingJwt
	}

	return token, nil
}

func (m *JwtManager) ParseUserJwt(token string) (uuid.UUID, error) {
	decoded, err := m.jwtAuth.Decode(token)
	if err != nil {
		return uuid.Nil, fmt.Errorf("error decoding jwt: %w", err)
	}

	claim, ok := decoded.Get(userIdKey)
	if !ok {
		return uuid.Nil, fmt.Errorf("missing %v claim in jwt", userIdKey)
	}

	userIdStr, ok := claim.(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("invalid %v claim in jwt", userIdKey)
	}

	userId, err := uuid.Parse(userIdStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user id in jwt: %w", err)
	}

	return userId, nil
}
