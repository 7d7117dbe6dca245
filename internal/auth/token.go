package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bconhub/hub/internal/envelope"
	"github.com/bconhub/hub/internal/herrors"
)

// adapterClaims is the payload expected on an adapter bearer token.
type adapterClaims struct {
	ServerID   string `json:"server_id"`
	ServerName string `json:"server_name,omitempty"`
	jwt.RegisteredClaims
}

// clientClaims is the payload expected on a client bearer token.
type clientClaims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager validates bearer tokens against one signing secret. The hub
// runs two independent instances, one per listener.
type TokenManager struct {
	secret []byte
	issuer string
}

// NewTokenManager constructs a validator for one listener's secret. issuer,
// if non-empty, is checked against the token's iss claim.
func NewTokenManager(secret, issuer string) *TokenManager {
	return &TokenManager{secret: []byte(secret), issuer: issuer}
}

// keyFunc verifies the signing method before returning the secret:
// accepting only HMAC rejects both the "none" algorithm attack and
// cross-algorithm substitution.
func (m *TokenManager) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return m.secret, nil
}

func (m *TokenManager) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	return opts
}

// classify maps a jwt parse error onto the closed set of validation
// failure kinds.
func classify(err error) *herrors.HubError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return herrors.ExpiredToken()
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return herrors.BadToken(err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return herrors.New(herrors.KindBadToken, "malformed token")
	default:
		return herrors.BadToken(err)
	}
}

// ValidateAdapter validates an adapter bearer token and returns an Adapter
// principal. Clock skew is not tolerated: an exp even a few seconds in the
// past is rejected, since the hub is not the token issuer.
func (m *TokenManager) ValidateAdapter(tokenString string) (Principal, *herrors.HubError) {
	claims := &adapterClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, m.keyFunc, m.parserOptions()...)
	if err != nil {
		return Principal{}, classify(err)
	}
	if !token.Valid {
		return Principal{}, herrors.New(herrors.KindBadToken, "token rejected")
	}
	if claims.ServerID == "" {
		return Principal{}, herrors.New(herrors.KindBadToken, "missing claim: server_id")
	}
	return Adapter(claims.ServerID, claims.ServerName), nil
}

// ValidateClient validates a client bearer token and returns a Client
// principal.
func (m *TokenManager) ValidateClient(tokenString string) (Principal, *herrors.HubError) {
	claims := &clientClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, m.keyFunc, m.parserOptions()...)
	if err != nil {
		return Principal{}, classify(err)
	}
	if !token.Valid {
		return Principal{}, herrors.New(herrors.KindBadToken, "token rejected")
	}
	if claims.UserID == "" {
		return Principal{}, herrors.New(herrors.KindBadToken, "missing claim: user_id")
	}
	role, ok := envelope.ParseRole(claims.Role)
	if !ok {
		return Principal{}, herrors.New(herrors.KindBadToken, "missing or invalid claim: role")
	}
	return Client(claims.UserID, claims.Name, role), nil
}

// IssueAdapter mints an adapter token. Used by tests and operator tooling
// that need to simulate a signed credential end to end.
func (m *TokenManager) IssueAdapter(serverID, serverName string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := adapterClaims{
		ServerID:   serverID,
		ServerName: serverName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// IssueClient mints a client token.
func (m *TokenManager) IssueClient(userID, name string, role envelope.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := clientClaims{
		UserID: userID,
		Name:   name,
		Role:   role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}
