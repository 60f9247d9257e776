package collabkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"golang.org/x/exp/slices"
)

var ErrAuthenticationFailed = errors.New("authentication failed")

// Principal is an authenticated identity.
type Principal struct {
	UserId   string
	Name     string
	Email    string
	Roles    []string
	Metadata map[string]any
}

func (self *Principal) HasRole(role string) bool {
	return slices.Contains(self.Roles, role)
}

func (self *Principal) User() *User {
	return &User{
		Id:       self.UserId,
		Name:     self.Name,
		Metadata: self.Metadata,
	}
}

// AuthProvider turns a bearer token into a principal.
type AuthProvider interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// NoAuth accepts any non-empty token and derives an anonymous
// identity from it. Development only.
type NoAuth struct {
}

func NewNoAuth() *NoAuth {
	return &NoAuth{}
}

func (self *NoAuth) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		token = uuid.NewString()
	}
	name := token
	if 8 < len(name) {
		name = name[:8]
	}
	return &Principal{
		UserId:   token,
		Name:     fmt.Sprintf("User %s", name),
		Metadata: map[string]any{},
	}, nil
}

// JwtAuthProvider verifies HS256 tokens. Expected claims:
// sub (user id, required), name, email, roles, metadata, exp, iat.
type JwtAuthProvider struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

func NewJwtAuthProvider(secret string) *JwtAuthProvider {
	return &JwtAuthProvider{
		secret: []byte(secret),
	}
}

func NewJwtAuthProviderWithClaims(secret string, issuer string, audience string, leeway time.Duration) *JwtAuthProvider {
	return &JwtAuthProvider{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
	}
}

func (self *JwtAuthProvider) Authenticate(ctx context.Context, token string) (*Principal, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if self.issuer != "" {
		options = append(options, jwt.WithIssuer(self.issuer))
	}
	if self.audience != "" {
		options = append(options, jwt.WithAudience(self.audience))
	}
	if 0 < self.leeway {
		options = append(options, jwt.WithLeeway(self.leeway))
	}

	claims := jwt.MapClaims{}
	parsedToken, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return self.secret, nil
	}, options...)
	if err != nil || !parsedToken.Valid {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	userId, ok := claims["sub"].(string)
	if !ok || userId == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrAuthenticationFailed)
	}

	principal := &Principal{
		UserId:   userId,
		Name:     fmt.Sprintf("User %s", userId),
		Metadata: map[string]any{},
	}
	if name, ok := claims["name"].(string); ok {
		principal.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		principal.Email = email
	}
	if roles, ok := claims["roles"].([]any); ok {
		for _, role := range roles {
			if roleStr, ok := role.(string); ok {
				principal.Roles = append(principal.Roles, roleStr)
			}
		}
	}
	if metadata, ok := claims["metadata"].(map[string]any); ok {
		if err := CheckValue(metadata); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		principal.Metadata = metadata
	}
	return principal, nil
}

// CreateToken signs a token for a user. Test and development helper;
// production tokens come from the caller's auth service.
func (self *JwtAuthProvider) CreateToken(userId string, name string, roles []string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userId,
		"name": name,
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}
	if 0 < len(roles) {
		claims["roles"] = roles
	}
	if self.issuer != "" {
		claims["iss"] = self.issuer
	}
	if self.audience != "" {
		claims["aud"] = self.audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(self.secret)
}
