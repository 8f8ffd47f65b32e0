// Package identity resolves the caller of a request to either an
// authenticated user (JWT bearer) or an anonymous device.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/grouporder/internal/platform/errors"
	"github.com/louisbranch/grouporder/internal/platform/requestctx"
)

// DeviceHeader carries the anonymous device id.
const DeviceHeader = "X-Device-ID"

const maxDeviceIDLength = 128

// Claims are the accepted bearer token claims. Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Resolver turns request credentials into a requestctx.Caller.
type Resolver struct {
	secret []byte
	now    func() time.Time
}

// NewResolver builds a resolver. An empty secret disables bearer tokens so
// only device ids are accepted.
func NewResolver(secret string, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{secret: []byte(strings.TrimSpace(secret)), now: now}
}

// Resolve identifies the caller of r. A bearer token takes precedence over
// the device header; a request with neither is unauthenticated.
func (r *Resolver) Resolve(req *http.Request) (requestctx.Caller, error) {
	if header := strings.TrimSpace(req.Header.Get("Authorization")); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return requestctx.Caller{}, apperrors.New(apperrors.CodeUnauthenticated, "authorization must be a bearer token")
		}
		claims, err := r.Verify(strings.TrimSpace(token))
		if err != nil {
			return requestctx.Caller{}, err
		}
		return requestctx.Caller{UserID: claims.Subject, Role: claims.Role}, nil
	}

	device := strings.TrimSpace(req.Header.Get(DeviceHeader))
	if device == "" {
		return requestctx.Caller{}, apperrors.New(apperrors.CodeUnauthenticated, "bearer token or device id is required")
	}
	if len(device) > maxDeviceIDLength {
		return requestctx.Caller{}, apperrors.WithMetadata(apperrors.CodeUnauthenticated, "device id is too long",
			map[string]string{apperrors.MetaField: DeviceHeader})
	}
	return requestctx.Caller{DeviceID: device}, nil
}

// Verify checks an HS256 token and returns its claims.
func (r *Resolver) Verify(token string) (Claims, error) {
	if len(r.secret) == 0 {
		return Claims{}, apperrors.New(apperrors.CodeUnauthenticated, "bearer tokens are not accepted")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(r.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, apperrors.New(apperrors.CodeUnauthenticated, "token subject is required")
	}
	return claims, nil
}

// Sign issues an HS256 token for userID valid for ttl.
func (r *Resolver) Sign(userID, name string, ttl time.Duration) (string, error) {
	return r.sign(Claims{Name: name}, userID, ttl)
}

// SignFulfilment issues a token for a fulfilment service allowed to
// complete submitted orders.
func (r *Resolver) SignFulfilment(service string, ttl time.Duration) (string, error) {
	return r.sign(Claims{Role: requestctx.RoleFulfilment}, service, ttl)
}

func (r *Resolver) sign(claims Claims, subject string, ttl time.Duration) (string, error) {
	if len(r.secret) == 0 {
		return "", errors.New("signing secret is not configured")
	}
	now := r.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "token is expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "token signature is invalid", err)
	default:
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "token is invalid", err)
	}
}
