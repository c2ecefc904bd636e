package remote

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// deviceClaims is the token body the store expects from device clients.
type deviceClaims struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// TokenSource mints short-lived HS256 device tokens and refreshes them
// before expiry. The shared secret is provisioned during device
// registration, outside this library.
type TokenSource struct {
	secret   []byte
	deviceID string
	userID   string
	lifetime time.Duration
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewTokenSource(secret, deviceID, userID string, lifetime time.Duration) (*TokenSource, error) {
	secret = strings.TrimSpace(secret)
	deviceID = strings.TrimSpace(deviceID)
	if secret == "" || deviceID == "" {
		return nil, errors.New("token source requires a secret and a device id")
	}
	if lifetime <= 0 {
		lifetime = 15 * time.Minute
	}
	return &TokenSource{
		secret:   []byte(secret),
		deviceID: deviceID,
		userID:   strings.TrimSpace(userID),
		lifetime: lifetime,
		now:      time.Now,
	}, nil
}

// Token returns a signed token, reusing the cached one until it is
// within a minute of expiry.
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.token != "" && now.Before(s.expires.Add(-time.Minute)) {
		return s.token, nil
	}
	expires := now.Add(s.lifetime)
	claims := &deviceClaims{
		DeviceID: s.deviceID,
		UserID:   s.userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expires = expires
	return token, nil
}

// Verify parses and validates a device token. The client itself never
// verifies; this exists for tests standing in for the server.
func Verify(secret, token string) (deviceID string, err error) {
	parsed, err := jwt.ParseWithClaims(token, &deviceClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*deviceClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid token claims")
	}
	return claims.DeviceID, nil
}
