package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceTokenTTL is how long a device token stays valid.
const DeviceTokenTTL = 24 * time.Hour

// JWTClaims represents the claims in our JWT token
type JWTClaims struct {
	DeviceID string `json:"device_id"`
	Role     string `json:"role"` // "device"
	jwt.RegisteredClaims
}

// Service signs and validates device tokens with a shared HMAC secret.
type Service struct {
	secret []byte
}

// NewService creates a token service. The secret must not be empty.
func NewService(secret string) (*Service, error) {
	if secret == "" {
		return nil, errors.New("jwt secret cannot be empty")
	}
	return &Service{secret: []byte(secret)}, nil
}

// GenerateDeviceToken generates a JWT token for device authentication
func (s *Service) GenerateDeviceToken(deviceID string) (string, time.Time, error) {
	expiresAt := time.Now().Add(DeviceTokenTTL)
	claims := &JWTClaims{
		DeviceID: deviceID,
		Role:     "device",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}
