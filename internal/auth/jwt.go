package auth

import (
    "errors"
    "fmt"
    "time"

    "github.com/golang-jwt/jwt/v5"
    "github.com/google/uuid"

    "github.com/tambula/esp-listener/internal/config"
    "github.com/tambula/esp-listener/pkg/crypto"
)

// ErrLoginDisabled is returned when no operator password is configured
var ErrLoginDisabled = errors.New("operator login disabled")

// JWTManager manages operator tokens
type JWTManager struct {
    config       *config.JWTConfig
    passwordHash string
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig, passwordHash string) *JWTManager {
    return &JWTManager{
        config:       cfg,
        passwordHash: passwordHash,
    }
}

// Claims represents JWT claims
type Claims struct {
    jwt.RegisteredClaims
    Role string `json:"role"`
}

// Enabled reports whether API requests must carry a token
func (m *JWTManager) Enabled() bool {
    return m.config.Secret != ""
}

// Login checks the operator password and issues an access token
func (m *JWTManager) Login(password string) (string, time.Time, error) {
    if m.passwordHash == "" || !m.Enabled() {
        return "", time.Time{}, ErrLoginDisabled
    }
    if !crypto.VerifyPassword(password, m.passwordHash) {
        return "", time.Time{}, errors.New("invalid credentials")
    }
    return m.GenerateToken("operator")
}

// GenerateToken generates an access token for subject
func (m *JWTManager) GenerateToken(subject string) (string, time.Time, error) {
    now := time.Now()
    expires := now.Add(m.config.AccessTokenTTL)

    claims := Claims{
        RegisteredClaims: jwt.RegisteredClaims{
            Subject:   subject,
            ExpiresAt: jwt.NewNumericDate(expires),
            IssuedAt:  jwt.NewNumericDate(now),
            NotBefore: jwt.NewNumericDate(now),
            Issuer:    "esp-listener",
            ID:        uuid.New().String(),
        },
        Role: "operator",
    }

    token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
    signed, err := token.SignedString([]byte(m.config.Secret))
    if err != nil {
        return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
    }

    return signed, expires, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
    token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
        if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
            return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
        }
        return []byte(m.config.Secret), nil
    })

    if err != nil {
        return nil, err
    }

    claims, ok := token.Claims.(*Claims)
    if !ok || !token.Valid {
        return nil, fmt.Errorf("invalid token")
    }

    return claims, nil
}
