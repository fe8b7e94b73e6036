package auth

import (
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/tambula/esp-listener/internal/config"
    "github.com/tambula/esp-listener/pkg/crypto"
)

func TestLoginAndValidate(t *testing.T) {
    hash, err := crypto.HashPassword("hunter2")
    require.NoError(t, err)

    m := NewJWTManager(&config.JWTConfig{Secret: "s3cret", AccessTokenTTL: time.Hour}, hash)
    require.True(t, m.Enabled())

    _, _, err = m.Login("wrong")
    assert.Error(t, err)

    token, expires, err := m.Login("hunter2")
    require.NoError(t, err)
    assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

    claims, err := m.ValidateToken(token)
    require.NoError(t, err)
    assert.Equal(t, "operator", claims.Subject)
    assert.Equal(t, "operator", claims.Role)
}

func TestValidateRejectsForeignSecret(t *testing.T) {
    a := NewJWTManager(&config.JWTConfig{Secret: "a", AccessTokenTTL: time.Hour}, "")
    b := NewJWTManager(&config.JWTConfig{Secret: "b", AccessTokenTTL: time.Hour}, "")

    token, _, err := a.GenerateToken("operator")
    require.NoError(t, err)

    _, err = b.ValidateToken(token)
    assert.Error(t, err)
}

func TestLoginDisabled(t *testing.T) {
    m := NewJWTManager(&config.JWTConfig{Secret: "a"}, "")
    _, _, err := m.Login("anything")
    assert.ErrorIs(t, err, ErrLoginDisabled)
}
