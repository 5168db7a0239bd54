package auth_test

import (
	"fmt"
	"testing"

	"github.com/delosfi/debenture-api/internal/auth"
	"github.com/delosfi/debenture-api/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newService(t *testing.T) *auth.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return auth.NewService(db, "test-signing-secret")
}

func issuerRequest() auth.RegisterRequest {
	return auth.RegisterRequest{
		ParticipantID: "ISSUER-1",
		APIKey:        "issuer-key",
		APISecret:     "issuer-secret",
		Roles:         []string{auth.RoleIssuer, auth.RoleHolder},
	}
}

func TestRegisterParticipantValidation(t *testing.T) {
	s := newService(t)

	// Unknown role.
	bad := issuerRequest()
	bad.Roles = []string{"REGULATOR"}
	_, err := s.RegisterParticipant(bad)
	assert.ErrorIs(t, err, auth.ErrInvalidRole)

	// Empty role set.
	empty := issuerRequest()
	empty.Roles = nil
	_, err = s.RegisterParticipant(empty)
	assert.ErrorIs(t, err, auth.ErrMissingRole)

	participant, err := s.RegisterParticipant(issuerRequest())
	require.NoError(t, err)
	assert.Equal(t, "ISSUER-1", participant.ParticipantID)
	assert.Equal(t, []string{auth.RoleIssuer, auth.RoleHolder}, participant.RoleList())

	// API keys are unique.
	dup := issuerRequest()
	dup.ParticipantID = "ISSUER-2"
	_, err = s.RegisterParticipant(dup)
	assert.ErrorIs(t, err, auth.ErrDuplicateAPIKey)
}

func TestGenerateTokenCarriesParticipantIdentity(t *testing.T) {
	s := newService(t)
	_, err := s.RegisterParticipant(issuerRequest())
	require.NoError(t, err)

	token, err := s.GenerateToken(auth.Credentials{APIKey: "issuer-key", APISecret: "issuer-secret"})
	require.NoError(t, err)
	assert.Equal(t, "ISSUER-1", token.ParticipantID)

	claims, err := s.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, "ISSUER-1", claims.ParticipantID)
	assert.True(t, claims.HasRole(auth.RoleIssuer))
	assert.True(t, claims.HasRole(auth.RoleHolder))
	assert.False(t, claims.HasRole(auth.RoleAdmin))
}

func TestGenerateTokenRejectsBadCredentials(t *testing.T) {
	s := newService(t)
	_, err := s.RegisterParticipant(issuerRequest())
	require.NoError(t, err)

	_, err = s.GenerateToken(auth.Credentials{APIKey: "issuer-key", APISecret: "wrong"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = s.GenerateToken(auth.Credentials{APIKey: "unknown", APISecret: "issuer-secret"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	s := newService(t)
	_, err := s.RegisterParticipant(issuerRequest())
	require.NoError(t, err)
	token, err := s.GenerateToken(auth.Credentials{APIKey: "issuer-key", APISecret: "issuer-secret"})
	require.NoError(t, err)

	dsn := fmt.Sprintf("file:%s-other?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	other := auth.NewService(db, "different-secret")

	_, err = other.ValidateToken(token.Token)
	assert.Error(t, err)
}
