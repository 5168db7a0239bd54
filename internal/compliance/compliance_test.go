package compliance_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/delosfi/debenture-api/internal/compliance"
	"github.com/delosfi/debenture-api/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const instrumentID = "DEB_TEST"

func newTestService(t *testing.T) *compliance.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return compliance.NewService(db)
}

func check(from, to string) compliance.TransferCheck {
	return compliance.TransferCheck{From: from, To: to, Now: time.Now()}
}

func TestRegistryLifecycle(t *testing.T) {
	s := newTestService(t)

	_, err := s.GetRegistry(instrumentID)
	assert.ErrorIs(t, err, compliance.ErrRegistryNotFound)

	_, err = s.CreateRegistry(instrumentID, time.Time{})
	require.NoError(t, err)

	_, err = s.CreateRegistry(instrumentID, time.Time{})
	assert.ErrorIs(t, err, compliance.ErrRegistryExists)
}

func TestEvaluateDecisionOrder(t *testing.T) {
	s := newTestService(t)
	lockUpEnd := time.Now().Add(30 * 24 * time.Hour)
	_, err := s.CreateRegistry(instrumentID, lockUpEnd)
	require.NoError(t, err)
	require.NoError(t, s.AddMembers(instrumentID, compliance.ListWhitelist, []string{"A", "B"}))

	// Lock-up binds a non-exempt sender even when both parties are eligible.
	decision, err := s.Evaluate(instrumentID, check("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, compliance.DecisionLockedUp, decision)

	// An exempt sender passes.
	exempt := check("A", "B")
	exempt.SenderExempt = true
	decision, err = s.Evaluate(instrumentID, exempt)
	require.NoError(t, err)
	assert.Equal(t, compliance.DecisionAllowed, decision)

	// Whitelist outranks lock-up in the decision order.
	decision, err = s.Evaluate(instrumentID, check("A", "C"))
	require.NoError(t, err)
	assert.Equal(t, compliance.DecisionNotWhitelisted, decision)

	// Blacklist outranks whitelist, either direction.
	require.NoError(t, s.AddMembers(instrumentID, compliance.ListBlacklist, []string{"B"}))
	decision, err = s.Evaluate(instrumentID, check("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, compliance.DecisionBlacklisted, decision)
	decision, err = s.Evaluate(instrumentID, check("B", "A"))
	require.NoError(t, err)
	assert.Equal(t, compliance.DecisionBlacklisted, decision)

	// Pause shadows every other rule.
	_, err = s.SetPaused(instrumentID, true)
	require.NoError(t, err)
	decision, err = s.Evaluate(instrumentID, check("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, compliance.DecisionPaused, decision)
}

func TestAddMembersIsIdempotent(t *testing.T) {
	s := newTestService(t)
	_, err := s.CreateRegistry(instrumentID, time.Time{})
	require.NoError(t, err)

	require.NoError(t, s.AddMembers(instrumentID, compliance.ListWhitelist, []string{"A", "B"}))
	require.NoError(t, s.AddMembers(instrumentID, compliance.ListWhitelist, []string{"B", "C"}))

	members, err := s.ListMembers(instrumentID, compliance.ListWhitelist)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, members)
}

func TestRemoveMembers(t *testing.T) {
	s := newTestService(t)
	_, err := s.CreateRegistry(instrumentID, time.Time{})
	require.NoError(t, err)

	require.NoError(t, s.AddMembers(instrumentID, compliance.ListWhitelist, []string{"A", "B"}))
	require.NoError(t, s.RemoveMembers(instrumentID, compliance.ListWhitelist, []string{"B", "UNKNOWN"}))

	members, err := s.ListMembers(instrumentID, compliance.ListWhitelist)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, members)
}
