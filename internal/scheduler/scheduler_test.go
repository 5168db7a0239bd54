package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/delosfi/debenture-api/internal/anomaly"
	"github.com/delosfi/debenture-api/internal/database"
	"github.com/delosfi/debenture-api/internal/oracle"
	"github.com/delosfi/debenture-api/internal/scheduler"
	"github.com/delosfi/debenture-api/pkg/fixedpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubSource struct {
	name    string
	entries []oracle.UpdateEntry
	err     error
	calls   int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(_ context.Context) ([]oracle.UpdateEntry, error) {
	s.calls++
	return s.entries, s.err
}

func newTestStack(t *testing.T) (*scheduler.Service, *oracle.Service) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	rates := oracle.NewService(db)
	require.NoError(t, rates.SeedDefaults())
	anomalies := anomaly.NewService(db, rates, anomaly.DefaultParams())
	return scheduler.NewService(db, rates, anomalies), rates
}

func entry(rateID string, answer int64, date int) oracle.UpdateEntry {
	return oracle.UpdateEntry{
		RateID:       rateID,
		Answer:       fixedpoint.New(answer),
		ObservedDate: date,
		Source:       "test",
	}
}

func TestRunAppliesCollectedEntries(t *testing.T) {
	s, rates := newTestStack(t)
	s.Register(&stubSource{name: "bcb", entries: []oracle.UpdateEntry{
		entry("CDI", 11_15000000, 20240102),
		entry("SELIC", 11_25000000, 20240102),
	}})

	record, err := s.Run(context.Background(), "MANUAL")
	require.NoError(t, err)
	assert.Equal(t, "MANUAL", record.Trigger)
	assert.Equal(t, 2, record.Collected)
	assert.Equal(t, 2, record.Applied)
	assert.Equal(t, 0, record.Skipped)
	assert.Empty(t, record.Error)
	assert.False(t, record.FinishedAt.Before(record.StartedAt))

	cdi, err := rates.GetRate("CDI")
	require.NoError(t, err)
	assert.Equal(t, 0, cdi.Answer.Cmp(fixedpoint.New(11_15000000)))
}

func TestRunCountsSkippedEntries(t *testing.T) {
	s, _ := newTestStack(t)
	s.Register(&stubSource{name: "bcb", entries: []oracle.UpdateEntry{
		entry("CDI", 11_15000000, 20240102),
		entry("GHOST", 1_00000000, 20240102),
	}})

	record, err := s.Run(context.Background(), "MANUAL")
	require.NoError(t, err)
	assert.Equal(t, 2, record.Collected)
	assert.Equal(t, 1, record.Applied)
	assert.Equal(t, 1, record.Skipped)
}

func TestRunSurvivesSourceFailure(t *testing.T) {
	s, rates := newTestStack(t)
	s.Register(&stubSource{name: "broken", err: errors.New("connection refused")})
	good := &stubSource{name: "bcb", entries: []oracle.UpdateEntry{
		entry("CDI", 11_15000000, 20240102),
	}}
	s.Register(good)

	record, err := s.Run(context.Background(), "CRON")
	require.NoError(t, err)
	assert.Equal(t, 1, good.calls)
	assert.Equal(t, 1, record.Applied)
	assert.Contains(t, record.Error, "broken")

	// The healthy source's entry still landed.
	_, err = rates.GetRate("CDI")
	require.NoError(t, err)
}

func TestRunWithNoSources(t *testing.T) {
	s, _ := newTestStack(t)

	record, err := s.Run(context.Background(), "MANUAL")
	require.NoError(t, err)
	assert.Equal(t, 0, record.Collected)
	assert.Equal(t, 0, record.Applied)
}

func TestListRunsNewestFirst(t *testing.T) {
	s, _ := newTestStack(t)
	s.Register(&stubSource{name: "bcb", entries: []oracle.UpdateEntry{
		entry("CDI", 11_15000000, 20240102),
	}})

	_, err := s.Run(context.Background(), "CRON")
	require.NoError(t, err)
	_, err = s.Run(context.Background(), "MANUAL")
	require.NoError(t, err)

	runs, err := s.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "MANUAL", runs[0].Trigger)
	assert.Equal(t, "CRON", runs[1].Trigger)
}

func TestStartRejectsBadSpec(t *testing.T) {
	s, _ := newTestStack(t)
	assert.Error(t, s.Start("not a cron spec"))
}

func TestStartAndStop(t *testing.T) {
	s, _ := newTestStack(t)
	require.NoError(t, s.Start("0 18 * * 1-5"))
	s.Stop()
}
