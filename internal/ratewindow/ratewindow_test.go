package ratewindow_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pennyhq/penny/internal/ratewindow"
)

func TestRatePerHourEmptyWindowIsZero(t *testing.T) {
	e := ratewindow.New()
	short, long := e.RatePerHour(time.Unix(0, 0))
	require.Zero(t, short)
	require.Zero(t, long)
}

func TestRatePerHourWithinHorizon(t *testing.T) {
	e := ratewindow.New()
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 10; i++ {
		e.Record(base)
	}
	short, long := e.RatePerHour(base)
	require.InDelta(t, 10*(3600.0/300.0), short, 0.001)
	require.InDelta(t, 10*(3600.0/1800.0), long, 0.001)
}

func TestRatePerHourEvictsOldBuckets(t *testing.T) {
	e := ratewindow.New()
	base := time.Unix(1_700_000_000, 0)
	e.Record(base)
	later := base.Add(6 * time.Minute)
	short, long := e.RatePerHour(later)
	require.Zero(t, short, "5m window should have evicted the event")
	require.Greater(t, long, 0.0, "30m window should still contain the event")
}

func TestRatePerHourLongHorizonEvicts(t *testing.T) {
	e := ratewindow.New()
	base := time.Unix(1_700_000_000, 0)
	e.Record(base)
	later := base.Add(31 * time.Minute)
	_, long := e.RatePerHour(later)
	require.Zero(t, long)
}
