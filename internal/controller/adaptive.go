package controller

import (
	"time"

	"github.com/pennyhq/penny/internal/appspec"
)

// AdaptiveWait computes the idle-shutdown wait for an app with adaptive_wait
// enabled (spec §4.4, §8): a smoothstep interpolation between MinWait and
// MaxWait, driven by the larger of the short- and long-horizon request
// rates. Below LowRate the app waits MinWait; above HighRate it waits
// MaxWait; in between the transition is smooth (zero slope at both ends)
// rather than linear, so a rate hovering near the edges doesn't cause the
// wait to chatter.
func AdaptiveWait(app appspec.App, shortRatePerHour, longRatePerHour float64) time.Duration {
	rate := shortRatePerHour
	if longRatePerHour > rate {
		rate = longRatePerHour
	}

	span := app.HighRate - app.LowRate
	var x float64
	switch {
	case span <= 0:
		x = 1
	case rate <= app.LowRate:
		x = 0
	case rate >= app.HighRate:
		x = 1
	default:
		x = (rate - app.LowRate) / span
	}

	s := x * x * (3 - 2*x)
	min := float64(app.MinWait)
	max := float64(app.MaxWait)
	return time.Duration(min + s*(max-min))
}

// waitFor computes how long a Controller should wait before stopping an idle
// app, using either the fixed WaitPeriod or AdaptiveWait depending on the
// app's configuration.
func waitFor(app appspec.App, now time.Time, rate rateEstimator) time.Duration {
	if !app.AdaptiveWait {
		return app.WaitPeriod
	}
	short, long := rate.RatePerHour(now)
	return AdaptiveWait(app, short, long)
}

