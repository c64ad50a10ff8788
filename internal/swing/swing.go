package swing

import (
	"errors"
	"math"
	"time"
)

// ErrInsufficientData is returned when the bar window is too small (or the
// window itself is invalid) to compute swing statistics.
var ErrInsufficientData = errors.New("insufficient bar data for swing analysis")

// Bar is a single daily price bar. JSON tags match the Alpaca bar payload.
type Bar struct {
	Open      float64   `json:"o" bson:"open"`
	High      float64   `json:"h" bson:"high"`
	Low       float64   `json:"l" bson:"low"`
	Close     float64   `json:"c" bson:"close"`
	Volume    float64   `json:"v" bson:"volume"`
	Timestamp time.Time `json:"t" bson:"timestamp"`
}

// Stats holds the swing statistics for a bar window.
type Stats struct {
	AvgDailySwing float64
	Swing25       float64
	Swing50       float64
	Swing75       float64
	DayHigh       float64
	DayLow        float64
	PercentChange float64
}

// Analyze computes swing statistics over the most recent `window` bars.
// Bars must be ordered newest first; bars[0].Close is the latest close.
func Analyze(bars []Bar, window int) (Stats, error) {
	if window <= 0 || len(bars) < window {
		return Stats{}, ErrInsufficientData
	}

	recent := bars[:window]

	var swingSum float64
	dayHigh := recent[0].High
	dayLow := recent[0].Low
	for _, b := range recent {
		swingSum += b.High - b.Low
		if b.High > dayHigh {
			dayHigh = b.High
		}
		if b.Low < dayLow {
			dayLow = b.Low
		}
	}

	if dayHigh == 0 {
		// A zero window high would divide by zero below; bad data, not a zero change.
		return Stats{}, ErrInsufficientData
	}

	avg := swingSum / float64(window)
	latestClose := recent[0].Close

	return Stats{
		AvgDailySwing: avg,
		Swing25:       avg * 0.25,
		Swing50:       avg * 0.50,
		Swing75:       avg * 0.75,
		DayHigh:       dayHigh,
		DayLow:        dayLow,
		PercentChange: PercentChange(dayHigh, latestClose),
	}, nil
}

// PercentChange returns the percentage change from oldValue to newValue.
func PercentChange(oldValue, newValue float64) float64 {
	return ((newValue - oldValue) / oldValue) * 100
}

// Round2 rounds to two decimal places, the precision used for prices and profit.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
