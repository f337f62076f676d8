// Package rate estimates how fast an asset consumes its usage metric.
package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/ukydev/fleet-maintenance/internal/models"
	"github.com/ukydev/fleet-maintenance/internal/readings"
)

// ErrInsufficientData is returned when no trustworthy rate can be derived.
// It is a valid state, not a failure.
var ErrInsufficientData = models.ErrInsufficientData

const (
	DefaultWindow  = 10
	DefaultMinSpan = time.Hour
)

// WindowSource provides the most recent readings of an asset's current meter epoch.
type WindowSource interface {
	Window(ctx context.Context, assetID string, n int) (readings.History, error)
}

// Estimate is a usage rate and the data it was derived from.
type Estimate struct {
	UnitsPerDay float64
	Points      int
	Span        time.Duration
}

// Estimator computes usage rates from the reading log.
type Estimator struct {
	source  WindowSource
	window  int
	minSpan time.Duration
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithWindow sets how many recent readings are considered.
func WithWindow(n int) Option {
	return func(e *Estimator) {
		if n >= 2 {
			e.window = n
		}
	}
}

// WithMinSpan sets the shortest time span a window must cover.
func WithMinSpan(d time.Duration) Option {
	return func(e *Estimator) {
		if d > 0 {
			e.minSpan = d
		}
	}
}

// NewEstimator creates an Estimator reading from source.
func NewEstimator(source WindowSource, opts ...Option) *Estimator {
	e := &Estimator{source: source, window: DefaultWindow, minSpan: DefaultMinSpan}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EstimateRate returns the asset's usage in units per day.
func (e *Estimator) EstimateRate(ctx context.Context, assetID string) (Estimate, error) {
	window, err := e.source.Window(ctx, assetID, e.window)
	if err != nil {
		return Estimate{}, fmt.Errorf("load reading window: %w", err)
	}
	return e.FromWindow(window)
}

// FromWindow estimates a rate from readings ordered by observed-at.
func (e *Estimator) FromWindow(window readings.History) (Estimate, error) {
	if len(window) < 2 {
		return Estimate{}, ErrInsufficientData
	}
	span := window[len(window)-1].ObservedAt.Sub(window[0].ObservedAt)
	if span < e.minSpan {
		return Estimate{}, ErrInsufficientData
	}
	slope, err := Slope(window)
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{UnitsPerDay: slope, Points: len(window), Span: span}, nil
}

// Slope returns the usage slope in units per day. Two points give the plain
// difference quotient. With more, each point is weighted by the time it
// represents, half the gap to each neighbour, and a weighted least-squares
// line is fitted. A negative slope yields ErrInsufficientData.
func Slope(window readings.History) (float64, error) {
	n := len(window)
	if n < 2 {
		return 0, ErrInsufficientData
	}
	origin := window[0].ObservedAt
	xs := make([]float64, n)
	for i, r := range window {
		xs[i] = r.ObservedAt.Sub(origin).Hours() / 24
	}

	var slope float64
	if n == 2 {
		dx := xs[1] - xs[0]
		if dx <= 0 {
			return 0, ErrInsufficientData
		}
		slope = (window[1].Value - window[0].Value) / dx
	} else {
		weights := make([]float64, n)
		for i := range xs {
			if i > 0 {
				weights[i] += (xs[i] - xs[i-1]) / 2
			}
			if i < n-1 {
				weights[i] += (xs[i+1] - xs[i]) / 2
			}
		}

		var sw, swx, swy float64
		for i := range xs {
			sw += weights[i]
			swx += weights[i] * xs[i]
			swy += weights[i] * window[i].Value
		}
		if sw <= 0 {
			return 0, ErrInsufficientData
		}
		mx, my := swx/sw, swy/sw

		var num, den float64
		for i := range xs {
			dx := xs[i] - mx
			num += weights[i] * dx * (window[i].Value - my)
			den += weights[i] * dx * dx
		}
		if den <= 0 {
			return 0, ErrInsufficientData
		}
		slope = num / den
	}

	if slope < 0 {
		return 0, ErrInsufficientData
	}
	return slope, nil
}
