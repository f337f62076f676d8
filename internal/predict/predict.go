// Package predict computes the next service date of a maintenance schedule.
package predict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ukydev/fleet-maintenance/internal/models"
	"github.com/ukydev/fleet-maintenance/internal/rate"
	"github.com/ukydev/fleet-maintenance/internal/readings"
)

// MaxUsageHorizonDays bounds usage candidates; slower assets get none.
const MaxUsageHorizonDays = 36500

const day = 24 * time.Hour

// RateEstimator derives an asset's usage rate.
type RateEstimator interface {
	EstimateRate(ctx context.Context, assetID string) (rate.Estimate, error)
}

// HistorySource returns an asset's accepted readings in event-time order.
type HistorySource interface {
	History(ctx context.Context, assetID string) (readings.History, error)
}

// Prediction is the predicted service date and the candidates it was chosen from.
type Prediction struct {
	Date     *time.Time
	Source   models.PredictionSource
	Calendar *time.Time
	Usage    *time.Time
	Rate     *float64 // units per day, when one was available
}

// Predictor combines calendar and usage rules into one date.
type Predictor struct {
	rates   RateEstimator
	history HistorySource
}

// NewPredictor creates a Predictor.
func NewPredictor(rates RateEstimator, history HistorySource) *Predictor {
	return &Predictor{rates: rates, history: history}
}

// Predict returns the schedule's next service date. A lock always wins and
// no computation is done. Otherwise the earlier of the calendar and usage
// candidates is chosen; with neither the date is nil. The result depends
// only on the schedule and the stored readings, never on the wall clock.
func (p *Predictor) Predict(ctx context.Context, s *models.MaintenanceSchedule) (Prediction, error) {
	if s.Lock != nil {
		d := s.Lock.Date
		return Prediction{Date: &d, Source: models.SourceLock}, nil
	}

	var pred Prediction
	if s.CalendarIntervalDays != nil {
		c := s.BaselineDate.Add(time.Duration(*s.CalendarIntervalDays) * day)
		pred.Calendar = &c
	}

	if s.UsageInterval != nil {
		usage, unitsPerDay, err := p.usageCandidate(ctx, s)
		if err != nil {
			return Prediction{}, err
		}
		pred.Usage = usage
		pred.Rate = unitsPerDay
	}

	switch {
	case pred.Calendar != nil && pred.Usage != nil:
		if pred.Usage.Before(*pred.Calendar) {
			pred.Date, pred.Source = pred.Usage, models.SourceUsage
		} else {
			pred.Date, pred.Source = pred.Calendar, models.SourceCalendar
		}
	case pred.Calendar != nil:
		pred.Date, pred.Source = pred.Calendar, models.SourceCalendar
	case pred.Usage != nil:
		pred.Date, pred.Source = pred.Usage, models.SourceUsage
	default:
		pred.Source = models.SourceNone
	}
	return pred, nil
}

func (p *Predictor) usageCandidate(ctx context.Context, s *models.MaintenanceSchedule) (*time.Time, *float64, error) {
	history, err := p.history.History(ctx, s.AssetID)
	if err != nil {
		return nil, nil, fmt.Errorf("load history: %w", err)
	}
	used, anchor := history.UsageSince(s.BaselineReading, s.BaselineDate)
	remaining := *s.UsageInterval - used

	var unitsPerDay *float64
	est, err := p.rates.EstimateRate(ctx, s.AssetID)
	switch {
	case err == nil:
		r := est.UnitsPerDay
		unitsPerDay = &r
	case !errors.Is(err, rate.ErrInsufficientData):
		return nil, nil, fmt.Errorf("estimate rate: %w", err)
	}

	if remaining <= 0 {
		// The interval was already consumed when last observed.
		return &anchor, unitsPerDay, nil
	}
	if unitsPerDay == nil || *unitsPerDay <= 0 {
		return nil, unitsPerDay, nil
	}
	days := remaining / *unitsPerDay
	if days > MaxUsageHorizonDays {
		return nil, unitsPerDay, nil
	}
	offset := time.Duration(math.Round(days*day.Seconds())) * time.Second
	c := anchor.Add(offset)
	return &c, unitsPerDay, nil
}
