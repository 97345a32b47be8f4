package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"kamesync/internal/models"
)

const forecastHorizon = 24 * time.Hour

// ForecastSlot is one hour of upcoming reviews.
type ForecastSlot struct {
	At    time.Time `json:"at"`
	Count int       `json:"count"`
}

// Forecast buckets the assignments replica into hourly upcoming-review
// counts. Recomputed after each assignments sync; reads only local state.
func (s *Syncer) Forecast(ctx context.Context) ([]ForecastSlot, error) {
	records, err := s.store.List(ctx, models.CollectionAssignments)
	if err != nil {
		return nil, fmt.Errorf("forecast: %w", err)
	}

	now := time.Now()
	horizon := now.Add(forecastHorizon)

	// Keyed by epoch seconds: replica timestamps come back from the JSON
	// round-trip in a different Location than the local clock, and time.Time
	// map keys compare Locations too.
	counts := make(map[int64]int)

	for _, rec := range records {
		var a models.Assignment
		if err := json.Unmarshal(rec.Data, &a); err != nil {
			s.logger.Warn().Int64("id", rec.ID.Int64()).Err(err).Msg("Skipping undecodable assignment")
			continue
		}
		if a.Hidden || a.StartedAt == nil || a.AvailableAt == nil {
			continue
		}
		at := *a.AvailableAt
		if !at.After(now) || at.After(horizon) {
			continue
		}
		counts[at.Truncate(time.Hour).Unix()]++
	}

	slots := make([]ForecastSlot, 0, len(counts))
	for slot := now.Truncate(time.Hour); !slot.After(horizon); slot = slot.Add(time.Hour) {
		if n := counts[slot.Unix()]; n > 0 {
			slots = append(slots, ForecastSlot{At: slot, Count: n})
		}
	}
	return slots, nil
}
