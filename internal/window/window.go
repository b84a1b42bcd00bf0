// Package window derives the time range covered by a single run.
package window

import (
	"time"

	"github.com/tejusbharadwaj/noiseuploader/internal/models"
)

// DefaultLookback is how far back each run reaches.
const DefaultLookback = 2 * time.Hour

// Calculate returns [now-lookback, now) with both ends truncated to the
// minute, the finest precision the vendor API accepts.
func Calculate(now time.Time, lookback time.Duration) models.TimeWindow {
	end := now.Truncate(time.Minute)
	return models.TimeWindow{
		Start: end.Add(-lookback),
		End:   end,
	}
}
