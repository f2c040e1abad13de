package sink

import (
	"context"
	"log/slog"
	"time"
)

// LocationReporter periodically publishes a fixed position report.
type LocationReporter struct {
	sink     Sink
	location Location
	interval time.Duration
}

// NewLocationReporter creates a reporter. Interval defaults to one minute.
func NewLocationReporter(s Sink, lat, lon float64, email string, interval time.Duration) *LocationReporter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &LocationReporter{
		sink:     s,
		location: Location{Action: "location", Lat: lat, Lon: lon, Email: email},
		interval: interval,
	}
}

// Run publishes immediately and then every interval until ctx is done.
// Publish failures are logged and the next tick proceeds normally.
func (r *LocationReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.sink.Publish(ctx, r.location); err != nil && ctx.Err() == nil {
			slog.Warn("[LOCATION] publish failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
