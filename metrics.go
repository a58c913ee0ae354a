package flow

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/luno/flow/internal/metrics"
)

func pushLagMetricAndAlerting(node string, timestamp time.Time, lagThreshold time.Duration, clock clock.Clock) {
	lag := clock.Now().Sub(timestamp)
	metrics.OutboxLag.WithLabelValues(node).Set(lag.Seconds())

	// The alert gauge is only maintained when a threshold is configured.
	if lagThreshold > 0 {
		alert := 0.0
		if lag > lagThreshold {
			alert = 1
		}

		metrics.OutboxLagAlert.WithLabelValues(node).Set(alert)
	}
}
