package dispatcher

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics instruments for the dispatcher package. When no MeterProvider
// is configured (noop), all recording is zero-cost, matching
// pkg/daemon/metrics.go's init-time registration pattern.
var (
	meter = otel.Meter("omerta.dispatcher")

	metricDatagramsDropped metric.Int64Counter
	metricDatagramsRouted  metric.Int64Counter
	metricDuplicatesSeen   metric.Int64Counter
	metricEnvelopesSent    metric.Int64Counter
	metricForwardFailures  metric.Int64Counter
)

func init() {
	var err error

	metricDatagramsDropped, err = meter.Int64Counter("omerta.dispatcher.datagrams_dropped",
		metric.WithDescription("Datagrams dropped on the receive path, by reason"),
		metric.WithUnit("{datagrams}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricDatagramsRouted, err = meter.Int64Counter("omerta.dispatcher.datagrams_routed",
		metric.WithDescription("Datagrams routed to an internal or application channel handler"),
		metric.WithUnit("{datagrams}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricDuplicatesSeen, err = meter.Int64Counter("omerta.dispatcher.duplicates_seen",
		metric.WithDescription("Envelopes dropped as duplicates of an already-seen messageId"),
		metric.WithUnit("{datagrams}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricEnvelopesSent, err = meter.Int64Counter("omerta.dispatcher.envelopes_sent",
		metric.WithDescription("Envelopes successfully handed to the transport"),
		metric.WithUnit("{datagrams}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricForwardFailures, err = meter.Int64Counter("omerta.dispatcher.forward_failures",
		metric.WithDescription("Forwarding attempts that found no path to the next hop"),
		metric.WithUnit("{datagrams}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
