package queue

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type serviceMetrics struct {
	bookings      metric.Int64Counter
	transitions   metric.Int64Counter
	ledgerChanges metric.Int64Counter
	messages      metric.Int64Counter
}

// newServiceMetrics registers the queue instruments on the global meter
// provider. Instrument errors only cost us the metric, so they are
// logged and replaced with no-ops.
func newServiceMetrics() serviceMetrics {
	meter := otel.Meter("clinicq/queue")

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("metric setup failed")
			return noop.Int64Counter{}
		}
		return c
	}

	return serviceMetrics{
		bookings:      counter("clinicq.appointments.booked", "Appointments booked"),
		transitions:   counter("clinicq.appointments.transitions", "Applied status transitions"),
		ledgerChanges: counter("clinicq.ledger.changes", "Appointments whose position or estimate changed"),
		messages:      counter("clinicq.chat.messages", "Chat messages sent"),
	}
}

func (m serviceMetrics) booked(ctx context.Context, clinicID string) {
	m.bookings.Add(ctx, 1, metric.WithAttributes(attribute.String("clinic_id", clinicID)))
}

func (m serviceMetrics) transitioned(ctx context.Context, to AppointmentStatus) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(to))))
}

func (m serviceMetrics) ledgerChanged(ctx context.Context, n int) {
	if n > 0 {
		m.ledgerChanges.Add(ctx, int64(n))
	}
}

func (m serviceMetrics) messageSent(ctx context.Context) {
	m.messages.Add(ctx, 1)
}
