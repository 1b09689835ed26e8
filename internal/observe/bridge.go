package observe

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/voxline-ai/voxline/internal/events"
)

// Instrument subscribes the metric instruments to the event bus so every
// component's events feed the /metrics surface without the components
// depending on this package. Returns the unsubscribe function.
func Instrument(bus *events.Bus, m *Metrics) func() {
	ctx := context.Background()

	return bus.Subscribe(func(e events.Event) {
		switch e.Type {
		case events.SynthesisCompleted:
			m.SynthesisDuration.Record(ctx, e.Duration.Seconds(),
				metric.WithAttributes(Attr("provider", e.Provider)))
			m.RecordProviderRequest(ctx, e.Provider, "ok")
		case events.SynthesisFailed:
			m.RecordProviderRequest(ctx, e.Provider, "error")
			m.RecordProviderError(ctx, e.Provider)
		case events.CacheHit:
			m.RecordCacheLookup(ctx, "hit")
		case events.SynthesisStarted:
			m.RecordCacheLookup(ctx, "miss")
		case events.FirstResponseLatency:
			m.FirstChunkLatency.Record(ctx, e.Duration.Seconds())
		case events.ChunkUploaded:
			m.ChunksUploaded.Add(ctx, 1)
			m.BytesUploaded.Add(ctx, int64(e.Bytes))
			m.UploadLatency.Record(ctx, e.Duration.Seconds())
		case events.DialogTurnEnd:
			m.DialogTurns.Add(ctx, 1,
				metric.WithAttributes(Attr("outcome", e.Detail)))
		case events.SessionStarted:
			m.ActiveSessions.Add(ctx, 1)
		case events.SessionCompleted:
			m.ActiveSessions.Add(ctx, -1)
		case events.SessionError:
			m.SessionErrors.Add(ctx, 1)
			m.ActiveSessions.Add(ctx, -1)
		case events.BufferOverflow:
			m.BufferOverflows.Add(ctx, 1)
		}
	})
}
