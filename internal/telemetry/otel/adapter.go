package otel

import (
	"context"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"

	"devicelog/backend/internal/telemetry"
	"devicelog/backend/internal/telemetry/domain"
)

// scopeName is the instrumentation scope for device log records.
const scopeName = "devicelog/ingest"

// NewEventEmitter returns an EventEmitter that re-emits every line of an ingested batch as an OTel
// log record through provider. If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider otellog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return NewEventEmitterWithLogger(provider.Logger(scopeName))
}

// NewEventEmitterWithLogger returns an EventEmitter that writes records to logger.
func NewEventEmitterWithLogger(logger recordEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

// recordEmitter is the part of otellog.Logger the adapter uses.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.BatchIngested) error { return nil }

type otelEmitter struct {
	logger recordEmitter
}

// Emit converts each entry of event to an OTel log record: the entry timestamp becomes the record
// timestamp, the message its body, and the level its severity.
func (e *otelEmitter) Emit(ctx context.Context, event *domain.BatchIngested) error {
	if event == nil {
		return nil
	}
	observed := event.IngestedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	for _, line := range event.Entries {
		rec := otellog.Record{}
		if t, err := time.Parse(time.RFC3339Nano, line.TS); err == nil {
			rec.SetTimestamp(t)
		} else {
			rec.SetTimestamp(observed)
		}
		rec.SetObservedTimestamp(observed)
		rec.SetBody(otellog.StringValue(line.Message))
		rec.SetSeverity(Severity(line.Level))
		rec.SetSeverityText(line.Level)
		rec.AddAttributes(
			otellog.Int64("log.id", line.ID),
			otellog.Int64("session.id", event.SessionID),
			otellog.String("session.key", event.SessionKey),
			otellog.String("device.key", event.DeviceKey),
		)
		if event.Platform != "" {
			rec.AddAttributes(otellog.String("device.platform", event.Platform))
		}
		if event.AppVersion != "" {
			rec.AddAttributes(otellog.String("app.version", event.AppVersion))
		}
		e.logger.Emit(ctx, rec)
	}
	return nil
}

// Severity maps a client log level to an OTel severity. Unknown levels map to SeverityUndefined
// and keep their text in SeverityText.
func Severity(level string) otellog.Severity {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "verbose":
		return otellog.SeverityTrace
	case "debug":
		return otellog.SeverityDebug
	case "info", "information", "log":
		return otellog.SeverityInfo
	case "warn", "warning":
		return otellog.SeverityWarn
	case "error", "err":
		return otellog.SeverityError
	case "fatal", "critical", "crash":
		return otellog.SeverityFatal
	default:
		return otellog.SeverityUndefined
	}
}
