package cartsync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "cartsync"

const (
	opLoadCart      = "loadCart"
	opAddItem       = "addItem"
	opUpdateItem    = "updateItem"
	opRemoveItem    = "removeItem"
	opClearCart     = "clearCart"
	opSaveProfile   = "saveProfile"
	opUpdateProfile = "updateProfile"
	opGetProfile    = "getProfile"
)

type instruments struct {
	tracer   trace.Tracer
	ops      metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments(log logrus.FieldLogger) instruments {
	meter := otel.Meter(instrumentationName)
	ops, err := meter.Int64Counter("cartsync.operations",
		metric.WithDescription("Cart sync operations by op and outcome"))
	if err != nil {
		log.WithError(err).Warn("failed to create cartsync.operations counter")
	}
	duration, err := meter.Float64Histogram("cartsync.operation.duration",
		metric.WithDescription("Remote round trip time of cart sync operations"),
		metric.WithUnit("ms"))
	if err != nil {
		log.WithError(err).Warn("failed to create cartsync.operation.duration histogram")
	}
	return instruments{
		tracer:   otel.Tracer(instrumentationName),
		ops:      ops,
		duration: duration,
	}
}

// start opens a span for op. The returned func ends it and records the
// outcome; pass it the operation's final error.
func (a *Adapter) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := a.inst.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
	begin := time.Now()

	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		set := metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome))
		if a.inst.ops != nil {
			a.inst.ops.Add(ctx, 1, set)
		}
		if a.inst.duration != nil {
			a.inst.duration.Record(ctx, float64(time.Since(begin).Microseconds())/1000, set)
		}
	}
}
