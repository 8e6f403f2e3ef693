package batch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/JonMunkholm/erpseed/internal/core"
)

const meterName = "github.com/JonMunkholm/erpseed/internal/batch"

type instruments struct {
	records       metric.Int64Counter
	failedBatches metric.Int64Counter
	duration      metric.Float64Histogram
	active        metric.Int64UpDownCounter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	var (
		ins instruments
		err error
	)
	ins.records, err = meter.Int64Counter("erpseed.batch.records",
		metric.WithDescription("Records processed, by outcome"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}
	ins.failedBatches, err = meter.Int64Counter("erpseed.batch.failed_batches",
		metric.WithDescription("Batches whose function returned an error or panicked"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}
	ins.duration, err = meter.Float64Histogram("erpseed.batch.duration",
		metric.WithDescription("Batch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}
	ins.active, err = meter.Int64UpDownCounter("erpseed.batch.active",
		metric.WithDescription("Batches currently running"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}
	return &ins, nil
}

func (ins *instruments) recordBatch(ctx context.Context, mode string, res core.BatchResult, failed bool, d time.Duration) {
	modeAttr := attribute.String("mode", mode)
	if res.Successful > 0 {
		ins.records.Add(ctx, int64(res.Successful), metric.WithAttributes(modeAttr, attribute.String("outcome", "success")))
	}
	if res.Duplicate > 0 {
		ins.records.Add(ctx, int64(res.Duplicate), metric.WithAttributes(modeAttr, attribute.String("outcome", "duplicate")))
	}
	if res.Failed > 0 {
		ins.records.Add(ctx, int64(res.Failed), metric.WithAttributes(modeAttr, attribute.String("outcome", "failed")))
	}
	if failed {
		ins.failedBatches.Add(ctx, 1, metric.WithAttributes(modeAttr))
	}
	ins.duration.Record(ctx, d.Seconds(), metric.WithAttributes(modeAttr))
}
