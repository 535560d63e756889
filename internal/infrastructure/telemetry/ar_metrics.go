package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
var (
	AttrDegraded = attribute.Key("degraded")
	AttrCurrency = attribute.Key("currency")
	AttrReason   = attribute.Key("reason")
	AttrOutcome  = attribute.Key("outcome")
)

// ARMetrics records AR book and receipt verification activity.
type ARMetrics struct {
	bookBuilds      metric.Int64Counter
	bookRows        metric.Int64Histogram
	bookDuration    metric.Float64Histogram
	missingRates    metric.Int64Counter
	sessionsOpened  metric.Int64Counter
	postings        metric.Int64Counter
	postRejections  metric.Int64Counter
	postingVariance metric.Float64Histogram
}

// NewARMetrics creates the instruments on meter
func NewARMetrics(meter metric.Meter) (*ARMetrics, error) {
	m := &ARMetrics{}
	var errs []error
	var err error

	m.bookBuilds, err = meter.Int64Counter("ar_book.builds",
		metric.WithDescription("AR book queries served"))
	errs = append(errs, err)
	m.bookRows, err = meter.Int64Histogram("ar_book.rows",
		metric.WithDescription("Rows returned per AR book query"))
	errs = append(errs, err)
	m.bookDuration, err = meter.Float64Histogram("ar_book.duration",
		metric.WithDescription("Time to build an AR book"), metric.WithUnit("s"))
	errs = append(errs, err)
	m.missingRates, err = meter.Int64Counter("ar_book.missing_rates",
		metric.WithDescription("Foreign currencies converted at rate 1 for lack of a rate"))
	errs = append(errs, err)
	m.sessionsOpened, err = meter.Int64Counter("ar_verification.sessions_opened",
		metric.WithDescription("Receipt verification sessions opened"))
	errs = append(errs, err)
	m.postings, err = meter.Int64Counter("ar_verification.postings",
		metric.WithDescription("Receipts posted"))
	errs = append(errs, err)
	m.postRejections, err = meter.Int64Counter("ar_verification.post_rejections",
		metric.WithDescription("Post attempts rejected"))
	errs = append(errs, err)
	m.postingVariance, err = meter.Float64Histogram("ar_verification.variance",
		metric.WithDescription("Absolute variance of posted receipts"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordBookBuilt records one AR book query
func (m *ARMetrics) RecordBookBuilt(ctx context.Context, rows int, degraded bool, elapsed time.Duration) {
	attrs := metric.WithAttributes(AttrDegraded.Bool(degraded))
	m.bookBuilds.Add(ctx, 1, attrs)
	m.bookRows.Record(ctx, int64(rows), attrs)
	m.bookDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordMissingRate records a currency converted without a known rate
func (m *ARMetrics) RecordMissingRate(ctx context.Context, currency string) {
	m.missingRates.Add(ctx, 1, metric.WithAttributes(AttrCurrency.String(currency)))
}

// RecordSessionOpened records a new verification session
func (m *ARMetrics) RecordSessionOpened(ctx context.Context, currency string) {
	m.sessionsOpened.Add(ctx, 1, metric.WithAttributes(AttrCurrency.String(currency)))
}

// RecordPosted records a posted receipt and its absolute variance
func (m *ARMetrics) RecordPosted(ctx context.Context, currency string, variance float64) {
	if variance < 0 {
		variance = -variance
	}
	attrs := metric.WithAttributes(AttrCurrency.String(currency))
	m.postings.Add(ctx, 1, attrs)
	m.postingVariance.Record(ctx, variance, attrs)
}

// RecordPostRejected records a post attempt refused with the given error code
func (m *ARMetrics) RecordPostRejected(ctx context.Context, reason string) {
	m.postRejections.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
}
