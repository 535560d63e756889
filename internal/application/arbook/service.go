// Package arbook builds the AR Book of a customer from backend ledger rows.
package arbook

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/erp/arbook/internal/domain/ledger"
	"github.com/erp/arbook/internal/domain/shared"
	"github.com/erp/arbook/internal/domain/shared/valueobject"
	"github.com/erp/arbook/internal/infrastructure/telemetry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Service serves AR Book queries and exports
type Service struct {
	ledgerSource LedgerSource
	masters      MasterSource
	rateCache    RateCache
	aggregator   *ledger.Aggregator
	writers      map[string]ReportWriter
	metrics      Metrics
	logger       *zap.Logger
}

// Option configures a Service
type Option func(*Service)

// WithRateCache caches the currency rate master
func WithRateCache(cache RateCache) Option {
	return func(s *Service) {
		s.rateCache = cache
	}
}

// WithReportWriters registers export formats
func WithReportWriters(writers ...ReportWriter) Option {
	return func(s *Service) {
		for _, w := range writers {
			s.writers[strings.ToLower(w.Format())] = w
		}
	}
}

// WithMetrics records book activity
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewService creates a Service
func NewService(
	ledgerSource LedgerSource,
	masters MasterSource,
	aggregator *ledger.Aggregator,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		ledgerSource: ledgerSource,
		masters:      masters,
		aggregator:   aggregator,
		writers:      make(map[string]ReportWriter),
		metrics:      nopMetrics{},
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// upstream holds what was fetched for one book
type upstream struct {
	customers    []Customer
	customersErr error
	rates        map[string]decimal.Decimal
	ratesErr     error
	rows         []ledger.Row
	rowsErr      error
	itemRefs     []string
	itemRefsErr  error
}

// GetBook loads ledger rows and masters, then aggregates them.
// An unavailable ledger, customer master or rate master yields an empty book with warnings;
// only bad input or an unknown customer fail the call.
func (s *Service) GetBook(ctx context.Context, req BookRequest) (*Book, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "ar_book", "get_book")
	defer span.End()
	start := time.Now()

	telemetry.SetAttributes(span,
		telemetry.SpanAttrCustomerID, req.CustomerID,
		telemetry.SpanAttrCurrency, req.Currency,
	)

	lreq, err := req.parse()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	var book *Book
	var opErr error
	labels := telemetry.OperationLabels("get_ar_book", map[string]string{telemetry.ProfilingLabelCurrency: req.Currency})
	telemetry.WithProfilingLabels(ctx, labels, func(c context.Context) {
		up := s.fetch(c, lreq, req.ItemID)
		book, opErr = s.build(c, req, up)
	})
	if opErr != nil {
		telemetry.RecordError(span, opErr)
		return nil, opErr
	}

	s.metrics.RecordBookBuilt(ctx, len(book.Rows), book.Degraded(), time.Since(start))
	for _, c := range book.MissingRates {
		s.metrics.RecordMissingRate(ctx, c)
	}
	telemetry.SetAttributes(span,
		telemetry.SpanAttrRowCount, len(book.Rows),
		telemetry.SpanAttrWarningCount, len(book.Warnings),
	)
	telemetry.SetOK(span)
	return book, nil
}

// fetch loads masters, ledger rows and the item filter concurrently
func (s *Service) fetch(ctx context.Context, lreq LedgerRequest, itemID string) *upstream {
	up := &upstream{}
	var g errgroup.Group

	g.Go(func() error {
		up.customers, up.customersErr = s.masters.GetCustomers(ctx)
		return nil
	})
	g.Go(func() error {
		up.rates, up.ratesErr = s.loadRates(ctx)
		return nil
	})
	g.Go(func() error {
		up.rows, up.rowsErr = s.ledgerSource.GetLedgerRows(ctx, lreq)
		return nil
	})
	if strings.TrimSpace(itemID) != "" {
		g.Go(func() error {
			up.itemRefs, up.itemRefsErr = s.ledgerSource.GetSalesDetailInvoiceNumbers(
				ctx, lreq.CustomerID, itemID, lreq.FromDate, lreq.ToDate)
			return nil
		})
	}
	_ = g.Wait()
	return up
}

func (s *Service) loadRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	if s.rateCache != nil {
		rates, ok, err := s.rateCache.GetRates(ctx)
		if err != nil {
			s.logger.Warn("Rate cache read failed", zap.Error(err))
		} else if ok {
			return rates, nil
		}
	}

	rates, err := s.masters.GetCurrencyRates(ctx)
	if err != nil {
		return nil, err
	}
	if s.rateCache != nil {
		if err := s.rateCache.SetRates(ctx, rates); err != nil {
			s.logger.Warn("Rate cache write failed", zap.Error(err))
		}
	}
	return rates, nil
}

func (s *Service) build(ctx context.Context, req BookRequest, up *upstream) (*Book, error) {
	book := &Book{
		FromDate:           req.FromDate,
		ToDate:             req.ToDate,
		ItemID:             req.ItemID,
		CurrencyFilter:     req.Currency,
		CurrencyFilterMode: string(s.aggregator.FilterMode()),
		Rows:               []ledger.AggregatedRow{},
		TotalARValue:       decimal.Zero,
	}
	log := s.logger.With(zap.String("customer_id", req.CustomerID))

	if up.customersErr != nil {
		log.Warn("Customer master unavailable", zap.Error(up.customersErr))
		book.Warnings = append(book.Warnings, WarningCustomersUnavailable)
	} else {
		customer := findCustomer(up.customers, req.CustomerID)
		if customer == nil {
			return nil, shared.NewDomainError(shared.CodeNotFound,
				fmt.Sprintf("customer %s not found", req.CustomerID))
		}
		book.Customer = customer
	}

	if up.ratesErr != nil {
		log.Warn("Currency rates unavailable", zap.Error(up.ratesErr))
		book.Warnings = append(book.Warnings, WarningRatesUnavailable)
	}

	if up.rowsErr != nil {
		log.Warn("Ledger unavailable", zap.Error(up.rowsErr))
		book.Warnings = append(book.Warnings, WarningLedgerUnavailable)
	}

	// without masters the customer cannot be checked and foreign rows cannot be valued
	if up.customersErr != nil || up.ratesErr != nil || up.rowsErr != nil {
		log.Warn("Returning empty book", zap.Strings("warnings", book.Warnings))
		return book, nil
	}

	q := ledger.Query{CurrencyFilter: req.Currency}
	if strings.TrimSpace(req.ItemID) != "" {
		if up.itemRefsErr != nil {
			log.Warn("Sales details unavailable, item filter matches nothing",
				zap.String("item_id", req.ItemID), zap.Error(up.itemRefsErr))
			book.Warnings = append(book.Warnings, WarningItemFilterUnavailable)
		}
		q.ItemFilter = ledger.NewReferenceSet(up.itemRefs...)
	}

	result := s.aggregator.Aggregate(up.rows, valueobject.NewRateTable(up.rates), q)
	book.Rows = result.Rows
	book.TotalARValue = result.TotalARValue
	book.HasForeignCurrency = result.HasForeignCurrency
	for _, c := range result.MissingRates {
		book.MissingRates = append(book.MissingRates, c.String())
		book.Warnings = append(book.Warnings, missingRateWarning(c.String()))
	}
	if len(result.MissingRates) > 0 {
		log.Warn("Converted foreign rows at rate 1", zap.Strings("currencies", book.MissingRates))
	}
	return book, nil
}

func findCustomer(customers []Customer, id string) *Customer {
	for i := range customers {
		if customers[i].ID == id || strings.EqualFold(customers[i].Code, id) {
			c := customers[i]
			return &c
		}
	}
	return nil
}

// Export renders the book in format ("xlsx" or "csv")
func (s *Service) Export(ctx context.Context, req BookRequest, format string) (*ExportFile, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "ar_book", "export")
	defer span.End()
	telemetry.SetAttributes(span, telemetry.SpanAttrExportFormat, format)

	writer, ok := s.writers[strings.ToLower(strings.TrimSpace(format))]
	if !ok {
		err := shared.NewDomainError(shared.CodeInvalidInput, fmt.Sprintf("unsupported export format %q", format))
		telemetry.RecordError(span, err)
		return nil, err
	}

	book, err := s.GetBook(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	var buf bytes.Buffer
	if err := writer.Write(&buf, book); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to render %s export: %w", writer.Format(), err)
	}
	return &ExportFile{
		Filename:    fmt.Sprintf("ar-book-%s-%s-%s.%s", req.CustomerID, req.FromDate, req.ToDate, writer.Format()),
		ContentType: writer.ContentType(),
		Content:     buf.Bytes(),
	}, nil
}
