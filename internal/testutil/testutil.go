// Package testutil provides func-field test doubles for the pipeline's collaborators.
package testutil

import (
	"context"
	"sync"
	"time"

	"marketpipeline/internal/task"
)

// MockProvider is a mock market data provider
type MockProvider struct {
	FetchHistoryFunc func(ctx context.Context, symbol string, start, end time.Time, resolution string) (task.Table, error)
	FetchCatalogFunc func(ctx context.Context, exchange string) (task.Table, error)
	FetchQuoteFunc   func(ctx context.Context, symbol string) (task.Row, error)
	CheckExistsFunc  func(ctx context.Context, symbol string) error
	FetchMarketFunc  func(ctx context.Context, dataType string) (task.Table, error)

	mu           sync.Mutex
	historyCalls []string
	catalogCalls []string
}

// FetchHistory implements fetcher.Provider
func (m *MockProvider) FetchHistory(ctx context.Context, symbol string, start, end time.Time, resolution string) (task.Table, error) {
	m.mu.Lock()
	m.historyCalls = append(m.historyCalls, symbol)
	m.mu.Unlock()
	if m.FetchHistoryFunc != nil {
		return m.FetchHistoryFunc(ctx, symbol, start, end, resolution)
	}
	return SampleHistory(start, 30), nil
}

// FetchCatalog implements fetcher.Provider
func (m *MockProvider) FetchCatalog(ctx context.Context, exchange string) (task.Table, error) {
	m.mu.Lock()
	m.catalogCalls = append(m.catalogCalls, exchange)
	m.mu.Unlock()
	if m.FetchCatalogFunc != nil {
		return m.FetchCatalogFunc(ctx, exchange)
	}
	return nil, nil
}

// FetchQuote implements fetcher.QuoteProvider
func (m *MockProvider) FetchQuote(ctx context.Context, symbol string) (task.Row, error) {
	if m.FetchQuoteFunc != nil {
		return m.FetchQuoteFunc(ctx, symbol)
	}
	return nil, nil
}

// CheckExists implements symbols.ExistenceChecker
func (m *MockProvider) CheckExists(ctx context.Context, symbol string) error {
	if m.CheckExistsFunc != nil {
		return m.CheckExistsFunc(ctx, symbol)
	}
	return nil
}

// FetchMarket implements fetcher.MarketProvider
func (m *MockProvider) FetchMarket(ctx context.Context, dataType string) (task.Table, error) {
	if m.FetchMarketFunc != nil {
		return m.FetchMarketFunc(ctx, dataType)
	}
	return nil, nil
}

// HistoryCalls returns the symbols FetchHistory was called with, in call order.
func (m *MockProvider) HistoryCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.historyCalls...)
}

// CatalogCalls returns the exchanges FetchCatalog was called with, in call order.
func (m *MockProvider) CatalogCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.catalogCalls...)
}

// MockExtractor is a mock implementation of the Extractor interface for testing
type MockExtractor struct {
	NameValue   string
	ExtractFunc func(ctx context.Context, t task.ExtractionTask) (task.Table, error)
}

// Name implements fetcher.Extractor
func (m *MockExtractor) Name() string {
	if m.NameValue != "" {
		return m.NameValue
	}
	return "mock_extractor"
}

// Extract implements fetcher.Extractor
func (m *MockExtractor) Extract(ctx context.Context, t task.ExtractionTask) (task.Table, error) {
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, t)
	}
	return task.Table{{"symbol": t.Symbol}}, nil
}

// NewMockExtractor creates a simple mock extractor that fails for the given symbols
func NewMockExtractor(name string, failing map[string]error) *MockExtractor {
	return &MockExtractor{
		NameValue: name,
		ExtractFunc: func(ctx context.Context, t task.ExtractionTask) (task.Table, error) {
			if err, ok := failing[t.Symbol]; ok {
				return nil, err
			}
			return task.Table{{"symbol": t.Symbol}}, nil
		},
	}
}

// Notification is one recorded notify call.
type Notification struct {
	Message  string
	Severity string
}

// MockNotifier records notifications.
type MockNotifier struct {
	NotifyFunc func(ctx context.Context, message, severity string) error

	mu   sync.Mutex
	sent []Notification
}

// Notify implements pipeline.Notifier
func (m *MockNotifier) Notify(ctx context.Context, message, severity string) error {
	m.mu.Lock()
	m.sent = append(m.sent, Notification{Message: message, Severity: severity})
	m.mu.Unlock()
	if m.NotifyFunc != nil {
		return m.NotifyFunc(ctx, message, severity)
	}
	return nil
}

// Sent returns the recorded notifications.
func (m *MockNotifier) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}

// MockWriter records persisted tables per symbol.
type MockWriter struct {
	WriteFunc func(ctx context.Context, symbol string, t task.Table) error

	mu      sync.Mutex
	written map[string]task.Table
}

// Write implements pipeline.Writer
func (m *MockWriter) Write(ctx context.Context, symbol string, t task.Table) error {
	if m.WriteFunc != nil {
		if err := m.WriteFunc(ctx, symbol, t); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.written == nil {
		m.written = make(map[string]task.Table)
	}
	m.written[symbol] = t
	return nil
}

// Written returns the table last written for symbol.
func (m *MockWriter) Written(symbol string) (task.Table, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.written[symbol]
	return t, ok
}

// SampleHistory builds n daily bars starting at start with rising closes.
func SampleHistory(start time.Time, n int) task.Table {
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	rows := make(task.Table, n)
	for i := range rows {
		c := 10 + float64(i)
		rows[i] = task.Row{
			"time":   start.AddDate(0, 0, i).Format(task.DateLayout),
			"open":   c - 0.5,
			"high":   c + 1,
			"low":    c - 1,
			"close":  c,
			"volume": 1000 + float64(i),
		}
	}
	return rows
}

// Listing builds a catalog row.
func Listing(symbol, exchange string, extra map[string]any) task.Row {
	row := task.Row{"symbol": symbol, "exchange": exchange}
	for k, v := range extra {
		row[k] = v
	}
	return row
}
