package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type fakeProvider struct {
	description string
	err         error
	delay       time.Duration
}

func (f *fakeProvider) Describe(ctx context.Context, product *models.Product) (Result, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return Result{Description: f.description}, f.err
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestDescribe_UsesProviderAnswer(t *testing.T) {
	s := &Service{
		Provider: &fakeProvider{description: "A fine widget."},
		Logger:   quietLogger(),
		Timeout:  time.Second,
	}
	res := s.Describe(context.Background(), &models.Product{Name: "Widget"})
	if res.Fallback {
		t.Fatal("provider answered, fallback should not engage")
	}
	if res.Description != "A fine widget." {
		t.Fatalf("got %q", res.Description)
	}
}

func TestDescribe_ProviderErrorFallsBack(t *testing.T) {
	s := &Service{
		Provider: &fakeProvider{err: errors.New("provider down")},
		Logger:   quietLogger(),
		Timeout:  time.Second,
	}
	p := &models.Product{Name: "Widget", Sku: "W-1"}
	res := s.Describe(context.Background(), p)
	if !res.Fallback {
		t.Fatal("expected fallback on provider error")
	}
	if res.Description == "" {
		t.Fatal("fallback description must not be empty")
	}
}

func TestDescribe_SlowProviderFallsBack(t *testing.T) {
	s := &Service{
		Provider: &fakeProvider{description: "too late", delay: time.Second},
		Logger:   quietLogger(),
		Timeout:  10 * time.Millisecond,
	}
	res := s.Describe(context.Background(), &models.Product{Name: "Widget"})
	if !res.Fallback {
		t.Fatal("expected fallback when the provider misses the deadline")
	}
}

func TestFallbackDescription_Deterministic(t *testing.T) {
	unavailable := false
	p := &models.Product{
		Name:        "Widget",
		Sku:         "W-1",
		SalesPrice:  decimal.NewFromInt(25),
		IsAvailable: &unavailable,
	}
	first := FallbackDescription(p)
	second := FallbackDescription(p)
	if first != second {
		t.Fatalf("fallback must be deterministic: %q vs %q", first, second)
	}
	if first != "Widget (SKU W-1). Priced at 25.00. Currently unavailable." {
		t.Fatalf("unexpected fallback text: %q", first)
	}
}
