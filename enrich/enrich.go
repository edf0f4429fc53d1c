package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/models"
	"bitbucket.org/mmdatafocus/catalog_backend/utils"
	"github.com/sirupsen/logrus"
)

// Result is one enrichment answer. Fallback marks descriptions generated
// locally because the provider was unavailable or too slow.
type Result struct {
	Description string
	Fallback    bool
}

// Enricher produces a product description from catalog attributes.
type Enricher interface {
	Describe(ctx context.Context, product *models.Product) (Result, error)
}

// Service wraps an Enricher with a per-product deadline and a deterministic
// fallback, so an enrichment run always terminates with usable output.
type Service struct {
	Provider Enricher
	Logger   *logrus.Logger
	Timeout  time.Duration
}

func NewService(logger *logrus.Logger) *Service {
	return &Service{
		Provider: newHTTPEnricher(),
		Logger:   logger,
		Timeout:  utils.DurationFromEnv("ENRICH_TIMEOUT", 10*time.Second),
	}
}

// Describe asks the provider, bounded by the service timeout. Any provider
// failure degrades to the fallback description instead of failing the run.
func (s *Service) Describe(ctx context.Context, product *models.Product) Result {
	if s.Provider != nil {
		pctx, cancel := context.WithTimeout(ctx, s.Timeout)
		defer cancel()

		res, err := s.Provider.Describe(pctx, product)
		if err == nil && strings.TrimSpace(res.Description) != "" {
			return res
		}
		if err != nil {
			s.Logger.WithFields(logrus.Fields{
				"module":     "enrich",
				"funcName":   "Describe",
				"product_id": product.ID,
			}).Warn(err.Error())
		}
	}
	return Result{Description: FallbackDescription(product), Fallback: true}
}

// FallbackDescription builds a plain description from the fields already on
// hand. Deterministic: the same product always yields the same text.
func FallbackDescription(product *models.Product) string {
	var b strings.Builder
	b.WriteString(product.Name)
	if product.Sku != "" {
		fmt.Fprintf(&b, " (SKU %s)", product.Sku)
	}
	b.WriteString(".")
	if !product.SalesPrice.IsZero() {
		fmt.Fprintf(&b, " Priced at %s.", product.SalesPrice.StringFixed(2))
	}
	if product.IsAvailable != nil && !*product.IsAvailable {
		b.WriteString(" Currently unavailable.")
	}
	return b.String()
}

// httpEnricher calls an external description service. Absent configuration it
// declines every request, which routes everything to the fallback.
type httpEnricher struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newHTTPEnricher() Enricher {
	return &httpEnricher{
		baseURL: strings.TrimRight(os.Getenv("ENRICH_API_BASE_URL"), "/"),
		apiKey:  os.Getenv("ENRICH_API_KEY"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type describeRequest struct {
	Name     string `json:"name"`
	Sku      string `json:"sku"`
	Barcode  string `json:"barcode,omitempty"`
	Existing string `json:"existing,omitempty"`
}

type describeResponse struct {
	Description string `json:"description"`
}

func (e *httpEnricher) Describe(ctx context.Context, product *models.Product) (Result, error) {
	if e.baseURL == "" {
		return Result{}, fmt.Errorf("enrichment provider is not configured")
	}

	body, _ := json.Marshal(describeRequest{
		Name:     product.Name,
		Sku:      product.Sku,
		Barcode:  product.Barcode,
		Existing: product.Description,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/describe", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("enrichment provider returned status %d", resp.StatusCode)
	}

	var out describeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, err
	}
	return Result{Description: out.Description}, nil
}
