// Package client holds HTTP clients for the systems the ledger depends on.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/boddenberg/account-ledger-go/internal/domain"
	"github.com/boddenberg/account-ledger-go/internal/infra/observability"
	"github.com/boddenberg/account-ledger-go/internal/infra/resilience"
	"github.com/boddenberg/account-ledger-go/internal/port"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("client")

const customersCache = "customers"

// CustomerClient checks customer existence against the Customer API.
type CustomerClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	cache      port.Cache[bool]
	metrics    *observability.Metrics
}

// NewCustomerClient creates a new CustomerClient. cache and metrics may be nil.
func NewCustomerClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, cache port.Cache[bool], metrics *observability.Metrics) *CustomerClient {
	return &CustomerClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		cb:         cb,
		cfg:        cfg,
		cache:      cache,
		metrics:    metrics,
	}
}

// CustomerExists reports whether the Customer API knows customerID. A 404 is
// a definite "no"; any other non-200 answer is an external service error.
func (c *CustomerClient) CustomerExists(ctx context.Context, customerID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "CustomerClient.CustomerExists")
	defer span.End()
	span.SetAttributes(attribute.String("customer.id", customerID))

	if c.cache != nil {
		if exists, ok := c.cache.Get(customerID); ok {
			c.countCache(true)
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return exists, nil
		}
		c.countCache(false)
	}

	result, err := c.cb.Execute(func() (any, error) {
		var exists bool
		innerErr := resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			endpoint := fmt.Sprintf("%s/api/v1/customers/%s", c.baseURL, url.PathEscape(customerID))
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return err
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)

			switch resp.StatusCode {
			case http.StatusOK:
				exists = true
				return nil
			case http.StatusNotFound:
				exists = false
				return nil
			}
			return fmt.Errorf("customer API returned status %d", resp.StatusCode)
		})
		if innerErr != nil {
			return nil, innerErr
		}
		return exists, nil
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.IncrExternalError(customersCache)
		}
		span.RecordError(err)
		return false, &domain.ErrExternalService{Service: "customers", Err: err}
	}

	exists := result.(bool)
	if c.cache != nil {
		c.cache.Set(customerID, exists)
	}
	return exists, nil
}

func (c *CustomerClient) countCache(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.IncrCacheHit(customersCache)
	} else {
		c.metrics.IncrCacheMiss(customersCache)
	}
}

var _ port.CustomerDirectory = (*CustomerClient)(nil)
