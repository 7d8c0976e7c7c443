package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"imagegen-payment-api/models"
)

type fakeProducts struct {
	products []models.Product
	err      error
}

func (f fakeProducts) Products(ctx context.Context) ([]models.Product, error) {
	return f.products, f.err
}

func TestGetProducts(t *testing.T) {
	h := NewProductHandler(fakeProducts{products: []models.Product{
		{ID: 1, ProductID: "pro_monthly", Title: "Pro", Amount: decimal.RequireFromString("499.00"), Currency: "RUB", Period: 1, Interval: "Month"},
	}}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.GetProducts(rec, httptest.NewRequest(http.MethodGet, "/api/products", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeResponse(t, rec)
	assert.Equal(t, true, out["success"])
	products := out["products"].([]interface{})
	require.Len(t, products, 1)
	assert.Equal(t, "pro_monthly", products[0].(map[string]interface{})["product_id"])
}

func TestGetProductsUpstreamFailure(t *testing.T) {
	h := NewProductHandler(fakeProducts{err: errors.New("proxy down")}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.GetProducts(rec, httptest.NewRequest(http.MethodGet, "/api/products", nil))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	out := decodeResponse(t, rec)
	assert.Equal(t, false, out["success"])
	assert.Empty(t, out["products"])
}

func TestHealthCheck(t *testing.T) {
	up := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	NewHealthHandler(map[string]Pinger{"database": up, "redis": up}, zaptest.NewLogger(t)).
		Check(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	NewHealthHandler(map[string]Pinger{"database": up, "redis": down}, zaptest.NewLogger(t)).
		Check(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	out := decodeResponse(t, rec)
	assert.Equal(t, "degraded", out["status"])
	assert.Equal(t, "down", out["checks"].(map[string]interface{})["redis"])
}
