package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"imagegen-payment-api/models"
)

type ProductLister interface {
	Products(ctx context.Context) ([]models.Product, error)
}

type ProductHandler struct {
	products ProductLister
	logger   *zap.Logger
}

func NewProductHandler(products ProductLister, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{products: products, logger: logger}
}

type productsResponse struct {
	Success  bool             `json:"success"`
	Message  string           `json:"message,omitempty"`
	Products []models.Product `json:"products"`
}

func (h *ProductHandler) GetProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.products.Products(r.Context())
	if err != nil {
		h.logger.Error("failed to load products", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, productsResponse{Message: "Products are temporarily unavailable", Products: []models.Product{}})
		return
	}
	if products == nil {
		products = []models.Product{}
	}
	writeJSON(w, http.StatusOK, productsResponse{Success: true, Products: products})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
