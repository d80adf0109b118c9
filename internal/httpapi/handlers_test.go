package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"katalog/backend/internal/domain"
	"katalog/backend/internal/service"
	"katalog/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc, err := service.New(service.Deps{Repo: repo})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, Options{AllowedOrigin: "*"})
}

// do sends a JSON request through the full handler chain. Mutating requests
// carry a fresh CSRF token unless the path is exempt.
func do(t *testing.T, api *API, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", api.generateCSRFToken())
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (status %d)", err, rec.Code)
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)

	rec := do(t, api, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	body := decodeBody[domain.LoginResponse](t, rec)
	if body.AccessToken == "" {
		t.Fatalf("expected access_token in response, got %+v", body)
	}
	if body.OwnerID != memory.DemoOwnerID {
		t.Fatalf("expected owner %s, got %s", memory.DemoOwnerID, body.OwnerID)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	rec := do(t, api, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	rec := do(t, api, http.MethodGet, "/api/v1/products", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "staff", "staff123")

	rec := do(t, api, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	body := decodeBody[map[string][]domain.Product](t, rec)
	if len(body["products"]) != 3 {
		t.Fatalf("expected 3 seeded products, got %d", len(body["products"]))
	}
}

func TestStaffCannotCreateProduct(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "staff", "staff123")

	rec := do(t, api, http.MethodPost, "/api/v1/products", token, domain.ProductCreateRequest{
		Name:         "Stool",
		Price:        decimal.NewFromInt(10000),
		InitialStock: 3,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestProductStockEndpoints(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	rec := do(t, api, http.MethodPost, "/api/v1/products", token, domain.ProductCreateRequest{
		SKU:          "STOOL-01",
		Name:         "Stool",
		Price:        decimal.NewFromInt(10000),
		InitialStock: 3,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create product: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	created := decodeBody[domain.StockChangeResult](t, rec)
	if created.Entry == nil || created.Entry.Reason != domain.StockReasonInitial {
		t.Fatalf("expected initial_stock entry, got %+v", created.Entry)
	}
	path := "/api/v1/products/" + created.Product.ID

	rec = do(t, api, http.MethodPut, path+"/stock", token, domain.StockAdjustmentRequest{NewStock: 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("no-op adjust: expected 200, got %d", rec.Code)
	}
	if noop := decodeBody[domain.StockChangeResult](t, rec); noop.Entry != nil {
		t.Fatalf("expected no entry for unchanged stock, got %+v", noop.Entry)
	}

	rec = do(t, api, http.MethodPut, path+"/stock", token, domain.StockAdjustmentRequest{NewStock: -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative adjust: expected 400, got %d", rec.Code)
	}

	rec = do(t, api, http.MethodPut, path+"/stock", token, domain.StockAdjustmentRequest{NewStock: 8, Note: "recount"})
	if rec.Code != http.StatusOK {
		t.Fatalf("adjust: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = do(t, api, http.MethodGet, path+"/stock-history", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", rec.Code)
	}
	history := decodeBody[domain.StockHistoryResponse](t, rec)
	if history.Stock != 8 || len(history.Entries) != 2 || len(history.Warnings) != 0 {
		t.Fatalf("unexpected history %+v", history)
	}

	rec = do(t, api, http.MethodGet, "/api/v1/products/prd_missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing product: expected 404, got %d", rec.Code)
	}
}

func TestOrderDeliveryOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "staff", "staff123")

	rec := do(t, api, http.MethodPost, "/api/v1/orders", token, domain.OrderSaveRequest{
		CustomerLabel: "Walk-in",
		Items:         []domain.OrderItemRequest{{ProductID: "prd_demo_chair", Quantity: 4}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	created := decodeBody[domain.OrderSaveResult](t, rec)
	if created.Order.Status != domain.OrderStatusWaiting || created.Delivered {
		t.Fatalf("unexpected new order %+v", created)
	}

	update := domain.OrderSaveRequest{
		Version:       created.Order.Version,
		CustomerLabel: "Walk-in",
		Items:         []domain.OrderItemRequest{{ProductID: "prd_demo_chair", Quantity: 4}},
		Status:        domain.OrderStatusDelivered,
	}
	rec = do(t, api, http.MethodPut, "/api/v1/orders/"+created.Order.ID, token, update)
	if rec.Code != http.StatusOK {
		t.Fatalf("deliver: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	delivered := decodeBody[domain.OrderSaveResult](t, rec)
	if !delivered.Delivered || len(delivered.Outcomes) != 1 || delivered.Outcomes[0].NewStock != 20 {
		t.Fatalf("unexpected delivery result %+v", delivered)
	}

	// Replaying the stale version must not decrement again.
	rec = do(t, api, http.MethodPut, "/api/v1/orders/"+created.Order.ID, token, update)
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale save: expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = do(t, api, http.MethodGet, "/api/v1/products/prd_demo_chair", token, nil)
	product := decodeBody[map[string]domain.Product](t, rec)["product"]
	if product.Stock != 20 {
		t.Fatalf("expected chair stock 20, got %d", product.Stock)
	}

	rec = do(t, api, http.MethodGet, "/api/v1/orders?status=delivered", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list orders: expected 200, got %d", rec.Code)
	}
	if orders := decodeBody[map[string][]domain.Order](t, rec)["orders"]; len(orders) != 1 {
		t.Fatalf("expected 1 delivered order, got %d", len(orders))
	}

	rec = do(t, api, http.MethodGet, "/api/v1/orders?status=shipped", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter: expected 400, got %d", rec.Code)
	}
}

func TestPromotionAdminAndStorefrontFlow(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	rec := do(t, api, http.MethodPost, "/api/v1/promotions", token, domain.PromotionRequest{
		Code:             " flat50 ",
		DiscountType:     domain.DiscountFixed,
		DiscountValue:    decimal.NewFromInt(50000),
		UsageLimit:       1,
		ShowOnStorefront: true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create promotion: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	promo := decodeBody[map[string]domain.Promotion](t, rec)["promotion"]
	if promo.Code != "FLAT50" {
		t.Fatalf("expected normalized code, got %q", promo.Code)
	}

	rec = do(t, api, http.MethodPost, "/api/v1/promotions", token, domain.PromotionRequest{
		Code:          "FLAT50",
		DiscountType:  domain.DiscountFixed,
		DiscountValue: decimal.NewFromInt(1),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate code: expected 409, got %d", rec.Code)
	}

	storefront := "/api/v1/storefront/" + memory.DemoOwnerID
	rec = do(t, api, http.MethodGet, storefront+"/promotions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("storefront promotions: expected 200, got %d", rec.Code)
	}
	if listed := decodeBody[map[string][]domain.Promotion](t, rec)["promotions"]; len(listed) != 2 {
		t.Fatalf("expected 2 storefront promotions, got %d", len(listed))
	}

	rec = do(t, api, http.MethodPost, storefront+"/coupons/validate", "", domain.CouponValidateRequest{
		Code:       "flat50",
		CustomerID: "cus-1",
		Subtotal:   decimal.NewFromInt(30000),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("validate: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	quote := decodeBody[domain.CouponQuote](t, rec)
	if !quote.Valid || !quote.Discount.Equal(decimal.NewFromInt(30000)) || !quote.Total.IsZero() {
		t.Fatalf("expected fixed discount capped at subtotal, got %+v", quote)
	}

	checkout := domain.CheckoutRequest{
		CustomerID:    "cus-1",
		CustomerLabel: "Ayu",
		Items:         []domain.OrderItemRequest{{ProductID: "prd_demo_chair", Quantity: 1}},
		CouponCode:    "FLAT50",
	}
	rec = do(t, api, http.MethodPost, storefront+"/checkout", "", checkout)
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	confirmed := decodeBody[domain.ConfirmOrderResult](t, rec)
	if confirmed.CouponUsage == nil || !confirmed.Order.Total.Equal(decimal.NewFromInt(400000)) {
		t.Fatalf("unexpected checkout result %+v", confirmed)
	}

	checkout.CustomerID = "cus-2"
	rec = do(t, api, http.MethodPost, storefront+"/checkout", "", checkout)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("exhausted coupon: expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if reason := decodeBody[map[string]string](t, rec)["reason"]; reason != "usage_limit_reached" {
		t.Fatalf("expected usage_limit_reached, got %q", reason)
	}

	rec = do(t, api, http.MethodPost, "/api/v1/promotions/"+promo.ID+"/status", token, map[string]string{"status": "inactive"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if updated := decodeBody[map[string]domain.Promotion](t, rec)["promotion"]; updated.Status != domain.PromotionInactive || updated.UsageCount != 1 {
		t.Fatalf("unexpected promotion after pause %+v", updated)
	}
}

func TestStaffManagement(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAsAdmin(t, api)

	rec := do(t, api, http.MethodPost, "/api/v1/users/staff", admin, domain.StaffCreateRequest{Username: "packer", Password: "packer99"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create staff: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = do(t, api, http.MethodGet, "/api/v1/users/staff", admin, nil)
	staff := decodeBody[map[string][]domain.StaffUser](t, rec)["staff"]
	if len(staff) != 2 {
		t.Fatalf("expected seeded staff plus packer, got %+v", staff)
	}

	packer := loginAs(t, api, "packer", "packer99")
	rec = do(t, api, http.MethodGet, "/api/v1/users/staff", packer, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("staff listing staff: expected 403, got %d", rec.Code)
	}
}
