package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/karroolabs/karroo/internal/config"
	"github.com/karroolabs/karroo/internal/escrow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		HoldWindow:      48 * time.Hour,
		SweepInterval:   30 * time.Second,
		ChatWindowLimit: 5,
		RateLimitRPM:    10000,
	}
}

// newTestServer creates an in-memory server
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	s.router.ServeHTTP(w, req)
	return w
}

// registerUser registers a user and returns their ID and API key
func registerUser(t *testing.T, s *Server, name string) (userID, apiKey string) {
	t.Helper()
	w := doJSON(t, s, "POST", "/v1/users", fmt.Sprintf(`{"name":%q}`, name), "")
	if w.Code != http.StatusCreated {
		t.Fatalf("Registration failed: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		UserID string `json:"userId"`
		APIKey string `json:"apiKey"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse registration response: %v", err)
	}
	if resp.UserID == "" || resp.APIKey == "" {
		t.Fatalf("Registration response missing userId or apiKey: %s", w.Body.String())
	}
	return resp.UserID, resp.APIKey
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/live", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/ready", "", "")
	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/users",
		"GET:/v1/listings",
		"POST:/v1/offers",
		"POST:/v1/offers/:id/respond",
		"GET:/v1/orders",
		"POST:/v1/orders/:id/confirm-delivery",
		"POST:/v1/orders/:id/pay",
		"GET:/v1/escrow/:orderId",
		"POST:/v1/escrow/:orderId/disputes",
		"POST:/v1/offers/:id/messages",
		"GET:/v1/sync",
		"POST:/v1/webhooks",
		"POST:/v1/payments/stripe/webhook",
		"POST:/v1/admin/reconcile",
		"POST:/v1/admin/disputes/:id/resolve",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Registration & auth tests
// ---------------------------------------------------------------------------

func TestUserRegistrationReturnsAPIKey(t *testing.T) {
	s := newTestServer(t)

	userID, apiKey := registerUser(t, s, "Thandi")
	if !strings.HasPrefix(userID, "usr_") {
		t.Errorf("Expected usr_ prefix, got %s", userID)
	}
	if !strings.HasPrefix(apiKey, "kr_") {
		t.Errorf("Expected kr_ prefix, got %s", apiKey)
	}
}

func TestProtectedRouteRejectsWithoutKey(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/offers", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/nonexistent", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Full marketplace flow
// ---------------------------------------------------------------------------

func TestMarketplaceFlow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, sellerKey := registerUser(t, s, "Sipho")
	_, buyerKey := registerUser(t, s, "Lerato")

	// Seller publishes a listing
	w := doJSON(t, s, "POST", "/v1/listings",
		`{"title":"Gently used camera","askingPrice":120000}`, sellerKey)
	if w.Code != http.StatusCreated {
		t.Fatalf("Listing creation failed: %d %s", w.Code, w.Body.String())
	}
	var listing struct {
		ID string `json:"id"`
	}
	json.Unmarshal(w.Body.Bytes(), &listing)

	// Buyer proposes below asking
	w = doJSON(t, s, "POST", "/v1/offers",
		fmt.Sprintf(`{"listingId":%q,"amount":90000,"message":"Would you take 900?"}`, listing.ID), buyerKey)
	if w.Code != http.StatusCreated {
		t.Fatalf("Offer failed: %d %s", w.Code, w.Body.String())
	}
	var offer struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	json.Unmarshal(w.Body.Bytes(), &offer)
	if offer.Status != "pending" {
		t.Fatalf("Expected pending offer, got %s", offer.Status)
	}

	// Seller counters
	w = doJSON(t, s, "POST", "/v1/offers/"+offer.ID+"/counter",
		`{"counterAmount":100000}`, sellerKey)
	if w.Code != http.StatusOK {
		t.Fatalf("Counter failed: %d %s", w.Code, w.Body.String())
	}

	// Buyer accepts the counter; an order materializes
	w = doJSON(t, s, "POST", "/v1/offers/"+offer.ID+"/respond",
		`{"decision":"accept"}`, buyerKey)
	if w.Code != http.StatusOK {
		t.Fatalf("Accept failed: %d %s", w.Code, w.Body.String())
	}
	var accepted struct {
		Status  string `json:"status"`
		OrderID string `json:"orderId"`
	}
	json.Unmarshal(w.Body.Bytes(), &accepted)
	if accepted.Status != "accepted" {
		t.Fatalf("Expected accepted, got %s", accepted.Status)
	}
	if accepted.OrderID == "" {
		t.Fatal("Expected materialized order ID on accepted offer")
	}
	orderID := accepted.OrderID

	// Order carries the agreed amount plus service fee
	w = doJSON(t, s, "GET", "/v1/orders/"+orderID, "", buyerKey)
	if w.Code != http.StatusOK {
		t.Fatalf("Order fetch failed: %d %s", w.Code, w.Body.String())
	}
	var order struct {
		Amount int64  `json:"amount"`
		Total  int64  `json:"total"`
		Status string `json:"status"`
	}
	json.Unmarshal(w.Body.Bytes(), &order)
	if order.Amount != 100000 {
		t.Errorf("Expected agreed amount 100000, got %d", order.Amount)
	}
	if order.Total <= order.Amount {
		t.Errorf("Expected total above amount (service fee), got %d", order.Total)
	}

	// Payment confirmation normally arrives via the Stripe webhook;
	// mark paid through the same idempotent operation it calls.
	if _, err := s.ordersSvc.MarkPaid(ctx, orderID); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}

	// Seller ships
	w = doJSON(t, s, "POST", "/v1/orders/"+orderID+"/ship",
		`{"carrier":"CourierIt","trackingNumber":"CI123456"}`, sellerKey)
	if w.Code != http.StatusOK {
		t.Fatalf("Ship failed: %d %s", w.Code, w.Body.String())
	}

	// Buyer confirms delivery; escrow hold starts
	w = doJSON(t, s, "POST", "/v1/orders/"+orderID+"/confirm-delivery",
		`{"photoRef":"photo_123"}`, buyerKey)
	if w.Code != http.StatusOK {
		t.Fatalf("Confirm delivery failed: %d %s", w.Code, w.Body.String())
	}

	// Escrow status shows a pending hold with a future release time
	w = doJSON(t, s, "GET", "/v1/escrow/"+orderID, "", sellerKey)
	if w.Code != http.StatusOK {
		t.Fatalf("Escrow status failed: %d %s", w.Code, w.Body.String())
	}
	var status struct {
		Hold struct {
			ID        string    `json:"id"`
			Status    string    `json:"status"`
			ReleaseAt time.Time `json:"releaseAt"`
		} `json:"hold"`
	}
	json.Unmarshal(w.Body.Bytes(), &status)
	if status.Hold.Status != "pending" {
		t.Fatalf("Expected pending hold, got %q", status.Hold.Status)
	}
	if !status.Hold.ReleaseAt.After(time.Now().Add(47 * time.Hour)) {
		t.Errorf("Expected release roughly 48h out, got %v", status.Hold.ReleaseAt)
	}

	// Buyer disputes inside the window
	w = doJSON(t, s, "POST", "/v1/escrow/"+orderID+"/disputes",
		`{"reason":"Lens is scratched"}`, buyerKey)
	if w.Code != http.StatusCreated {
		t.Fatalf("Dispute failed: %d %s", w.Code, w.Body.String())
	}
	var dispute struct {
		ID string `json:"id"`
	}
	json.Unmarshal(w.Body.Bytes(), &dispute)

	// Admin resolves with no refund (demo mode: any authenticated caller)
	w = doJSON(t, s, "POST", "/v1/admin/disputes/"+dispute.ID+"/resolve",
		`{"outcome":"resolved_no_refund","notes":"Scratch predates shipping per listing photos"}`, sellerKey)
	if w.Code != http.StatusOK {
		t.Fatalf("Resolve failed: %d %s", w.Code, w.Body.String())
	}

	// A no-refund resolution puts the hold back on its original clock
	hold, err := s.escrowSvc.HoldForOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("HoldForOrder failed: %v", err)
	}
	if hold.Status != escrow.HoldPending {
		t.Errorf("Expected pending hold after no-refund resolution, got %s", hold.Status)
	}
	if !hold.ReleaseAt.Equal(status.Hold.ReleaseAt) {
		t.Errorf("Release time moved across dispute: %v vs %v", hold.ReleaseAt, status.Hold.ReleaseAt)
	}

	// Sync snapshot carries the full state for both parties
	w = doJSON(t, s, "GET", "/v1/sync", "", buyerKey)
	if w.Code != http.StatusOK {
		t.Fatalf("Sync failed: %d %s", w.Code, w.Body.String())
	}
	var snapshot struct {
		Entities map[string][]struct {
			ID string `json:"id"`
		} `json:"entities"`
	}
	json.Unmarshal(w.Body.Bytes(), &snapshot)
	if len(snapshot.Entities["offer"]) != 1 {
		t.Errorf("Expected 1 offer in snapshot, got %d", len(snapshot.Entities["offer"]))
	}
	if len(snapshot.Entities["order"]) != 1 {
		t.Errorf("Expected 1 order in snapshot, got %d", len(snapshot.Entities["order"]))
	}
	if len(snapshot.Entities["hold"]) != 1 {
		t.Errorf("Expected 1 hold in snapshot, got %d", len(snapshot.Entities["hold"]))
	}

}

// ---------------------------------------------------------------------------
// Chat guard over HTTP
// ---------------------------------------------------------------------------

func TestChatGuardOverHTTP(t *testing.T) {
	s := newTestServer(t)

	_, sellerKey := registerUser(t, s, "Sipho")
	_, buyerKey := registerUser(t, s, "Lerato")

	w := doJSON(t, s, "POST", "/v1/listings",
		`{"title":"Bike","askingPrice":50000}`, sellerKey)
	var listing struct {
		ID string `json:"id"`
	}
	json.Unmarshal(w.Body.Bytes(), &listing)

	w = doJSON(t, s, "POST", "/v1/offers",
		fmt.Sprintf(`{"listingId":%q,"amount":40000}`, listing.ID), buyerKey)
	var offer struct {
		ID string `json:"id"`
	}
	json.Unmarshal(w.Body.Bytes(), &offer)

	// A message with contact details gets flagged, not stored
	w = doJSON(t, s, "POST", "/v1/offers/"+offer.ID+"/messages",
		`{"body":"call me on 0821234567"}`, buyerKey)
	if w.Code != http.StatusConflict && w.Code != http.StatusOK {
		t.Fatalf("Guarded send failed: %d %s", w.Code, w.Body.String())
	}
	var result struct {
		Guard struct {
			Allowed bool `json:"allowed"`
		} `json:"guard"`
	}
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.Guard.Allowed {
		t.Error("Expected phone number to be flagged by the guard")
	}

	// A clean message goes through
	w = doJSON(t, s, "POST", "/v1/offers/"+offer.ID+"/messages",
		`{"body":"Is the frame size 56cm?"}`, buyerKey)
	if w.Code != http.StatusCreated && w.Code != http.StatusOK {
		t.Fatalf("Clean send failed: %d %s", w.Code, w.Body.String())
	}
}
