package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/riskflow/riskflow/internal/model"
	"github.com/riskflow/riskflow/pkg/cache"
	"github.com/riskflow/riskflow/pkg/defaults/auth"
	"github.com/riskflow/riskflow/pkg/engine"
	"github.com/riskflow/riskflow/pkg/rules"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	mod := &model.Model{
		ID:                   1,
		TenantID:             1,
		Name:                 "payments",
		EntryPath:            "txn.id",
		UseWallClock:         true,
		MaxResponseElevation: 100,
		Fields: []model.FieldDescriptor{
			{Name: "amount", Path: "txn.amount", Type: model.FieldTypeFloat},
		},
		GatewayRules: []*model.GatewayRule{
			{ID: 1, Name: "admit", Predicate: rules.Always(), Sample: 1.0, MaxResponseElevation: 100},
		},
		ActivationRules: []*model.ActivationRule{
			{
				ID: 1, Name: "high", Visible: true,
				Predicate:               rules.FieldGreaterThan("amount", 50),
				ActivationSample:        1.0,
				EnableResponseElevation: true,
				ResponseElevation:       10,
			},
		},
	}
	eng := engine.New(cache.NewMemoryStore(), engine.NewStaticRegistry(mod), nil, nil, nil, nil, engine.DefaultOptions())
	return NewServer(eng, engine.NewStaticRegistry(mod), nil, 0, nil)
}

func TestHandleInvoke(t *testing.T) {
	s := testServer(t)

	body := `{"txn":{"id":"A1","amount":100}}`
	req := httptest.NewRequest(http.MethodPost, "/api/invoke/1", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp["gatewayMatched"] != true {
		t.Fatalf("response = %v, want gateway matched", resp)
	}
	elevation, _ := resp["responseElevation"].(map[string]any)
	if elevation["value"] != 10.0 {
		t.Fatalf("elevation = %v, want 10", elevation)
	}
}

func TestHandleInvokeUnknownModel(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/invoke/99", strings.NewReader(`{"txn":{"id":"A1"}}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleInvokeBadRequests(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/invoke/not-a-number", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric id: status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/invoke/1", strings.NewReader("not json"))
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid JSON: status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/invoke/1", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET invoke: status = %d, want 405", rec.Code)
	}
}

func TestHandleModels(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var models []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &models); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if len(models) != 1 || models[0]["name"] != "payments" {
		t.Fatalf("models = %v", models)
	}
}

func TestHandleHealth(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/invoke/1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	s := testServer(t)
	keys := auth.NewAPIKeyAuthenticator()
	keys.AddKey(&auth.APIKey{Key: "secret", ID: "tester", Tenant: "default", Enabled: true})
	s.SetAuthenticator(keys)

	body := `{"txn":{"id":"A1","amount":100}}`

	req := httptest.NewRequest(http.MethodPost, "/api/invoke/1", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/invoke/1", strings.NewReader(body))
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad key: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/invoke/1", strings.NewReader(body))
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("good key: status = %d, body %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/invoke/1", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer token: status = %d", rec.Code)
	}

	// Health stays open for load balancer probes.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status = %d", rec.Code)
	}
}
