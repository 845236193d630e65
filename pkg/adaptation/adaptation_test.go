package adaptation

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/riskflow/riskflow/internal/model"
)

func TestExecuteFoldsScoresIntoEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if fields["amount"] != 100.0 {
			t.Errorf("request fields = %v, want the entry's field map", fields)
		}
		json.NewEncoder(w).Encode(map[string]float64{"risk": 0.8, "trust": 0.1})
	}))
	defer srv.Close()

	mod := &model.Model{
		ID: 1, TenantID: 1,
		Adaptations: []*model.Adaptation{
			{ID: 1, Name: "scoring", Endpoint: srv.URL, ResponsePayload: true, ReportTable: true},
		},
	}
	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["amount"] = 100.0
	response := make(map[string]float64)
	var rows []model.ArchiveKey

	NewCaller(log.New(os.Stderr, "", 0)).Execute(context.Background(), mod, entry, response, &rows)

	got := entry.AdaptationResponses["scoring"]
	if got["risk"] != 0.8 || got["trust"] != 0.1 {
		t.Fatalf("responses = %v", got)
	}
	if response["scoring.risk"] != 0.8 {
		t.Fatalf("response payload = %v, want dotted keys", response)
	}
	if len(rows) != 2 {
		t.Fatalf("report rows = %d, want one per returned score", len(rows))
	}
}

func TestExecuteIsolatesFailingEndpoint(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]float64{"score": 1})
	}))
	defer good.Close()

	mod := &model.Model{
		ID: 1, TenantID: 1,
		Adaptations: []*model.Adaptation{
			{ID: 1, Name: "broken", Endpoint: bad.URL},
			{ID: 2, Name: "working", Endpoint: good.URL},
		},
	}
	entry := model.NewInstanceEntry(1, 1)
	var rows []model.ArchiveKey

	NewCaller(log.New(os.Stderr, "", 0)).Execute(context.Background(), mod, entry, map[string]float64{}, &rows)

	if _, recorded := entry.AdaptationResponses["broken"]; recorded {
		t.Fatal("failing endpoint must record nothing")
	}
	if entry.AdaptationResponses["working"]["score"] != 1 {
		t.Fatal("later endpoint must still run")
	}
}

func TestExecuteRejectsMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	mod := &model.Model{
		ID: 1, TenantID: 1,
		Adaptations: []*model.Adaptation{{ID: 1, Name: "garbled", Endpoint: srv.URL}},
	}
	entry := model.NewInstanceEntry(1, 1)
	var rows []model.ArchiveKey

	NewCaller(log.New(os.Stderr, "", 0)).Execute(context.Background(), mod, entry, map[string]float64{}, &rows)

	if len(entry.AdaptationResponses) != 0 {
		t.Fatal("malformed response must record nothing")
	}
}
