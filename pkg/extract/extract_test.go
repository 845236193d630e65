package extract

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/riskflow/riskflow/internal/model"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "test ", 0)
}

func TestLookupDottedPath(t *testing.T) {
	doc := map[string]any{
		"txn": map[string]any{
			"amount": 42.5,
			"items":  []any{map[string]any{"sku": "A"}, map[string]any{"sku": "B"}},
		},
	}

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"txn.amount", 42.5, true},
		{"txn.items.1.sku", "B", true},
		{"txn.items.7.sku", nil, false},
		{"txn.missing", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		got, ok := Lookup(doc, tt.path)
		if ok != tt.ok {
			t.Errorf("Lookup(%q) ok = %v, want %v", tt.path, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("Lookup(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestExtractDuplicateNamesFirstWriteWins(t *testing.T) {
	doc := map[string]any{"a": "first", "b": "second"}
	descriptors := []model.FieldDescriptor{
		{Name: "value", Path: "a", Type: model.FieldTypeString},
		{Name: "value", Path: "b", Type: model.FieldTypeString},
	}

	result := Extract(doc, descriptors, uuid.New(), testLogger())
	if got := result.Fields["value"]; got != "first" {
		t.Fatalf("Fields[value] = %v, want first", got)
	}
}

func TestExtractDefaultOnAbsentPath(t *testing.T) {
	descriptors := []model.FieldDescriptor{
		{Name: "amount", Path: "missing", Type: model.FieldTypeFloat, Default: 1.5},
	}

	result := Extract(map[string]any{}, descriptors, uuid.New(), testLogger())
	if got := result.Fields["amount"]; got != 1.5 {
		t.Fatalf("Fields[amount] = %v, want 1.5", got)
	}
}

func TestExtractStringFallbackOnCastFailure(t *testing.T) {
	doc := map[string]any{"amount": "not-a-number"}
	descriptors := []model.FieldDescriptor{
		{Name: "amount", Path: "amount", Type: model.FieldTypeFloat},
	}

	result := Extract(doc, descriptors, uuid.New(), testLogger())
	if got := result.Fields["amount"]; got != "not-a-number" {
		t.Fatalf("Fields[amount] = %v, want string fallback", got)
	}
	if len(result.Fallbacks) != 1 || result.Fallbacks[0] != "amount" {
		t.Fatalf("Fallbacks = %v, want [amount]", result.Fallbacks)
	}
}

func TestExtractGeoFields(t *testing.T) {
	doc := map[string]any{"lat": 51.5, "lon": -0.12}
	descriptors := []model.FieldDescriptor{
		{Name: "lat", Path: "lat", Type: model.FieldTypeLatitude},
		{Name: "lon", Path: "lon", Type: model.FieldTypeLongitude},
	}

	result := Extract(doc, descriptors, uuid.New(), testLogger())
	if !result.HasGeo {
		t.Fatal("HasGeo = false, want true")
	}
	if result.Latitude != 51.5 || result.Longitude != -0.12 {
		t.Fatalf("geo = (%v, %v), want (51.5, -0.12)", result.Latitude, result.Longitude)
	}
}

func TestExtractResponseAndReportFlags(t *testing.T) {
	doc := map[string]any{"amount": 12.0, "hidden": "x"}
	descriptors := []model.FieldDescriptor{
		{Name: "amount", Path: "amount", Type: model.FieldTypeFloat, ResponsePayload: true, ReportTable: true},
		{Name: "hidden", Path: "hidden", Type: model.FieldTypeString},
	}

	result := Extract(doc, descriptors, uuid.New(), testLogger())
	if _, ok := result.Response["amount"]; !ok {
		t.Error("amount missing from response")
	}
	if _, ok := result.Response["hidden"]; ok {
		t.Error("hidden leaked into response")
	}
	if len(result.ReportRows) != 1 {
		t.Fatalf("ReportRows = %d, want 1", len(result.ReportRows))
	}
	row := result.ReportRows[0]
	if row.Key != "amount" || row.ValueFloat != 12.0 || row.ProcessingType != model.ProcessingTypePayload {
		t.Fatalf("unexpected report row %+v", row)
	}
}

func TestResolveTime(t *testing.T) {
	want := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	doc := map[string]any{
		"good": want.Format(time.RFC3339),
		"bad":  "nonsense",
	}

	got, found, parsed := ResolveTime(doc, "good")
	if !found || !parsed || !got.Equal(want) {
		t.Fatalf("ResolveTime(good) = (%v, %v, %v)", got, found, parsed)
	}

	_, found, parsed = ResolveTime(doc, "bad")
	if !found || parsed {
		t.Fatalf("ResolveTime(bad) = (found=%v, parsed=%v), want found, unparsed", found, parsed)
	}

	_, found, _ = ResolveTime(doc, "absent")
	if found {
		t.Fatal("ResolveTime(absent) found = true")
	}
}
