package rules

import (
	"log"
	"os"
	"testing"

	"github.com/riskflow/riskflow/internal/model"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "test ", 0)
}

func TestEvaluateBoolPanicIsolation(t *testing.T) {
	eval := NewClosureEvaluator()
	panicky := func(map[string]any, *model.RuleState) bool {
		panic("boom")
	}

	matched, err := eval.EvaluateBool("bad", panicky, nil, nil)
	if err == nil {
		t.Fatal("want error from panicking predicate")
	}
	if matched {
		t.Fatal("panicking predicate reported a match")
	}
}

func TestEvaluateBoolNilPredicate(t *testing.T) {
	eval := NewClosureEvaluator()
	if _, err := eval.EvaluateBool("nil", nil, nil, nil); err == nil {
		t.Fatal("want error for nil predicate")
	}
}

func TestExecuteDictionary(t *testing.T) {
	m := &model.Model{
		Dictionary: map[string]map[string]float64{
			"merchant": {"acme": 0.9, "globex": 0.2},
			"country":  {"GB": 0.1},
		},
	}
	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["merchant"] = "acme"
	// country absent from payload

	response := make(map[string]float64)
	ExecuteDictionary(m, entry, response, testLogger())

	if got := entry.Dictionary["merchant"]; got != 0.9 {
		t.Fatalf("Dictionary[merchant] = %v, want 0.9", got)
	}
	if _, ok := entry.Dictionary["country"]; ok {
		t.Fatal("country resolved without a payload value")
	}
	if response["merchant"] != 0.9 {
		t.Fatalf("response[merchant] = %v, want 0.9", response["merchant"])
	}
}

func TestExecuteInlineFunctionsIsolationAndFirstWrite(t *testing.T) {
	m := &model.Model{
		InlineFunctions: []*model.InlineFunction{
			{
				Name:       "boom",
				ReturnName: "derived",
				Fn:         func(map[string]any) (any, error) { panic("boom") },
			},
			{
				Name:       "ok",
				ReturnName: "derived",
				Fn:         func(map[string]any) (any, error) { return "v1", nil },
			},
			{
				Name:       "later",
				ReturnName: "derived",
				Fn:         func(map[string]any) (any, error) { return "v2", nil },
			},
		},
	}
	entry := model.NewInstanceEntry(1, 1)
	var rows []model.ArchiveKey

	ExecuteInlineFunctions(m, entry, make(map[string]any), &rows, testLogger())

	if got := entry.Fields["derived"]; got != "v1" {
		t.Fatalf("Fields[derived] = %v, want v1 (first successful writer)", got)
	}
}

func TestExecuteCalculations(t *testing.T) {
	m := &model.Model{
		Calculations: []*model.Calculation{
			{Name: "ratio", LeftName: "a", RightName: "b", Operator: model.CalculationDivide, ResponsePayload: true},
			{Name: "zero_div", LeftName: "a", RightName: "absent", Operator: model.CalculationDivide},
			{Name: "total", LeftName: "a", RightName: "b", Operator: model.CalculationAdd},
		},
	}
	entry := model.NewInstanceEntry(1, 1)
	entry.Abstraction["a"] = 10
	entry.Abstraction["b"] = 4

	response := make(map[string]float64)
	var rows []model.ArchiveKey
	ExecuteCalculations(m, NewClosureEvaluator(), entry, response, &rows, testLogger())

	if got := entry.AbstractionCalculation["ratio"]; got != 2.5 {
		t.Fatalf("ratio = %v, want 2.5", got)
	}
	if got := entry.AbstractionCalculation["zero_div"]; got != 0 {
		t.Fatalf("zero_div = %v, want 0 on division by zero", got)
	}
	if got := entry.AbstractionCalculation["total"]; got != 14 {
		t.Fatalf("total = %v, want 14", got)
	}
	if response["ratio"] != 2.5 {
		t.Fatalf("response[ratio] = %v, want 2.5", response["ratio"])
	}
	if _, ok := response["total"]; ok {
		t.Fatal("total leaked into response without the flag")
	}
}

func TestPredicateCombinators(t *testing.T) {
	fields := map[string]any{"amount": 100.0, "currency": "EUR"}

	tests := []struct {
		name string
		p    model.Predicate
		want bool
	}{
		{"always", Always(), true},
		{"never", Never(), false},
		{"gt hit", FieldGreaterThan("amount", 50), true},
		{"gt miss", FieldGreaterThan("amount", 100), false},
		{"gt absent", FieldGreaterThan("missing", 0), false},
		{"eq", FieldEquals("currency", "EUR"), true},
		{"and", And(FieldGreaterThan("amount", 50), FieldEquals("currency", "EUR")), true},
		{"or", Or(Never(), FieldEquals("currency", "EUR")), true},
		{"not", Not(FieldEquals("currency", "EUR")), false},
	}
	for _, tt := range tests {
		if got := tt.p(fields, nil); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAbstractionPredicateReadsState(t *testing.T) {
	state := &model.RuleState{Abstraction: map[string]float64{"velocity": 3}}
	if !AbstractionGreaterThan("velocity", 2)(nil, state) {
		t.Fatal("velocity > 2 should match")
	}
	if AbstractionGreaterThan("velocity", 2)(nil, nil) {
		t.Fatal("nil state should never match")
	}
}
