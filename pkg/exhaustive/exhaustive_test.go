package exhaustive

import (
	"log"
	"math"
	"os"
	"testing"

	"github.com/riskflow/riskflow/internal/model"
)

func scorer() *Scorer {
	return &Scorer{Log: log.New(os.Stderr, "", 0)}
}

func TestExecuteSingleLayerNetwork(t *testing.T) {
	// One input, one output neuron with zero weight and bias: sigmoid(0) = 0.5.
	em := &model.ExhaustiveModel{
		Name:            "fraud_score",
		Features:        []model.Feature{{Name: "amount"}},
		Weights:         [][][]float64{{{0}}},
		Biases:          [][]float64{{0}},
		ResponsePayload: true,
	}
	mod := &model.Model{ID: 1, TenantID: 1, ExhaustiveModels: []*model.ExhaustiveModel{em}}

	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["amount"] = 100.0
	response := make(map[string]float64)
	var rows []model.ArchiveKey

	scorer().Execute(mod, entry, response, &rows)

	if got := entry.ExhaustiveScores["fraud_score"]; got != 0.5 {
		t.Fatalf("score = %v, want 0.5", got)
	}
	if response["fraud_score"] != 0.5 {
		t.Fatalf("response = %v, want the flagged score", response)
	}
}

func TestExecuteNormalisedFeatureDrivesScore(t *testing.T) {
	// Weight 1, bias 0: score = sigmoid((amount - mean) / sd).
	em := &model.ExhaustiveModel{
		Name:     "score",
		Features: []model.Feature{{Name: "amount", Mean: 50, Sd: 25}},
		Weights:  [][][]float64{{{1}}},
		Biases:   [][]float64{{0}},
	}
	mod := &model.Model{ID: 1, TenantID: 1, ExhaustiveModels: []*model.ExhaustiveModel{em}}

	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["amount"] = 100.0
	var rows []model.ArchiveKey

	scorer().Execute(mod, entry, map[string]float64{}, &rows)

	want := 1 / (1 + math.Exp(-2.0)) // (100-50)/25 = 2
	if got := entry.ExhaustiveScores["score"]; math.Abs(got-want) > 1e-12 {
		t.Fatalf("score = %v, want %v", got, want)
	}
}

func TestExecuteAbstractionSourcedFeature(t *testing.T) {
	em := &model.ExhaustiveModel{
		Name:     "score",
		Features: []model.Feature{{Name: "velocity", Abstraction: true}},
		Weights:  [][][]float64{{{1}}},
		Biases:   [][]float64{{0}},
	}
	mod := &model.Model{ID: 1, TenantID: 1, ExhaustiveModels: []*model.ExhaustiveModel{em}}

	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["velocity"] = 999.0 // must be ignored in favour of the abstraction
	entry.Abstraction["velocity"] = 0.0
	var rows []model.ArchiveKey

	scorer().Execute(mod, entry, map[string]float64{}, &rows)

	if got := entry.ExhaustiveScores["score"]; got != 0.5 {
		t.Fatalf("score = %v, want sigmoid(0) over the abstraction value", got)
	}
}

func TestExecuteShapeMismatchIsolated(t *testing.T) {
	broken := &model.ExhaustiveModel{
		Name:     "broken",
		Features: []model.Feature{{Name: "amount"}},
		Weights:  [][][]float64{{{0, 0}}}, // row width 2 against 1 input
		Biases:   [][]float64{{0}},
	}
	good := &model.ExhaustiveModel{
		Name:     "good",
		Features: []model.Feature{{Name: "amount"}},
		Weights:  [][][]float64{{{0}}},
		Biases:   [][]float64{{0}},
	}
	mod := &model.Model{ID: 1, TenantID: 1, ExhaustiveModels: []*model.ExhaustiveModel{broken, good}}

	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["amount"] = 1.0
	var rows []model.ArchiveKey

	scorer().Execute(mod, entry, map[string]float64{}, &rows)

	if _, scored := entry.ExhaustiveScores["broken"]; scored {
		t.Fatal("mis-shaped network must not score")
	}
	if _, scored := entry.ExhaustiveScores["good"]; !scored {
		t.Fatal("later network must still score after an earlier failure")
	}
}

func TestExecuteWideOutputRejected(t *testing.T) {
	em := &model.ExhaustiveModel{
		Name:     "wide",
		Features: []model.Feature{{Name: "amount"}},
		Weights:  [][][]float64{{{0}, {0}}},
		Biases:   [][]float64{{0, 0}},
	}
	mod := &model.Model{ID: 1, TenantID: 1, ExhaustiveModels: []*model.ExhaustiveModel{em}}

	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["amount"] = 1.0
	var rows []model.ArchiveKey

	scorer().Execute(mod, entry, map[string]float64{}, &rows)

	if len(entry.ExhaustiveScores) != 0 {
		t.Fatal("a network with output width != 1 must not score")
	}
}

func TestExecuteReportRow(t *testing.T) {
	em := &model.ExhaustiveModel{
		Name:        "score",
		Features:    []model.Feature{{Name: "amount"}},
		Weights:     [][][]float64{{{0}}},
		Biases:      [][]float64{{0}},
		ReportTable: true,
	}
	mod := &model.Model{ID: 1, TenantID: 1, ExhaustiveModels: []*model.ExhaustiveModel{em}}

	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["amount"] = 1.0
	var rows []model.ArchiveKey

	scorer().Execute(mod, entry, map[string]float64{}, &rows)

	if len(rows) != 1 || rows[0].ValueFloat != 0.5 {
		t.Fatalf("rows = %+v, want one aggregate row at 0.5", rows)
	}
}
