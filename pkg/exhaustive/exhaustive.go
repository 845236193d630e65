// Package exhaustive scores invocations against trained feed-forward
// networks supplied with the model definition.
package exhaustive

import (
	"fmt"
	"log"
	"math"

	"github.com/riskflow/riskflow/internal/model"
	"github.com/riskflow/riskflow/pkg/extract"
)

// Scorer evaluates the model definition's exhaustive networks.
type Scorer struct {
	Log *log.Logger
}

// Execute scores each network and records the result under the network's
// name. A failing network is isolated; the remainder still score.
func (s *Scorer) Execute(mod *model.Model, entry *model.InstanceEntry,
	response map[string]float64, rows *[]model.ArchiveKey) {

	for _, em := range mod.ExhaustiveModels {
		score, err := s.score(em, entry)
		if err != nil {
			s.Log.Printf("exhaustive model %q failed: %v", em.Name, err)
			continue
		}
		if _, exists := entry.ExhaustiveScores[em.Name]; exists {
			continue
		}
		entry.ExhaustiveScores[em.Name] = score
		if em.ResponsePayload {
			response[em.Name] = score
		}
		if em.ReportTable && !entry.Reprocess {
			*rows = append(*rows, model.ArchiveKey{
				EntryID:        entry.EntryID,
				ProcessingType: model.ProcessingTypeAggregate,
				Key:            em.Name,
				ValueFloat:     score,
			})
		}
	}
}

func (s *Scorer) score(em *model.ExhaustiveModel, entry *model.InstanceEntry) (float64, error) {
	if len(em.Weights) != len(em.Biases) {
		return 0, fmt.Errorf("layer shape mismatch: %d weight matrices, %d bias vectors",
			len(em.Weights), len(em.Biases))
	}

	layer := make([]float64, len(em.Features))
	for i, f := range em.Features {
		layer[i] = normalise(featureValue(f, entry), f.Mean, f.Sd)
	}

	for l := range em.Weights {
		next, err := forward(em.Weights[l], em.Biases[l], layer)
		if err != nil {
			return 0, fmt.Errorf("layer %d: %w", l, err)
		}
		layer = next
	}
	if len(layer) != 1 {
		return 0, fmt.Errorf("output layer width %d, want 1", len(layer))
	}
	return layer[0], nil
}

// forward applies one dense layer with a sigmoid activation.
func forward(weights [][]float64, biases []float64, in []float64) ([]float64, error) {
	if len(weights) != len(biases) {
		return nil, fmt.Errorf("%d weight rows, %d biases", len(weights), len(biases))
	}
	out := make([]float64, len(weights))
	for i, row := range weights {
		if len(row) != len(in) {
			return nil, fmt.Errorf("row %d width %d, input width %d", i, len(row), len(in))
		}
		sum := biases[i]
		for j, w := range row {
			sum += w * in[j]
		}
		out[i] = sigmoid(sum)
	}
	return out, nil
}

// featureValue resolves one input: an abstraction value when the feature is
// abstraction-sourced, otherwise the payload field cast to float.
func featureValue(f model.Feature, entry *model.InstanceEntry) float64 {
	if f.Abstraction {
		return entry.Abstraction[f.Name]
	}
	raw, ok := entry.Fields[f.Name]
	if !ok {
		return 0
	}
	v, _ := extract.AsFloat(raw)
	return v
}

func normalise(v, mean, sd float64) float64 {
	if sd == 0 {
		return v - mean
	}
	return (v - mean) / sd
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
