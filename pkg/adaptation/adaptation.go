// Package adaptation calls out to external scoring endpoints with the
// invocation's field map and folds the returned named doubles back into the
// entry.
package adaptation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/riskflow/riskflow/internal/model"
)

const defaultTimeout = 2 * time.Second

// maxResponseBytes bounds how much of an endpoint's response body is read.
const maxResponseBytes = 1 << 20

// Caller performs the HTTP callouts. The client is shared across
// invocations.
type Caller struct {
	Client *http.Client
	Log    *log.Logger
}

// NewCaller builds a caller with a pooled HTTP client.
func NewCaller(logger *log.Logger) *Caller {
	return &Caller{
		Client: &http.Client{Timeout: defaultTimeout},
		Log:    logger,
	}
}

// Execute calls each configured adaptation synchronously in order. A failing
// endpoint is isolated; the remainder still run.
func (c *Caller) Execute(ctx context.Context, mod *model.Model, entry *model.InstanceEntry,
	response map[string]float64, rows *[]model.ArchiveKey) {

	for _, a := range mod.Adaptations {
		result, err := c.call(ctx, a, entry.Fields)
		if err != nil {
			c.Log.Printf("adaptation %q failed: %v", a.Name, err)
			continue
		}
		if _, exists := entry.AdaptationResponses[a.Name]; exists {
			continue
		}
		entry.AdaptationResponses[a.Name] = result
		for name, value := range result {
			if a.ResponsePayload {
				response[a.Name+"."+name] = value
			}
			if a.ReportTable && !entry.Reprocess {
				*rows = append(*rows, model.ArchiveKey{
					EntryID:        entry.EntryID,
					ProcessingType: model.ProcessingTypeAggregate,
					Key:            a.Name + "." + name,
					ValueFloat:     value,
				})
			}
		}
	}
}

func (c *Caller) call(ctx context.Context, a *model.Adaptation, fields map[string]any) (map[string]float64, error) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	var result map[string]float64
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}
