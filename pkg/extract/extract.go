// Package extract turns a parsed inbound document into a typed field map
// using declarative field-extraction descriptors.
package extract

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/riskflow/riskflow/internal/model"
)

// Result is the outcome of one extraction pass.
type Result struct {
	// Fields is the typed field map. Duplicate descriptor names never
	// overwrite the first value written.
	Fields map[string]any

	// Response holds the subset of fields flagged for response inclusion.
	Response map[string]any

	// ReportRows holds archive rows for fields flagged for report inclusion.
	ReportRows []model.ArchiveKey

	// Fallbacks lists descriptor names whose declared-type cast failed and
	// fell back to a string representation.
	Fallbacks []string

	Latitude  float64
	Longitude float64
	HasGeo    bool
}

// Lookup resolves a dotted path against a parsed document. Intermediate
// segments must be objects; array segments are addressed by decimal index.
func Lookup(doc map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// ResolveString resolves a path to its string representation.
func ResolveString(doc map[string]any, path string) (string, bool) {
	v, ok := Lookup(doc, path)
	if !ok || v == nil {
		return "", false
	}
	return asString(v), true
}

// ResolveTime resolves a path to a timestamp, accepting RFC 3339 and a few
// common layouts. The second return reports whether the path resolved at
// all; the third whether parsing succeeded.
func ResolveTime(doc map[string]any, path string) (time.Time, bool, bool) {
	v, ok := Lookup(doc, path)
	if !ok || v == nil {
		return time.Time{}, false, false
	}
	t, err := castTime(v)
	if err != nil {
		return time.Time{}, true, false
	}
	return t, true, true
}

// Extract applies each descriptor in order: path lookup, declared-type cast,
// default on absence, string fallback on cast failure. First write wins for
// duplicate names; later descriptors with the same name are logged and
// skipped.
func Extract(doc map[string]any, descriptors []model.FieldDescriptor, entryID uuid.UUID, logger *log.Logger) *Result {
	r := &Result{
		Fields:   make(map[string]any, len(descriptors)),
		Response: make(map[string]any),
	}

	for i := range descriptors {
		d := &descriptors[i]
		if _, exists := r.Fields[d.Name]; exists {
			if logger != nil {
				logger.Printf("extract: duplicate descriptor name %q skipped, first write wins", d.Name)
			}
			continue
		}

		raw, found := Lookup(doc, d.Path)
		var value any
		switch {
		case !found || raw == nil:
			value = d.Default
		default:
			cast, err := castValue(raw, d.Type)
			if err != nil {
				value = asString(raw)
				r.Fallbacks = append(r.Fallbacks, d.Name)
				if logger != nil {
					logger.Printf("extract: field %q cast to declared type failed (%v), stored as string", d.Name, err)
				}
			} else {
				value = cast
			}
		}

		r.Fields[d.Name] = value

		switch d.Type {
		case model.FieldTypeLatitude:
			if f, ok := toFloat(value); ok {
				r.Latitude = f
				r.HasGeo = true
			}
		case model.FieldTypeLongitude:
			if f, ok := toFloat(value); ok {
				r.Longitude = f
				r.HasGeo = true
			}
		}

		if d.ResponsePayload {
			r.Response[d.Name] = value
		}
		if d.ReportTable {
			r.ReportRows = append(r.ReportRows, archiveRow(entryID, d, value))
		}
	}

	return r
}

// archiveRow builds the report row for one descriptor, populating the value
// slot selected by the declared type.
func archiveRow(entryID uuid.UUID, d *model.FieldDescriptor, value any) model.ArchiveKey {
	row := model.ArchiveKey{
		EntryID:        entryID,
		ProcessingType: model.ProcessingTypePayload,
		Key:            d.Name,
	}
	switch d.Type {
	case model.FieldTypeInteger:
		if i, ok := toInt(value); ok {
			row.ValueInteger = i
		}
	case model.FieldTypeFloat, model.FieldTypeLatitude, model.FieldTypeLongitude:
		if f, ok := toFloat(value); ok {
			row.ValueFloat = f
		}
	case model.FieldTypeDate:
		if t, ok := value.(time.Time); ok {
			row.ValueDate = t
		}
	case model.FieldTypeBool:
		if b, ok := value.(bool); ok {
			row.ValueBool = b
		}
	default:
		row.ValueString = asString(value)
	}
	return row
}

func castValue(raw any, t model.FieldType) (any, error) {
	switch t {
	case model.FieldTypeString:
		return asString(raw), nil
	case model.FieldTypeInteger:
		if i, ok := toInt(raw); ok {
			return i, nil
		}
		return nil, fmt.Errorf("not an integer: %v", raw)
	case model.FieldTypeFloat, model.FieldTypeLatitude, model.FieldTypeLongitude:
		if f, ok := toFloat(raw); ok {
			return f, nil
		}
		return nil, fmt.Errorf("not a float: %v", raw)
	case model.FieldTypeDate:
		return castTime(raw)
	case model.FieldTypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, err
			}
			return b, nil
		}
		return nil, fmt.Errorf("not a bool: %v", raw)
	default:
		return asString(raw), nil
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func castTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparsable timestamp: %q", v)
	case float64:
		// Unix seconds.
		return time.Unix(int64(v), 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("not a timestamp: %v", raw)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case time.Time:
		return s.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// AsString exposes the canonical string form used for cache keys.
func AsString(v any) string { return asString(v) }

// AsFloat exposes the canonical numeric coercion used by rule closures.
func AsFloat(v any) (float64, bool) { return toFloat(v) }
