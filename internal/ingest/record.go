package ingest

import (
	"bytes"
	"encoding/json"
	"strings"

	"corrwatch/internal/normalize"
)

// RawRecord is one untyped log record plus the kind it should be read as.
type RawRecord struct {
	Kind   normalize.SourceKind
	Fields map[string]any
	Source string
}

var kindKeys = []string{"source_kind", "kind", "log_type"}

// RecordFromMap picks the source kind from the record itself, falling back
// to the transport's default when the record does not name one.
func RecordFromMap(obj map[string]any, fallback, source string) (RawRecord, error) {
	declared := fallback
	for _, k := range kindKeys {
		if v, ok := obj[k].(string); ok && strings.TrimSpace(v) != "" {
			declared = v
			break
		}
	}
	kind, err := normalize.ParseSourceKind(declared)
	if err != nil {
		return RawRecord{}, err
	}
	return RawRecord{Kind: kind, Fields: obj, Source: source}, nil
}

// ParseJSONBytes decodes one JSON object keeping numbers exact, so epoch
// timestamps survive without float rounding.
func ParseJSONBytes(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// ParseJSONList accepts either one object or an array of objects.
func ParseJSONList(data []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var list []map[string]any
		if err := dec.Decode(&list); err != nil {
			return nil, err
		}
		return list, nil
	}
	obj, err := ParseJSONBytes(trimmed)
	if err != nil {
		return nil, err
	}
	return []map[string]any{obj}, nil
}
