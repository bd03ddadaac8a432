package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/rbaliyan/progress-events/internal/progress"
)

// convertBSONTypes recursively converts BSON-specific types to JSON-friendly types.
// Documents decoded into interface values come back as bson.D, so they are
// flattened to maps here before they leave the store.
func convertBSONTypes(v any) any {
	switch val := v.(type) {
	case bson.D:
		result := make(map[string]any, len(val))
		for _, e := range val {
			result[e.Key] = convertBSONTypes(e.Value)
		}
		return result
	case bson.M:
		result := make(map[string]any, len(val))
		for k, v := range val {
			result[k] = convertBSONTypes(v)
		}
		return result
	case bson.A:
		result := make([]any, len(val))
		for i, v := range val {
			result[i] = convertBSONTypes(v)
		}
		return result
	case bson.ObjectID:
		return val.Hex()
	case bson.DateTime:
		return val.Time().UTC().Format(time.RFC3339Nano)
	case bson.Timestamp:
		return time.Unix(int64(val.T), 0).UTC().Format(time.RFC3339Nano)
	case bson.Binary:
		return map[string]any{"$binary": map[string]any{"base64": val.Data, "subType": fmt.Sprintf("%02x", val.Subtype)}}
	case bson.Decimal128:
		return val.String()
	default:
		return val
	}
}

// bsonMToMap converts bson.M to map[string]any with type conversion.
func bsonMToMap(m bson.M) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = convertBSONTypes(v)
	}
	return result
}

// DocumentJSON converts a raw BSON document to JSON, flattening BSON-specific
// types (ObjectIDs become hex strings, dates become RFC 3339 strings).
func DocumentJSON(raw bson.Raw) (json.RawMessage, error) {
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return json.Marshal(convertBSONTypes(doc))
}

// decodeData decodes a stored payload into its typed variant. Payloads of an
// event type this build does not know are returned as plain maps.
func decodeData(eventType string, raw bson.RawValue) (any, error) {
	if len(raw.Value) == 0 {
		return nil, nil
	}

	t, err := progress.ParseEventType(eventType)
	if err != nil {
		var doc bson.D
		if err := raw.Unmarshal(&doc); err != nil {
			return nil, fmt.Errorf("decode event data: %w", err)
		}
		return convertBSONTypes(doc), nil
	}

	data, err := progress.NewData(t)
	if err != nil {
		return nil, err
	}
	if err := raw.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("decode %s event data: %w", t, err)
	}
	normalizeData(data)
	return data, nil
}

// normalizeData converts nested BSON values that were decoded into interface
// fields (quiz answers may carry arbitrary values).
func normalizeData(data progress.Data) {
	q, ok := data.(*progress.QuizAttempt)
	if !ok {
		return
	}
	for i := range q.Answers {
		q.Answers[i].Answer = convertBSONTypes(q.Answers[i].Answer)
	}
}
