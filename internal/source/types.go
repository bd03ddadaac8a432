package source

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/rbaliyan/progress-events/internal/store"
)

// Metadata keys set on published messages.
const (
	MetadataOperation   = "operation"
	MetadataNamespace   = "namespace"
	MetadataDocumentKey = "document_key"
)

// OperationType represents the type of change operation.
type OperationType string

// OperationInsert is the only operation the watcher publishes.
const OperationInsert OperationType = "insert"

// ChangeEvent is the decoded form of a change stream document.
type ChangeEvent struct {
	ID            string          `json:"id"`
	OperationType OperationType   `json:"operation_type"`
	Database      string          `json:"database"`
	Collection    string          `json:"collection"`
	DocumentKey   string          `json:"document_key"`
	FullDocument  json.RawMessage `json:"full_document,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Namespace     string          `json:"namespace"`
}

// changeStreamDoc represents the MongoDB change stream document structure.
// See: https://www.mongodb.com/docs/manual/reference/change-events/
type changeStreamDoc struct {
	ID            changeStreamID `bson:"_id"`
	OperationType string         `bson:"operationType"`
	NS            changeStreamNS `bson:"ns"`
	DocumentKey   bson.D         `bson:"documentKey"`
	FullDocument  bson.Raw       `bson:"fullDocument,omitempty"`
	ClusterTime   bson.Timestamp `bson:"clusterTime"`
}

type changeStreamID struct {
	Data string `bson:"_data"`
}

type changeStreamNS struct {
	DB   string `bson:"db"`
	Coll string `bson:"coll"`
}

// changeEvent converts the raw change document.
func (d changeStreamDoc) changeEvent() (ChangeEvent, error) {
	ev := ChangeEvent{
		ID:            d.ID.Data,
		OperationType: OperationType(d.OperationType),
		Database:      d.NS.DB,
		Collection:    d.NS.Coll,
		Namespace:     d.NS.DB + "." + d.NS.Coll,
		Timestamp:     time.Now().UTC(),
	}
	if ev.ID == "" {
		ev.ID = transport.NewID()
	}

	for _, e := range d.DocumentKey {
		if e.Key == "_id" {
			ev.DocumentKey = formatDocumentKey(e.Value)
		}
	}

	if len(d.FullDocument) > 0 {
		data, err := store.DocumentJSON(d.FullDocument)
		if err != nil {
			return ChangeEvent{}, err
		}
		ev.FullDocument = data
	}

	if d.ClusterTime.T > 0 {
		ev.Timestamp = time.Unix(int64(d.ClusterTime.T), 0).UTC()
	}

	return ev, nil
}

// formatDocumentKey converts any MongoDB _id type to a string representation.
func formatDocumentKey(id any) string {
	if id == nil {
		return ""
	}
	switch v := id.(type) {
	case bson.ObjectID:
		return v.Hex()
	case string:
		return v
	case bson.Binary:
		// UUID or other binary types
		return fmt.Sprintf("%x", v.Data)
	case int32, int64, int:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	}
}
