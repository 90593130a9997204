package configsync

import (
	"encoding/json"

	"github.com/tienda-app/tienda-go/internal/models"
)

// Decode turns a raw configuration document into a snapshot.
//
// Decoding is per field: only a JSON true enables a flag. A missing, null or
// non-boolean field leaves that flag false without affecting the other one,
// and a payload that is not an object yields the fail-closed snapshot.
// Unknown fields are ignored.
func Decode(data json.RawMessage) models.ConfigSnapshot {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return models.ConfigSnapshot{}
	}
	return models.ConfigSnapshot{
		StoreOpen:       boolField(fields, models.FieldStoreOpen),
		AcceptingOrders: boolField(fields, models.FieldAcceptingOrders),
	}
}

func boolField(fields map[string]json.RawMessage, name string) bool {
	raw, ok := fields[name]
	if !ok {
		return false
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v
}
