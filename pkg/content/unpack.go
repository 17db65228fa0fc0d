package content

import (
	"bytes"
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// UnpackJSON decodes a JSON payload into generic Go values
// (map[string]any, []any, string, json.Number, bool, nil).
func UnpackJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// UnpackMsgPack decodes a MessagePack payload into generic Go values.
// Maps decode as map[string]any.
func UnpackMsgPack(data []byte) (any, error) {
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
