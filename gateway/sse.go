package gateway

import (
	"bytes"
	"encoding/json"
)

// encodeSSE frames a value as one server-sent event.
func encodeSSE(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}
