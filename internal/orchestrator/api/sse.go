package api

import (
	"encoding/json"
	"fmt"
)

// formatSSE renders one server-sent event frame. The payload is marshalled
// to JSON on a single data line.
func formatSSE(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)), nil
}
