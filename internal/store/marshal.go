package store

import (
	"fmt"

	"github.com/roach88/fieldsync/internal/canonical"
)

// marshalPayload converts a payload to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON so the stored bytes match the digest.
func marshalPayload(payload canonical.Object) (string, error) {
	if payload == nil {
		payload = canonical.Object{}
	}
	data, err := canonical.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses canonical JSON TEXT back into an Object.
// Integers are decoded via json.Number so values > 2^53 survive.
func unmarshalPayload(data string) (canonical.Object, error) {
	if data == "" || data == "{}" {
		return canonical.Object{}, nil
	}
	var obj canonical.Object
	if err := obj.UnmarshalJSON([]byte(data)); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
