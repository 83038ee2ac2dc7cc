package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ExecutionBundle is a pre-built set of task parameters stored in place of
// a flat client context. Params stay opaque to the control plane.
type ExecutionBundle struct {
	Params       []byte   `json:"params"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// EncodeExecutionBundle serializes a bundle for storage on a task record
func EncodeExecutionBundle(b ExecutionBundle) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution bundle: %w", err)
	}
	return data, nil
}

// DecodeExecutionBundle parses a stored bundle, rejecting anything that is
// not a well-formed bundle document.
func DecodeExecutionBundle(data []byte) (*ExecutionBundle, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty bundle", ErrMalformedBundle)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var b ExecutionBundle
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedBundle)
	}
	if b.Params == nil {
		return nil, fmt.Errorf("%w: missing params", ErrMalformedBundle)
	}
	return &b, nil
}
