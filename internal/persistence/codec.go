package persistence

import (
	"bytes"
	"encoding/gob"

	"github.com/petrijr/approvalflow/pkg/api"
)

// EncodeValue serializes v using encoding/gob.
func EncodeValue[T any](v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes a value written by EncodeValue. Empty input
// yields the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v)
	return v, err
}

// eventBody is the part of an event stored as a blob. Indexed fields live in
// their own columns.
type eventBody struct {
	Payload    api.EventPayload
	Activities []api.ActivityIntent
}

func encodeEventBody(ev api.Event) ([]byte, error) {
	return EncodeValue(eventBody{Payload: ev.Payload, Activities: ev.Activities})
}

func decodeEventBody(data []byte, ev *api.Event) error {
	body, err := DecodeValue[eventBody](data)
	if err != nil {
		return err
	}
	ev.Payload = body.Payload
	ev.Activities = body.Activities
	return nil
}

func encodeSnapshot(inst *api.Instance) ([]byte, error) {
	return EncodeValue(*inst)
}

func decodeSnapshot(data []byte) (*api.Instance, error) {
	if len(data) == 0 {
		return nil, ErrInstanceNotFound
	}
	inst, err := DecodeValue[api.Instance](data)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}
