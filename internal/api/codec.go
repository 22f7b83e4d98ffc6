package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/structpb"
)

// SubmitResponse wraps the canonical record returned by Submit.
type SubmitResponse struct {
	Record json.RawMessage `json:"record"`
}

// EncodeStruct converts any JSON-encodable value into a Struct.
func EncodeStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return RawToStruct(b)
}

// RawToStruct parses a JSON object into a Struct.
func RawToStruct(raw json.RawMessage) (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return s, nil
}

// DecodeStruct converts s back into v through JSON.
func DecodeStruct(s *structpb.Struct, v any) error {
	b, err := StructToRaw(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// StructToRaw renders s as a JSON object.
func StructToRaw(s *structpb.Struct) (json.RawMessage, error) {
	if s == nil {
		return json.RawMessage(`{}`), nil
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// ConflictError builds the Aborted status a server returns when a mutation
// was based on a stale version. current is attached as a detail.
func ConflictError(msg string, current json.RawMessage) error {
	st := status.New(codes.Aborted, msg)
	s, err := RawToStruct(current)
	if err != nil {
		return st.Err()
	}
	withDetails, err := st.WithDetails(protoadapt.MessageV1Of(s))
	if err != nil {
		return st.Err()
	}
	return withDetails.Err()
}

// ConflictRecord extracts the current record from a conflict status.
func ConflictRecord(st *status.Status) (json.RawMessage, bool) {
	for _, d := range st.Details() {
		s, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		raw, err := StructToRaw(s)
		if err != nil {
			return nil, false
		}
		return raw, true
	}
	return nil, false
}
