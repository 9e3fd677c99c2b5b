package guest

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode converts v to the Struct carried on the wire. v must encode as a
// JSON object.
func Encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	defer wipe(raw)

	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("%T is not an object: %w", v, err)
	}
	return s, nil
}

// Decode unmarshals command arguments, reporting bad input as a
// bad_request error.
func Decode(args *structpb.Struct, v any) error {
	if len(args.GetFields()) == 0 {
		return Errorf(CodeBadRequest, "missing arguments")
	}
	if err := decodeStruct(args, v); err != nil {
		return Errorf(CodeBadRequest, "decode arguments: %v", err)
	}
	return nil
}

func decodeStruct(s *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	defer wipe(raw)
	return json.Unmarshal(raw, v)
}

// wipe zeroes encoded messages, since unlock arguments carry a passphrase.
func wipe(b []byte) {
	clear(b)
}
