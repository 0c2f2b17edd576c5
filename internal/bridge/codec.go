package bridge

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/matchlink/internal/game/network"
)

// Codec converts action parameters to and from the bytes relayed as match state.
type Codec interface {
	Name() string
	Encode(params network.ActionParams) ([]byte, error)
	Decode(data []byte) (network.ActionParams, error)
}

// NewCodec returns the codec registered under name: "json" or "protobuf".
func NewCodec(name string) (Codec, error) {
	switch name {
	case "json":
		return jsonCodec{}, nil
	case "protobuf":
		return protoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown relay codec %q", name)
	}
}

// jsonCodec is readable by any client of the backend. Numbers decode as float64.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(params network.ActionParams) ([]byte, error) {
	if params == nil {
		params = network.ActionParams{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding action params: %w", err)
	}
	return data, nil
}

func (jsonCodec) Decode(data []byte) (network.ActionParams, error) {
	params := network.ActionParams{}
	if len(data) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("decoding action params: %w", err)
	}
	return params, nil
}

// protoCodec encodes params as a binary google.protobuf.Struct. Values are limited to
// what structpb.NewValue accepts; numbers decode as float64.
type protoCodec struct{}

func (protoCodec) Name() string { return "protobuf" }

func (protoCodec) Encode(params network.ActionParams) ([]byte, error) {
	s, err := structpb.NewStruct(params)
	if err != nil {
		return nil, fmt.Errorf("converting action params: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding action params: %w", err)
	}
	return data, nil
}

func (protoCodec) Decode(data []byte) (network.ActionParams, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding action params: %w", err)
	}
	return network.ActionParams(s.AsMap()), nil
}
