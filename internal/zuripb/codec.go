// Package zuripb is zuri's wire layer: the message types and gRPC service
// descriptors for RemotingService and InvokeService.
//
// The service layer is hand-authored in exactly the shape protoc-gen-go-grpc
// emits (grpc.ServiceDesc, stream wrapper types, client/server interfaces —
// all ordinary Go with no reflection dependency), which keeps the build free
// of a protoc toolchain dependency. The wire codec is a small JSON-based one
// registered through grpc-go's documented encoding.RegisterCodec extension
// point, so message types can be plain structs instead of
// protoreflect.ProtoMessage implementations.
package zuripb

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/mem"
)

func init() {
	// Registered under both codec registries so the override wins no
	// matter which one grpc-go consults first for this name.
	encoding.RegisterCodec(jsonCodec{})
	encoding.RegisterCodecV2(jsonCodecV2{})
}

// jsonCodec implements encoding.Codec. Registering it under the name "proto"
// makes it grpc-go's content-subtype codec for every call that doesn't
// explicitly request another one — i.e. every call in this codebase, since
// none do.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "proto" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("zuripb: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("zuripb: unmarshal into %T: %w", v, err)
	}
	return nil
}

// jsonCodecV2 is the same codec behind the mem.BufferSlice interface newer
// grpc-go versions prefer.
type jsonCodecV2 struct{}

func (jsonCodecV2) Name() string { return "proto" }

func (jsonCodecV2) Marshal(v any) (mem.BufferSlice, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("zuripb: marshal %T: %w", v, err)
	}
	return mem.BufferSlice{mem.SliceBuffer(b)}, nil
}

func (jsonCodecV2) Unmarshal(data mem.BufferSlice, v any) error {
	if err := json.Unmarshal(data.Materialize(), v); err != nil {
		return fmt.Errorf("zuripb: unmarshal into %T: %w", v, err)
	}
	return nil
}
