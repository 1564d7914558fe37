package events

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
)

// EncodeFrame serializes f as a protobuf Struct.
func EncodeFrame(f Frame) ([]byte, error) {
	var generic map[string]any
	if err := jsoncodec.Convert(f, &generic); err != nil {
		return nil, fmt.Errorf("failed to normalize event frame: %w", err)
	}
	st, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event frame: %w", err)
	}
	return proto.Marshal(st)
}

// DecodeFrame parses a frame produced by EncodeFrame.
func DecodeFrame(data []byte) (Frame, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return Frame{}, fmt.Errorf("failed to decode event frame: %w", err)
	}
	var f Frame
	if err := jsoncodec.Convert(st.AsMap(), &f); err != nil {
		return Frame{}, fmt.Errorf("failed to decode event frame: %w", err)
	}
	if f.Channel == "" || f.Type == "" {
		return Frame{}, fmt.Errorf("event frame is missing channel or type")
	}
	return f, nil
}
