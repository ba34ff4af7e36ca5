// Copyright (c) OpenMMLab. All rights reserved.

package dist

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// The store messages are plain Go structs, so they travel as JSON over
// gRPC under the "application/grpc+json" content type.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
