package cache

import "encoding/json"

// Codec serialises values of type T for storage in the byte-oriented tiers.
type Codec[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// JSONCodec encodes values as JSON. It is the default codec.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Marshal(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[T]) Unmarshal(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// BytesCodec stores raw bytes unchanged.
type BytesCodec struct{}

func (BytesCodec) Marshal(v []byte) ([]byte, error) {
	return v, nil
}

func (BytesCodec) Unmarshal(data []byte) ([]byte, error) {
	return data, nil
}
