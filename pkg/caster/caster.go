// Package caster (de)serializes payloads crossing the pubsub and websocket
// boundaries.
package caster

import "encoding/json"

type ChannelCaster[T any] interface {
	From([]byte) (T, error)
	To(T) ([]byte, error)
}

// JSONChannelCaster moves values as compact JSON, which is also what the
// status websocket writes to its clients.
type JSONChannelCaster[T any] struct{}

func (jc JSONChannelCaster[T]) From(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

func (jc JSONChannelCaster[T]) To(v T) ([]byte, error) {
	return json.Marshal(v)
}
