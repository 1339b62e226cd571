package broker

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns events into wire bytes and back.
type Codec interface {
	Marshal(event TurnEvent) ([]byte, error)
	Unmarshal(data []byte, event *TurnEvent) error
	Name() string
}

func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return jsonCodec{}, nil
	case "msgpack":
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported broker encoding: %s", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Marshal(e TurnEvent) ([]byte, error)      { return json.Marshal(e) }
func (jsonCodec) Unmarshal(b []byte, e *TurnEvent) error { return json.Unmarshal(b, e) }
func (jsonCodec) Name() string                             { return "json" }

type msgpackCodec struct{}

func (msgpackCodec) Marshal(e TurnEvent) ([]byte, error)      { return msgpack.Marshal(e) }
func (msgpackCodec) Unmarshal(b []byte, e *TurnEvent) error { return msgpack.Unmarshal(b, e) }
func (msgpackCodec) Name() string                             { return "msgpack" }
