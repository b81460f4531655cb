package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageKind is the transport-level framing of a message.
type MessageKind int

const (
	KindText MessageKind = iota + 1
	KindBinary
)

// Codec encodes envelopes for one MessageKind.
type Codec interface {
	Name() string
	Kind() MessageKind
	Encode(Envelope) ([]byte, error)
	Decode([]byte, *Envelope) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string      { return "json" }
func (jsonCodec) Kind() MessageKind { return KindText }

func (jsonCodec) Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func (jsonCodec) Decode(b []byte, e *Envelope) error {
	return json.Unmarshal(b, e)
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string      { return "msgpack" }
func (msgpackCodec) Kind() MessageKind { return KindBinary }

func (msgpackCodec) Encode(e Envelope) ([]byte, error) {
	return msgpack.Marshal(&e)
}

func (msgpackCodec) Decode(b []byte, e *Envelope) error {
	return msgpack.Unmarshal(b, e)
}

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

// CodecFor returns the codec used for messages of kind k: text frames carry
// JSON and binary frames carry msgpack.
func CodecFor(k MessageKind) (Codec, error) {
	switch k {
	case KindText:
		return JSON, nil
	case KindBinary:
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("no codec for message kind %d", k)
	}
}

func decode(kind MessageKind, data []byte) (Envelope, error) {
	c, err := CodecFor(kind)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := c.Decode(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode %s message: %w", c.Name(), err)
	}
	return env, nil
}
