package source

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"kafka-keycount/broker"
)

// ---------------------------------------------------------------------------
// Payload
// ---------------------------------------------------------------------------

// Payload is the synthetic record body. Every field is derived from the
// message's sequence index.
type Payload struct {
	Value1 string `json:"value1"`
	Value2 string `json:"value2"`
	Value3 string `json:"value3"`
	Value4 string `json:"value4"`
	Value5 string `json:"value5"`
}

// NewPayload builds the payload for sequence index seq: value-<seq>-1 ... value-<seq>-5.
func NewPayload(seq int64) Payload {
	field := func(n byte) string {
		b := make([]byte, 0, 24)
		b = append(b, "value-"...)
		b = strconv.AppendInt(b, seq, 10)
		b = append(b, '-', '0'+n)
		return string(b)
	}
	return Payload{
		Value1: field(1),
		Value2: field(2),
		Value3: field(3),
		Value4: field(4),
		Value5: field(5),
	}
}

// NewMessage builds message seq, keyed round-robin over keyPool.
func NewMessage(topic string, keyPool []string, seq int64) (broker.Message, error) {
	if len(keyPool) == 0 {
		return broker.Message{}, errors.New("empty key pool")
	}
	value, err := json.Marshal(NewPayload(seq))
	if err != nil {
		return broker.Message{}, errors.Wrapf(err, "encode payload %d", seq)
	}
	return broker.Message{
		Topic: topic,
		Key:   keyPool[seq%int64(len(keyPool))],
		Value: value,
	}, nil
}

// ParsePayload decodes a record value produced by NewMessage.
func ParsePayload(value []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(value, &p); err != nil {
		return Payload{}, errors.Wrap(err, "bad payload")
	}
	if p.Value1 == "" {
		return Payload{}, errors.New("bad payload: missing value1")
	}
	return p, nil
}
