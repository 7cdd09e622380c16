package sink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/tinylib/msgp/msgp"
)

// Codec serializes events for external consumers
type Codec interface {
	Name() string
	Encode(ev events.Event) ([]byte, error)
	Decode(b []byte) (events.Event, error)
}

// NewCodec returns the codec registered under name
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack", "msgp":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported event codec: %s", name)
	}
}

// record is the wire shape shared by all codecs
type record struct {
	Seq       uint64         `json:"seq"`
	Protocol  string         `json:"protocol"`
	Stage     string         `json:"stage"`
	Detail    string         `json:"detail"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// JSONCodec encodes events as JSON objects
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(ev events.Event) ([]byte, error) {
	return json.Marshal(record{
		Seq:       ev.Seq,
		Protocol:  ev.Protocol,
		Stage:     string(ev.Stage),
		Detail:    ev.Detail,
		Data:      ev.Data,
		Timestamp: ev.Timestamp,
	})
}

func (JSONCodec) Decode(b []byte) (events.Event, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return events.Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return events.Event{
		Seq:       r.Seq,
		Protocol:  r.Protocol,
		Stage:     events.Stage(r.Stage),
		Detail:    r.Detail,
		Data:      r.Data,
		Timestamp: r.Timestamp,
	}, nil
}

// MsgpackCodec encodes events as MessagePack maps with the same keys as the
// JSON codec
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(ev events.Event) ([]byte, error) {
	b := make([]byte, 0, 128)
	b = msgp.AppendMapHeader(b, 6)
	b = msgp.AppendString(b, "seq")
	b = msgp.AppendUint64(b, ev.Seq)
	b = msgp.AppendString(b, "protocol")
	b = msgp.AppendString(b, ev.Protocol)
	b = msgp.AppendString(b, "stage")
	b = msgp.AppendString(b, string(ev.Stage))
	b = msgp.AppendString(b, "detail")
	b = msgp.AppendString(b, ev.Detail)
	b = msgp.AppendString(b, "data")
	b = msgp.AppendMapHeader(b, uint32(len(ev.Data)))
	for k, v := range ev.Data {
		b = msgp.AppendString(b, k)
		var err error
		if b, err = msgp.AppendIntf(b, v); err != nil {
			return nil, fmt.Errorf("failed to encode event field %s: %w", k, err)
		}
	}
	b = msgp.AppendString(b, "timestamp")
	b = msgp.AppendTime(b, ev.Timestamp)
	return b, nil
}

func (MsgpackCodec) Decode(b []byte) (events.Event, error) {
	var ev events.Event
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return ev, fmt.Errorf("failed to decode event: %w", err)
	}
	for i := uint32(0); i < n; i++ {
		var key string
		if key, b, err = msgp.ReadStringBytes(b); err != nil {
			return ev, fmt.Errorf("failed to decode event key: %w", err)
		}
		switch key {
		case "seq":
			ev.Seq, b, err = msgp.ReadUint64Bytes(b)
		case "protocol":
			ev.Protocol, b, err = msgp.ReadStringBytes(b)
		case "stage":
			var s string
			s, b, err = msgp.ReadStringBytes(b)
			ev.Stage = events.Stage(s)
		case "detail":
			ev.Detail, b, err = msgp.ReadStringBytes(b)
		case "data":
			ev.Data, b, err = msgp.ReadMapStrIntfBytes(b, nil)
		case "timestamp":
			ev.Timestamp, b, err = msgp.ReadTimeBytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return ev, fmt.Errorf("failed to decode event field %s: %w", key, err)
		}
	}
	return ev, nil
}
