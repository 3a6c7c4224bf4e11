package publish

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Wire format: every published record travels as one binary websocket
// message carrying two frames back to back:
//
//	[2-byte big-endian topic length][topic UTF-8][record UTF-8 JSON]
//
// Consumers filter on the topic frame without touching the record frame.

// EncodeFrame renders one topic+record pair into the wire format.
func EncodeFrame(topic string, record []byte) ([]byte, error) {
	if len(topic) == 0 {
		return nil, fmt.Errorf("empty topic")
	}
	if len(topic) > math.MaxUint16 {
		return nil, fmt.Errorf("topic length %d exceeds %d", len(topic), math.MaxUint16)
	}

	frame := make([]byte, 2+len(topic)+len(record))
	binary.BigEndian.PutUint16(frame, uint16(len(topic)))
	copy(frame[2:], topic)
	copy(frame[2+len(topic):], record)
	return frame, nil
}

// DecodeFrame splits one wire message back into topic and record. The
// returned record aliases data.
func DecodeFrame(data []byte) (topic string, record []byte, err error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+n {
		return "", nil, fmt.Errorf("frame truncated: topic needs %d bytes, %d remain", n, len(data)-2)
	}
	return string(data[2 : 2+n]), data[2+n:], nil
}
