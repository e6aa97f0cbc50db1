package wing

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DefaultTCPPort is the console's native protocol port; discovery uses the
// same port number over UDP.
const DefaultTCPPort = 2222

// Stream escape and channel select.
const (
	escByte       = 0xDF
	escLiteral    = 0xDE // DF DE = literal 0xDF
	chanSelectMin = 0xD0
	chanSelectMax = 0xDD

	// NativeChannel carries the node protocol.
	NativeChannel = 1
)

// Native channel tokens.
const (
	tokIntMin        = 0x00 // 0x00-0x3F: int 0..63
	tokIntMax        = 0x3F
	tokIndexMin      = 0x40 // 0x40-0x7F: child index 1..64
	tokIndexMax      = 0x7F
	tokShortStrMin   = 0x80 // 0x80-0xBF: string, 1..64 bytes
	tokShortStrMax   = 0xBF
	tokNameMin       = 0xC0 // 0xC0-0xCF: child name, 1..16 bytes
	tokNameMax       = 0xCF
	tokEmptyStr      = 0xD0
	tokStr           = 0xD1
	tokIndex16       = 0xD2
	tokInt16         = 0xD3
	tokInt32         = 0xD4
	tokFloat         = 0xD5
	tokRawFloat      = 0xD6
	tokNodeID        = 0xD7
	tokToggle        = 0xD8
	tokStep          = 0xD9
	tokRoot          = 0xDA
	tokParent        = 0xDB
	tokReqData       = 0xDC
	tokReqDefinition = 0xDD
	tokReqEnd        = 0xDE
	tokDefinition    = 0xDF
)

// maxStringValue is the longest string the D1 token can carry.
const maxStringValue = 255

// channelSelect returns the two-byte sequence selecting ch.
func channelSelect(ch int) []byte {
	return []byte{escByte, byte(chanSelectMin + ch)}
}

// escape appends payload to dst with every 0xDF doubled into DF DE.
func escape(dst, payload []byte) []byte {
	for _, b := range payload {
		if b == escByte {
			dst = append(dst, escByte, escLiteral)
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

// frame wraps a native-channel payload for the wire.
func frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, channelSelect(NativeChannel)...)
	return escape(out, payload)
}

func appendNodeID(b []byte, id uint32) []byte {
	b = append(b, tokNodeID)
	return binary.BigEndian.AppendUint32(b, id)
}

func appendString(b []byte, s string) ([]byte, error) {
	switch n := len(s); {
	case n == 0:
		return append(b, tokEmptyStr), nil
	case n <= 64:
		b = append(b, byte(tokShortStrMin+n-1))
	case n <= maxStringValue:
		b = append(b, tokStr, byte(n))
	default:
		return nil, fmt.Errorf("string of %d bytes: %w", n, ErrValueTooLong)
	}
	return append(b, s...), nil
}

func appendInt(b []byte, v int32) []byte {
	switch {
	case v >= 0 && v <= tokIntMax:
		return append(b, byte(v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		b = append(b, tokInt16)
		return binary.BigEndian.AppendUint16(b, uint16(int16(v)))
	default:
		b = append(b, tokInt32)
		return binary.BigEndian.AppendUint32(b, uint32(v))
	}
}

func appendFloat(b []byte, f float32) []byte {
	b = append(b, tokFloat)
	return binary.BigEndian.AppendUint32(b, math.Float32bits(f))
}

// EncodeSetString builds the frame that sets a string value.
func EncodeSetString(id uint32, value string) ([]byte, error) {
	p, err := appendString(appendNodeID(nil, id), value)
	if err != nil {
		return nil, err
	}
	return frame(p), nil
}

// EncodeSetFloat builds the frame that sets a float value.
func EncodeSetFloat(id uint32, value float32) []byte {
	return frame(appendFloat(appendNodeID(nil, id), value))
}

// EncodeSetInt builds the frame that sets an int value.
func EncodeSetInt(id uint32, value int32) []byte {
	return frame(appendInt(appendNodeID(nil, id), value))
}

// EncodeRequestDefinition builds the frame asking for a node's definition.
func EncodeRequestDefinition(id uint32) []byte {
	return frame(append(appendNodeID(nil, id), tokReqDefinition))
}

// EncodeRequestData builds the frame asking for a node's value.
func EncodeRequestData(id uint32) []byte {
	return frame(append(appendNodeID(nil, id), tokReqData))
}

// encodeHandshake selects the native channel and asks for root data.
func encodeHandshake() []byte {
	return frame([]byte{tokRoot, tokReqData})
}

// encodeKeepalive re-selects the native channel.
func encodeKeepalive() []byte {
	return channelSelect(NativeChannel)
}

// EncodeDefinition serializes a definition as the console sends it. It is the
// inverse of the decoder and is used by simulators and tests.
func EncodeDefinition(d *NodeDefinition) []byte {
	body := make([]byte, 0, 64)
	body = binary.BigEndian.AppendUint32(body, d.ParentID)
	body = binary.BigEndian.AppendUint32(body, d.ID)
	body = binary.BigEndian.AppendUint16(body, d.Index)
	body = appendShortString(body, d.Name)
	body = appendShortString(body, d.LongName)
	var flags byte
	if d.ReadOnly {
		flags |= 0x01
	}
	body = append(body, byte(d.Type), byte(d.Unit), flags)

	switch d.Type {
	case NodeTypeLinearFloat, NodeTypeLogarithmicFloat:
		body = binary.BigEndian.AppendUint32(body, math.Float32bits(d.minFloat))
		body = binary.BigEndian.AppendUint32(body, math.Float32bits(d.maxFloat))
		body = binary.BigEndian.AppendUint32(body, d.steps)
	case NodeTypeInteger:
		body = binary.BigEndian.AppendUint32(body, uint32(d.minInt))
		body = binary.BigEndian.AppendUint32(body, uint32(d.maxInt))
	case NodeTypeStringEnum:
		body = binary.BigEndian.AppendUint16(body, uint16(len(d.stringEnum)))
		for _, e := range d.stringEnum {
			body = appendShortString(body, e.Item)
			body = appendShortString(body, e.LongItem)
		}
	case NodeTypeFloatEnum:
		body = binary.BigEndian.AppendUint16(body, uint16(len(d.floatEnum)))
		for _, e := range d.floatEnum {
			body = binary.BigEndian.AppendUint32(body, math.Float32bits(e.Value))
			body = appendShortString(body, e.LongItem)
		}
	case NodeTypeString:
		body = binary.BigEndian.AppendUint16(body, d.maxStringLen)
	}

	out := make([]byte, 0, len(body)+7)
	out = append(out, tokDefinition)
	if len(body) <= math.MaxUint16 {
		out = binary.BigEndian.AppendUint16(out, uint16(len(body)))
	} else {
		out = binary.BigEndian.AppendUint16(out, 0)
		out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	}
	return append(out, body...)
}

// EncodeDataReply serializes a value reply for id as the console sends it:
// node select followed by one token per present channel.
func EncodeDataReply(id uint32, data NodeData) []byte {
	p := appendNodeID(nil, id)
	if data.hasStr {
		var err error
		if p, err = appendString(p, data.str); err != nil {
			p = append(p, tokEmptyStr)
		}
	}
	if data.hasFloat {
		p = appendFloat(p, data.f)
	}
	if data.hasInt {
		p = appendInt(p, data.i)
	}
	return p
}

// EncodeRequestEnd returns the batch terminator token.
func EncodeRequestEnd() []byte {
	return []byte{tokReqEnd}
}

// FrameNative wraps raw native payload (definitions, replies) for the wire.
func FrameNative(payload ...[]byte) []byte {
	var p []byte
	for _, part := range payload {
		p = append(p, part...)
	}
	return frame(p)
}

func appendShortString(b []byte, s string) []byte {
	if len(s) > math.MaxUint8 {
		s = s[:math.MaxUint8]
	}
	b = append(b, byte(len(s)))
	return append(b, s...)
}
