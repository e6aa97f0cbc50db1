package wing

import (
	"encoding/binary"
	"fmt"
	"math"
)

// maxDefinitionSize bounds a single definition frame; anything larger is
// treated as stream corruption.
const maxDefinitionSize = 1 << 20

// Event is one decoded unit of inbound protocol work.
type Event interface {
	event()
}

// DefinitionEvent carries a node definition.
type DefinitionEvent struct {
	Definition *NodeDefinition
}

// DataEvent carries a value for the node with the given id.
type DataEvent struct {
	ID   uint32
	Data NodeData
}

// RequestEndEvent closes a batch of deliveries.
type RequestEndEvent struct{}

func (DefinitionEvent) event() {}
func (DataEvent) event()       {}
func (RequestEndEvent) event() {}

// Decoder turns the console's byte stream into events. It keeps channel and
// node-selection state across Feed calls, so tokens split between reads
// decode the same as contiguous ones. A Decoder is not safe for concurrent use.
type Decoder struct {
	channel    int
	pendingEsc bool

	buf    []byte // undecoded native-channel bytes
	offset int    // native stream offset of buf[0]

	current      uint32
	currentKnown bool

	foreign int // bytes skipped on other channels
	discard int // native bytes still owed by a rejected frame
}

// NewDecoder returns a decoder positioned on no channel; bytes before the
// first channel select are ignored.
func NewDecoder() *Decoder {
	return &Decoder{channel: -1}
}

// Feed appends raw wire bytes.
func (d *Decoder) Feed(chunk []byte) {
	for i := 0; i < len(chunk); i++ {
		b := chunk[i]
		if d.pendingEsc {
			d.pendingEsc = false
			switch {
			case b == escLiteral:
				d.put(escByte)
				continue
			case b >= chanSelectMin && b <= chanSelectMax:
				d.channel = int(b - chanSelectMin)
				continue
			default:
				// Unpaired escape: keep the 0xDF and reprocess b.
				d.put(escByte)
			}
		}
		if b == escByte {
			d.pendingEsc = true
			continue
		}
		d.put(b)
	}
}

func (d *Decoder) put(b byte) {
	if d.channel != NativeChannel {
		d.foreign++
		return
	}
	if d.discard > 0 {
		d.discard--
		d.offset++
		return
	}
	d.buf = append(d.buf, b)
}

// Buffered returns the number of native bytes not yet decoded.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Skipped returns the number of bytes skipped on non-native channels.
func (d *Decoder) Skipped() int { return d.foreign }

// Next returns the next complete event. It returns (nil, nil) when the buffer
// holds no complete event. A non-nil error is a *DecodeError for a single
// frame; the frame has been consumed and decoding can continue.
func (d *Decoder) Next() (Event, error) {
	for len(d.buf) > 0 {
		tok := d.buf[0]
		n, complete, err := d.tokenLen()
		if err != nil {
			// Drop the whole declared frame, including bytes not yet read,
			// and forget the node selection it may have clobbered.
			start := d.offset
			if n > len(d.buf) {
				d.discard = n - len(d.buf)
				n = len(d.buf)
			}
			d.consume(n)
			d.currentKnown = false
			return nil, &DecodeError{Offset: start, Token: tok, Reason: err.Error()}
		}
		if !complete {
			return nil, nil
		}
		raw := d.buf[:n]
		start := d.offset
		d.consume(n)

		ev, err := d.handle(tok, raw, start)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
	}
	return nil, nil
}

func (d *Decoder) consume(n int) {
	d.buf = d.buf[n:]
	d.offset += n
	if len(d.buf) == 0 {
		d.buf = nil
	}
}

// tokenLen returns the full length of the token at buf[0] and whether the
// buffer already holds all of it. On error the length is still the declared
// frame size so the caller can skip it.
func (d *Decoder) tokenLen() (int, bool, error) {
	b := d.buf
	tok := b[0]
	fixed := func(n int) (int, bool, error) { return n, len(b) >= n, nil }

	switch {
	case tok <= tokIndexMax:
		return fixed(1)
	case tok <= tokShortStrMax:
		return fixed(1 + int(tok-tokShortStrMin) + 1)
	case tok <= tokNameMax:
		return fixed(1 + int(tok-tokNameMin) + 1)
	}

	switch tok {
	case tokEmptyStr, tokToggle, tokRoot, tokParent, tokReqData, tokReqDefinition, tokReqEnd:
		return fixed(1)
	case tokStr:
		if len(b) < 2 {
			return 0, false, nil
		}
		return fixed(2 + int(b[1]))
	case tokStep:
		return fixed(2)
	case tokIndex16, tokInt16:
		return fixed(3)
	case tokInt32, tokFloat, tokRawFloat, tokNodeID:
		return fixed(5)
	case tokDefinition:
		if len(b) < 3 {
			return 0, false, nil
		}
		size := int(binary.BigEndian.Uint16(b[1:3]))
		header := 3
		if size == 0 {
			if len(b) < 7 {
				return 0, false, nil
			}
			size = int(binary.BigEndian.Uint32(b[3:7]))
			header = 7
		}
		if size > maxDefinitionSize {
			return header + size, false, fmt.Errorf("definition length %d exceeds limit", size)
		}
		return fixed(header + size)
	}
	// Every byte value is assigned above.
	return fixed(1)
}

func (d *Decoder) handle(tok byte, raw []byte, start int) (Event, error) {
	switch {
	case tok <= tokIntMax:
		return d.value(tok, start, IntData(int32(tok)))
	case tok <= tokIndexMax, tok >= tokNameMin && tok <= tokNameMax:
		d.currentKnown = false
		return nil, nil
	case tok <= tokShortStrMax:
		return d.value(tok, start, StringData(string(raw[1:])))
	}

	switch tok {
	case tokEmptyStr:
		return d.value(tok, start, StringData(""))
	case tokStr:
		return d.value(tok, start, StringData(string(raw[2:])))
	case tokIndex16, tokParent:
		d.currentKnown = false
	case tokInt16:
		return d.value(tok, start, IntData(int32(int16(binary.BigEndian.Uint16(raw[1:3])))))
	case tokInt32:
		return d.value(tok, start, IntData(int32(binary.BigEndian.Uint32(raw[1:5]))))
	case tokFloat, tokRawFloat:
		return d.value(tok, start, FloatData(math.Float32frombits(binary.BigEndian.Uint32(raw[1:5]))))
	case tokNodeID:
		d.current = binary.BigEndian.Uint32(raw[1:5])
		d.currentKnown = true
	case tokRoot:
		d.current = 0
		d.currentKnown = true
	case tokReqEnd:
		return RequestEndEvent{}, nil
	case tokDefinition:
		header := 3
		if binary.BigEndian.Uint16(raw[1:3]) == 0 {
			header = 7
		}
		def, err := parseDefinition(raw[header:])
		if err != nil {
			return nil, &DecodeError{Offset: start, Token: tok, Reason: err.Error()}
		}
		return DefinitionEvent{Definition: def}, nil
	}
	// Toggle, step and request tokens carry nothing for a client.
	return nil, nil
}

func (d *Decoder) value(tok byte, start int, data NodeData) (Event, error) {
	if !d.currentKnown {
		return nil, &DecodeError{Offset: start, Token: tok, Reason: "value for unresolved node"}
	}
	return DataEvent{ID: d.current, Data: data}, nil
}

// bodyReader reads big-endian fields and remembers the first short read.
type bodyReader struct {
	b   []byte
	err error
}

func (r *bodyReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = fmt.Errorf("truncated body: need %d bytes, have %d", n, len(r.b))
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *bodyReader) u8() uint8 {
	if p := r.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (r *bodyReader) u16() uint16 {
	if p := r.take(2); p != nil {
		return binary.BigEndian.Uint16(p)
	}
	return 0
}

func (r *bodyReader) u32() uint32 {
	if p := r.take(4); p != nil {
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

func (r *bodyReader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *bodyReader) str() string {
	n := int(r.u8())
	if p := r.take(n); p != nil {
		return string(p)
	}
	return ""
}

func parseDefinition(body []byte) (*NodeDefinition, error) {
	r := &bodyReader{b: body}
	def := &NodeDefinition{
		ParentID: r.u32(),
		ID:       r.u32(),
		Index:    r.u16(),
		Name:     r.str(),
		LongName: r.str(),
	}
	typ := NodeType(r.u8())
	unit := NodeUnit(r.u8())
	flags := r.u8()
	if r.err != nil {
		return nil, r.err
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("node %d: unknown node type %d", def.ID, uint8(typ))
	}
	if !unit.Valid() {
		return nil, fmt.Errorf("node %d: unknown unit %d", def.ID, uint8(unit))
	}
	def.Type = typ
	def.Unit = unit
	def.ReadOnly = flags&0x01 != 0

	switch typ {
	case NodeTypeLinearFloat, NodeTypeLogarithmicFloat:
		def.minFloat = r.f32()
		def.maxFloat = r.f32()
		def.steps = r.u32()
	case NodeTypeInteger:
		def.minInt = int32(r.u32())
		def.maxInt = int32(r.u32())
	case NodeTypeStringEnum:
		n := int(r.u16())
		for i := 0; i < n && r.err == nil; i++ {
			item := r.str()
			long := r.str()
			def.stringEnum = append(def.stringEnum, StringEnumItem{Item: item, LongItem: long})
		}
	case NodeTypeFloatEnum:
		n := int(r.u16())
		for i := 0; i < n && r.err == nil; i++ {
			v := r.f32()
			long := r.str()
			def.floatEnum = append(def.floatEnum, FloatEnumItem{Value: v, LongItem: long})
		}
	case NodeTypeString:
		def.maxStringLen = r.u16()
	}
	if r.err != nil {
		return nil, fmt.Errorf("node %d: %w", def.ID, r.err)
	}
	return def, nil
}
