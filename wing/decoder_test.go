package wing

import (
	"encoding/binary"
	"errors"
	"testing"
)

// rawDefinition builds a definition token without validating type or unit.
func rawDefinition(parent, id uint32, index uint16, name string, typ, unit, flags byte, extra []byte) []byte {
	body := binary.BigEndian.AppendUint32(nil, parent)
	body = binary.BigEndian.AppendUint32(body, id)
	body = binary.BigEndian.AppendUint16(body, index)
	body = appendShortString(body, name)
	body = appendShortString(body, name+" long")
	body = append(body, typ, unit, flags)
	body = append(body, extra...)

	out := []byte{tokDefinition}
	out = binary.BigEndian.AppendUint16(out, uint16(len(body)))
	return append(out, body...)
}

func drainEvents(t *testing.T, d *Decoder) ([]Event, []error) {
	t.Helper()
	var events []Event
	var errs []error
	for i := 0; i < 1000; i++ {
		ev, err := d.Next()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ev == nil {
			return events, errs
		}
		events = append(events, ev)
	}
	t.Fatal("decoder did not settle")
	return nil, nil
}

func TestDecoder_DefinitionRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		def  *NodeDefinition
	}{
		{
			name: "group node",
			def:  NewDefinition(NodeDefinition{ID: 10, ParentID: 0, Index: 1, Name: "ch", LongName: "Channels"}),
		},
		{
			name: "linear float",
			def: NewDefinition(NodeDefinition{ID: 11, ParentID: 10, Index: 3, Name: "pan", LongName: "Pan", Type: NodeTypeLinearFloat, Unit: UnitPercent},
				WithFloatRange(-100, 100, 201)),
		},
		{
			name: "fader level",
			def:  NewDefinition(NodeDefinition{ID: 12, ParentID: 10, Name: "fdr", Type: NodeTypeFaderLevel, Unit: UnitDB}),
		},
		{
			name: "integer read-only",
			def: NewDefinition(NodeDefinition{ID: 13, Name: "idx", Type: NodeTypeInteger, ReadOnly: true},
				WithIntRange(-5, 40)),
		},
		{
			name: "string enum",
			def: NewDefinition(NodeDefinition{ID: 14, Name: "mode", Type: NodeTypeStringEnum},
				WithStringEnum(StringEnumItem{"M", "Mono"}, StringEnumItem{"ST", "Stereo"})),
		},
		{
			name: "float enum",
			def: NewDefinition(NodeDefinition{ID: 15, Name: "rate", Type: NodeTypeFloatEnum, Unit: UnitHertz},
				WithFloatEnum(FloatEnumItem{44100, "44.1k"}, FloatEnumItem{48000, "48k"})),
		},
		{
			name: "string",
			def: NewDefinition(NodeDefinition{ID: 16, Name: "name", Type: NodeTypeString},
				WithMaxStringLen(16)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			d.Feed(FrameNative(EncodeDefinition(tt.def)))

			events, errs := drainEvents(t, d)
			if len(errs) != 0 || len(events) != 1 {
				t.Fatalf("expected one event, got %v errors %v", events, errs)
			}
			got := events[0].(DefinitionEvent).Definition

			if got.ID != tt.def.ID || got.ParentID != tt.def.ParentID || got.Index != tt.def.Index {
				t.Errorf("position mismatch: got %+v", got)
			}
			if got.Name != tt.def.Name || got.LongName != tt.def.LongName {
				t.Errorf("names mismatch: %q/%q", got.Name, got.LongName)
			}
			if got.Type != tt.def.Type || got.Unit != tt.def.Unit || got.ReadOnly != tt.def.ReadOnly {
				t.Errorf("type/unit/flags mismatch: %v %v %v", got.Type, got.Unit, got.ReadOnly)
			}

			wantMin, wantOK := tt.def.MinFloat()
			if gotMin, ok := got.MinFloat(); ok != wantOK || gotMin != wantMin {
				t.Errorf("MinFloat = %v,%v want %v,%v", gotMin, ok, wantMin, wantOK)
			}
			wantMaxI, wantIOK := tt.def.MaxInt()
			if gotMaxI, ok := got.MaxInt(); ok != wantIOK || gotMaxI != wantMaxI {
				t.Errorf("MaxInt = %v,%v want %v,%v", gotMaxI, ok, wantMaxI, wantIOK)
			}
			wantLen, wantLOK := tt.def.MaxStringLen()
			if gotLen, ok := got.MaxStringLen(); ok != wantLOK || gotLen != wantLen {
				t.Errorf("MaxStringLen = %v,%v want %v,%v", gotLen, ok, wantLen, wantLOK)
			}
			if got.StringEnumCount() != tt.def.StringEnumCount() || got.FloatEnumCount() != tt.def.FloatEnumCount() {
				t.Errorf("enum counts mismatch")
			}
			for i := 0; i < got.FloatEnumCount(); i++ {
				a, _ := got.FloatEnumItem(i)
				b, _ := tt.def.FloatEnumItem(i)
				if a != b {
					t.Errorf("float enum %d: got %+v want %+v", i, a, b)
				}
			}
		})
	}
}

func TestDecoder_Values(t *testing.T) {
	payload := FrameNative(
		EncodeDataReply(5, StringData("Kick")),
		EncodeDataReply(6, FloatData(-3.5)),
		EncodeDataReply(7, IntData(63)),
		EncodeDataReply(8, IntData(-40000)),
		[]byte{tokRoot, tokEmptyStr},
		EncodeRequestEnd(),
	)

	d := NewDecoder()
	d.Feed(payload)
	events, errs := drainEvents(t, d)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d: %v", len(events), events)
	}

	checks := []struct {
		id   uint32
		want string
	}{
		{5, `{str="Kick"}`},
		{6, `{float=-3.5}`},
		{7, `{int=63}`},
		{8, `{int=-40000}`},
		{0, `{str=""}`},
	}
	for i, c := range checks {
		ev, ok := events[i].(DataEvent)
		if !ok {
			t.Fatalf("event %d: expected DataEvent, got %T", i, events[i])
		}
		if ev.ID != c.id || ev.Data.String() != c.want {
			t.Errorf("event %d: got %d %s, want %d %s", i, ev.ID, ev.Data, c.id, c.want)
		}
	}
	if _, ok := events[5].(RequestEndEvent); !ok {
		t.Errorf("expected RequestEndEvent last, got %T", events[5])
	}
}

func TestDecoder_SplitAcrossChunks(t *testing.T) {
	def := NewDefinition(NodeDefinition{ID: 0xDFDF, Name: "gain", Type: NodeTypeLinearFloat, Unit: UnitDB},
		WithFloatRange(-12, 60, 145))
	wire := FrameNative(EncodeDefinition(def), EncodeDataReply(0xDFDF, FloatData(1.5)), EncodeRequestEnd())

	whole := NewDecoder()
	whole.Feed(wire)
	want, _ := drainEvents(t, whole)

	for split := 1; split < len(wire); split++ {
		d := NewDecoder()
		var got []Event
		for _, part := range [][]byte{wire[:split], wire[split:]} {
			d.Feed(part)
			evs, errs := drainEvents(t, d)
			if len(errs) != 0 {
				t.Fatalf("split %d: unexpected errors %v", split, errs)
			}
			got = append(got, evs...)
		}
		if len(got) != len(want) {
			t.Fatalf("split %d: got %d events, want %d", split, len(got), len(want))
		}
		if ev := got[1].(DataEvent); ev.ID != 0xDFDF || ev.Data.FloatValue() != 1.5 {
			t.Errorf("split %d: got %+v", split, ev)
		}
	}
}

func TestDecoder_SkipsOtherChannels(t *testing.T) {
	wire := []byte{0xDF, 0xD2, 0x10, 0x20, 0xDF, 0xDE, 0x30}
	wire = append(wire, FrameNative(EncodeDataReply(3, IntData(9)))...)
	wire = append(wire, 0xDF, 0xD5, 0xD7, 0xD7)

	d := NewDecoder()
	d.Feed(wire)
	events, errs := drainEvents(t, d)
	if len(errs) != 0 || len(events) != 1 {
		t.Fatalf("expected 1 event, got %v %v", events, errs)
	}
	if d.Skipped() != 6 {
		t.Errorf("expected 6 skipped bytes, got %d", d.Skipped())
	}
	if d.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d", d.Buffered())
	}
}

func TestDecoder_InvalidEnumTag(t *testing.T) {
	tests := []struct {
		name string
		typ  byte
		unit byte
	}{
		{"type 99", 99, 0},
		{"type 8", 8, 0},
		{"unit 99", byte(NodeTypeInteger), 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			good := EncodeDefinition(NewDefinition(NodeDefinition{ID: 2, Name: "ok", Type: NodeTypeInteger}, WithIntRange(0, 1)))
			bad := rawDefinition(0, 1, 0, "bad", tt.typ, tt.unit, 0, make([]byte, 8))

			d := NewDecoder()
			d.Feed(FrameNative(bad, good))
			events, errs := drainEvents(t, d)

			if len(errs) != 1 {
				t.Fatalf("expected 1 decode error, got %v", errs)
			}
			if !errors.Is(errs[0], ErrDecode) {
				t.Errorf("expected ErrDecode, got %v", errs[0])
			}
			var de *DecodeError
			if !errors.As(errs[0], &de) || de.Token != tokDefinition {
				t.Errorf("expected DecodeError for definition token, got %#v", errs[0])
			}
			if len(events) != 1 || events[0].(DefinitionEvent).Definition.ID != 2 {
				t.Errorf("expected following definition to decode, got %v", events)
			}
		})
	}
}

func TestDecoder_TruncatedDefinitionBody(t *testing.T) {
	// Declares an Integer node but omits its bounds.
	bad := rawDefinition(0, 1, 0, "short", byte(NodeTypeInteger), 0, 0, nil)

	d := NewDecoder()
	d.Feed(FrameNative(bad, EncodeDataReply(4, IntData(1))))
	events, errs := drainEvents(t, d)
	if len(errs) != 1 || len(events) != 1 {
		t.Fatalf("expected 1 error and 1 event, got %v %v", errs, events)
	}
}

func TestDecoder_UnresolvedNode(t *testing.T) {
	d := NewDecoder()
	// Value before any node select, then after child navigation, then valid.
	d.Feed(FrameNative(
		[]byte{0x05},
		[]byte{tokNodeID, 0, 0, 0, 1, tokIndexMin + 2, 0x06},
		EncodeDataReply(1, IntData(7)),
	))
	events, errs := drainEvents(t, d)
	if len(errs) != 2 {
		t.Errorf("expected 2 decode errors, got %v", errs)
	}
	if len(events) != 1 || events[0].(DataEvent).Data.IntValue() != 7 {
		t.Errorf("expected single value event, got %v", events)
	}
}

func TestDecoder_IgnoresBeforeChannelSelect(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{0x01, 0x02, 0x03})
	if d.Buffered() != 0 {
		t.Errorf("expected nothing buffered, got %d", d.Buffered())
	}
	ev, err := d.Next()
	if ev != nil || err != nil {
		t.Errorf("expected (nil, nil), got %v, %v", ev, err)
	}
}

func TestDecoder_IncompleteWaits(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{0xDF, 0xD1, tokNodeID, 0, 0})
	ev, err := d.Next()
	if ev != nil || err != nil {
		t.Fatalf("expected (nil, nil), got %v, %v", ev, err)
	}
	if d.Buffered() != 3 {
		t.Errorf("expected 3 buffered bytes, got %d", d.Buffered())
	}
}

func TestDecoder_ConsumesClientTokens(t *testing.T) {
	d := NewDecoder()
	d.Feed(FrameNative([]byte{tokNodeID, 0, 0, 0, 9, tokToggle, tokStep, 0x02, tokReqData, tokReqDefinition}))
	events, errs := drainEvents(t, d)
	if len(events) != 0 || len(errs) != 0 {
		t.Errorf("expected silence, got %v %v", events, errs)
	}
	if d.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d", d.Buffered())
	}
}

func TestDecoder_OversizedDefinitionSkipped(t *testing.T) {
	const declared = 0x200000
	d := NewDecoder()
	d.Feed([]byte{0xDF, 0xD1, tokNodeID, 0, 0, 0, 5, 0xDF, 0xDE, 0, 0, 0x00, 0x20, 0x00, 0x00, 0x01, 0x02})
	events, errs := drainEvents(t, d)
	if len(errs) != 1 || !errors.Is(errs[0], ErrDecode) {
		t.Fatalf("expected one decode error, got %v", errs)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}

	// Body bytes arriving later belong to the rejected frame.
	d.Feed([]byte{0x07, 0x2A})
	events, errs = drainEvents(t, d)
	if len(events) != 0 || len(errs) != 0 {
		t.Fatalf("expected body bytes to be dropped, got %v %v", events, errs)
	}

	d.Feed(make([]byte, declared-4))
	if d.Buffered() != 0 {
		t.Fatalf("expected nothing buffered, got %d", d.Buffered())
	}
	d.Feed([]byte{0x09})
	events, errs = drainEvents(t, d)
	if len(events) != 0 || len(errs) != 1 {
		t.Fatalf("expected value without node select to fail, got %v %v", events, errs)
	}

	d.Feed(FrameNative(EncodeDataReply(3, IntData(9))))
	events, errs = drainEvents(t, d)
	if len(errs) != 0 || len(events) != 1 {
		t.Fatalf("expected decoding to resume, got %v %v", events, errs)
	}
	if ev := events[0].(DataEvent); ev.ID != 3 || ev.Data.IntValue() != 9 {
		t.Errorf("got %+v", ev)
	}
}
