package wing

import "fmt"

// NodeType identifies the kind of value a node carries.
type NodeType uint8

const (
	NodeTypeNode             NodeType = 0 // Grouping entry, no value
	NodeTypeLinearFloat      NodeType = 1
	NodeTypeLogarithmicFloat NodeType = 2
	NodeTypeFaderLevel       NodeType = 3
	NodeTypeInteger          NodeType = 4
	NodeTypeStringEnum       NodeType = 5
	NodeTypeFloatEnum        NodeType = 6
	NodeTypeString           NodeType = 7
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	return t <= NodeTypeString
}

func (t NodeType) String() string {
	switch t {
	case NodeTypeNode:
		return "node"
	case NodeTypeLinearFloat:
		return "linear_float"
	case NodeTypeLogarithmicFloat:
		return "log_float"
	case NodeTypeFaderLevel:
		return "fader_level"
	case NodeTypeInteger:
		return "integer"
	case NodeTypeStringEnum:
		return "string_enum"
	case NodeTypeFloatEnum:
		return "float_enum"
	case NodeTypeString:
		return "string"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// IsFloat returns true for types whose value travels on the float channel.
func (t NodeType) IsFloat() bool {
	switch t {
	case NodeTypeLinearFloat, NodeTypeLogarithmicFloat, NodeTypeFaderLevel, NodeTypeFloatEnum:
		return true
	}
	return false
}

// NodeUnit is the physical unit of a node value.
type NodeUnit uint8

const (
	UnitNone         NodeUnit = 0
	UnitDB           NodeUnit = 1
	UnitPercent      NodeUnit = 2
	UnitMilliseconds NodeUnit = 3
	UnitHertz        NodeUnit = 4
	UnitMeters       NodeUnit = 5
	UnitSeconds      NodeUnit = 6
	UnitOctaves      NodeUnit = 7
)

// Valid reports whether u is one of the known units.
func (u NodeUnit) Valid() bool {
	return u <= UnitOctaves
}

func (u NodeUnit) String() string {
	switch u {
	case UnitNone:
		return ""
	case UnitDB:
		return "dB"
	case UnitPercent:
		return "%"
	case UnitMilliseconds:
		return "ms"
	case UnitHertz:
		return "Hz"
	case UnitMeters:
		return "m"
	case UnitSeconds:
		return "s"
	case UnitOctaves:
		return "oct"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(u))
	}
}

// StringEnumItem is one entry of a StringEnum node.
type StringEnumItem struct {
	Item     string
	LongItem string
}

// FloatEnumItem is one entry of a FloatEnum node.
type FloatEnumItem struct {
	Value    float32
	LongItem string
}

// NodeDefinition is the static metadata the console reports for a node.
// Values handed to callbacks are owned by the session registry and must not
// be modified; copy out what needs to outlive the callback.
type NodeDefinition struct {
	ID       uint32
	ParentID uint32
	Index    uint16
	Type     NodeType
	Unit     NodeUnit
	ReadOnly bool
	Name     string
	LongName string

	minFloat     float32
	maxFloat     float32
	steps        uint32
	minInt       int32
	maxInt       int32
	maxStringLen uint16
	stringEnum   []StringEnumItem
	floatEnum    []FloatEnumItem
}

// MinFloat returns the lower bound of a float-typed node.
func (d *NodeDefinition) MinFloat() (float32, bool) {
	if !d.hasFloatRange() {
		return 0, false
	}
	return d.minFloat, true
}

// MaxFloat returns the upper bound of a float-typed node.
func (d *NodeDefinition) MaxFloat() (float32, bool) {
	if !d.hasFloatRange() {
		return 0, false
	}
	return d.maxFloat, true
}

// Steps returns the quantization count of a float-typed node.
func (d *NodeDefinition) Steps() (uint32, bool) {
	if !d.hasFloatRange() {
		return 0, false
	}
	return d.steps, true
}

// MinInt returns the lower bound of an Integer node.
func (d *NodeDefinition) MinInt() (int32, bool) {
	if d.Type != NodeTypeInteger {
		return 0, false
	}
	return d.minInt, true
}

// MaxInt returns the upper bound of an Integer node.
func (d *NodeDefinition) MaxInt() (int32, bool) {
	if d.Type != NodeTypeInteger {
		return 0, false
	}
	return d.maxInt, true
}

// MaxStringLen returns the maximum length of a String node.
func (d *NodeDefinition) MaxStringLen() (uint16, bool) {
	if d.Type != NodeTypeString {
		return 0, false
	}
	return d.maxStringLen, true
}

func (d *NodeDefinition) hasFloatRange() bool {
	return d.Type == NodeTypeLinearFloat || d.Type == NodeTypeLogarithmicFloat
}

// StringEnumCount returns the number of entries of a StringEnum node (0 otherwise).
func (d *NodeDefinition) StringEnumCount() int {
	return len(d.stringEnum)
}

// StringEnumItem returns the entry at index.
func (d *NodeDefinition) StringEnumItem(index int) (StringEnumItem, error) {
	if index < 0 || index >= len(d.stringEnum) {
		return StringEnumItem{}, fmt.Errorf("string enum index %d of %d: %w", index, len(d.stringEnum), ErrIndexOutOfRange)
	}
	return d.stringEnum[index], nil
}

// FloatEnumCount returns the number of entries of a FloatEnum node (0 otherwise).
func (d *NodeDefinition) FloatEnumCount() int {
	return len(d.floatEnum)
}

// FloatEnumItem returns the entry at index.
func (d *NodeDefinition) FloatEnumItem(index int) (FloatEnumItem, error) {
	if index < 0 || index >= len(d.floatEnum) {
		return FloatEnumItem{}, fmt.Errorf("float enum index %d of %d: %w", index, len(d.floatEnum), ErrIndexOutOfRange)
	}
	return d.floatEnum[index], nil
}

// ReadName copies the short name into buf.
func (d *NodeDefinition) ReadName(buf []byte) (int, error) {
	return copyOut(buf, d.Name)
}

// ReadLongName copies the display name into buf.
func (d *NodeDefinition) ReadLongName(buf []byte) (int, error) {
	return copyOut(buf, d.LongName)
}

// ReadStringEnumItem copies the entry at index into the two buffers.
// Truncation of either part reports ErrBufferTooSmall.
func (d *NodeDefinition) ReadStringEnumItem(index int, item, longItem []byte) error {
	e, err := d.StringEnumItem(index)
	if err != nil {
		return err
	}
	_, err1 := copyOut(item, e.Item)
	_, err2 := copyOut(longItem, e.LongItem)
	if err1 != nil {
		return err1
	}
	return err2
}

// ReadFloatEnumItem returns the value at index and copies its label into longItem.
func (d *NodeDefinition) ReadFloatEnumItem(index int, longItem []byte) (float32, error) {
	e, err := d.FloatEnumItem(index)
	if err != nil {
		return 0, err
	}
	_, err = copyOut(longItem, e.LongItem)
	return e.Value, err
}

// DefinitionOption sets a type-specific field when building a definition by
// hand, e.g. for simulators and tests.
type DefinitionOption func(*NodeDefinition)

// WithFloatRange sets the bounds of a LinearFloat or LogarithmicFloat node.
func WithFloatRange(min, max float32, steps uint32) DefinitionOption {
	return func(d *NodeDefinition) {
		d.minFloat, d.maxFloat, d.steps = min, max, steps
	}
}

// WithIntRange sets the bounds of an Integer node.
func WithIntRange(min, max int32) DefinitionOption {
	return func(d *NodeDefinition) {
		d.minInt, d.maxInt = min, max
	}
}

// WithMaxStringLen sets the length limit of a String node.
func WithMaxStringLen(n uint16) DefinitionOption {
	return func(d *NodeDefinition) {
		d.maxStringLen = n
	}
}

// WithStringEnum sets the entries of a StringEnum node.
func WithStringEnum(items ...StringEnumItem) DefinitionOption {
	return func(d *NodeDefinition) {
		d.stringEnum = append([]StringEnumItem(nil), items...)
	}
}

// WithFloatEnum sets the entries of a FloatEnum node.
func WithFloatEnum(items ...FloatEnumItem) DefinitionOption {
	return func(d *NodeDefinition) {
		d.floatEnum = append([]FloatEnumItem(nil), items...)
	}
}

// NewDefinition builds a definition. Options that do not match typ are ignored
// so the type-discipline of the accessors holds.
func NewDefinition(base NodeDefinition, opts ...DefinitionOption) *NodeDefinition {
	d := base
	d.minFloat, d.maxFloat, d.steps = 0, 0, 0
	d.minInt, d.maxInt, d.maxStringLen = 0, 0, 0
	d.stringEnum, d.floatEnum = nil, nil

	var full NodeDefinition
	for _, opt := range opts {
		opt(&full)
	}
	switch d.Type {
	case NodeTypeLinearFloat, NodeTypeLogarithmicFloat:
		d.minFloat, d.maxFloat, d.steps = full.minFloat, full.maxFloat, full.steps
	case NodeTypeInteger:
		d.minInt, d.maxInt = full.minInt, full.maxInt
	case NodeTypeString:
		d.maxStringLen = full.maxStringLen
	case NodeTypeStringEnum:
		d.stringEnum = full.stringEnum
	case NodeTypeFloatEnum:
		d.floatEnum = full.floatEnum
	}
	return &d
}

// NodeData is a snapshot of a node's current value. Each channel has its own
// presence flag; an absent channel means no value of that kind was observed.
type NodeData struct {
	str      string
	f        float32
	i        int32
	hasStr   bool
	hasFloat bool
	hasInt   bool
}

// StringData returns a snapshot carrying only a string value.
func StringData(s string) NodeData { return NodeData{str: s, hasStr: true} }

// FloatData returns a snapshot carrying only a float value.
func FloatData(f float32) NodeData { return NodeData{f: f, hasFloat: true} }

// IntData returns a snapshot carrying only an int value.
func IntData(i int32) NodeData { return NodeData{i: i, hasInt: true} }

func (d NodeData) HasString() bool { return d.hasStr }
func (d NodeData) HasFloat() bool  { return d.hasFloat }
func (d NodeData) HasInt() bool    { return d.hasInt }

// StringValue returns the string channel, "" when absent.
func (d NodeData) StringValue() string { return d.str }

// FloatValue returns the float channel, 0 when absent.
func (d NodeData) FloatValue() float32 { return d.f }

// IntValue returns the int channel, 0 when absent.
func (d NodeData) IntValue() int32 { return d.i }

// ReadString copies the string channel into buf.
func (d NodeData) ReadString(buf []byte) (int, error) {
	return copyOut(buf, d.str)
}

// Empty reports whether no channel is present.
func (d NodeData) Empty() bool {
	return !d.hasStr && !d.hasFloat && !d.hasInt
}

// Merge returns d with every channel present in newer replaced by newer's value.
func (d NodeData) Merge(newer NodeData) NodeData {
	if newer.hasStr {
		d.str, d.hasStr = newer.str, true
	}
	if newer.hasFloat {
		d.f, d.hasFloat = newer.f, true
	}
	if newer.hasInt {
		d.i, d.hasInt = newer.i, true
	}
	return d
}

// Value returns the most specific present channel as a Go value, or nil.
// Float takes precedence over int, int over string.
func (d NodeData) Value() interface{} {
	switch {
	case d.hasFloat:
		return d.f
	case d.hasInt:
		return d.i
	case d.hasStr:
		return d.str
	}
	return nil
}

func (d NodeData) String() string {
	s := "{"
	sep := ""
	if d.hasStr {
		s += fmt.Sprintf("str=%q", d.str)
		sep = " "
	}
	if d.hasFloat {
		s += fmt.Sprintf("%sfloat=%g", sep, d.f)
		sep = " "
	}
	if d.hasInt {
		s += fmt.Sprintf("%sint=%d", sep, d.i)
	}
	return s + "}"
}

// DiscoveryRecord describes a console that answered a discovery probe.
type DiscoveryRecord struct {
	IP       string `json:"ip"`
	Name     string `json:"name"`
	Model    string `json:"model"`
	Serial   string `json:"serial"`
	Firmware string `json:"firmware"`
}
