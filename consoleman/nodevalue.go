package consoleman

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"winglink/wing"
)

// NodeValue is the gateway's view of one node: its cached definition and the
// merged value snapshot.
type NodeValue struct {
	ID       uint32
	Name     string // Directory name, or the decimal id when unknown
	Type     string
	Unit     string
	ReadOnly bool
	Data     wing.NodeData
	Updated  time.Time
}

// GoValue returns the value as a plain Go value, or nil.
func (v *NodeValue) GoValue() interface{} {
	return v.Data.Value()
}

// nodeName resolves id through the directory.
func nodeName(id uint32) string {
	if name, err := wing.IDToName(id); err == nil {
		return name
	}
	return strconv.FormatUint(uint64(id), 10)
}

// resolveID accepts a directory name or a decimal id.
func resolveID(node string) (uint32, error) {
	if id, err := wing.NameToID(node); err == nil {
		return id, nil
	}
	if n, err := strconv.ParseUint(node, 10, 32); err == nil {
		return uint32(n), nil
	}
	return 0, fmt.Errorf("unknown node %q: %w", node, wing.ErrNotFound)
}

func toFloat(v interface{}) (float32, error) {
	switch x := v.(type) {
	case float64:
		return float32(x), nil
	case float32:
		return x, nil
	case int:
		return float32(x), nil
	case int32:
		return float32(x), nil
	case int64:
		return float32(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(x, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: cannot convert %q to float", ErrInvalidValue, x)
		}
		return float32(f), nil
	}
	return 0, fmt.Errorf("%w: cannot convert %T to float", ErrInvalidValue, v)
}

func toInt(v interface{}) (int32, error) {
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrInvalidValue, x)
		}
		if x < math.MinInt32 || x > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %v is out of int32 range", ErrInvalidValue, x)
		}
		return int32(x), nil
	case float32:
		return toInt(float64(x))
	case int:
		return toInt(int64(x))
	case int32:
		return x, nil
	case int64:
		if x < math.MinInt32 || x > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %d is out of int32 range", ErrInvalidValue, x)
		}
		return int32(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.ParseInt(x, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: cannot convert %q to int", ErrInvalidValue, x)
		}
		return int32(n), nil
	}
	return 0, fmt.Errorf("%w: cannot convert %T to int", ErrInvalidValue, v)
}

// applySet sends value to id using the channel the node's type expects. With
// no cached definition the Go type of value decides.
func applySet(s Session, id uint32, value interface{}) error {
	def, known := s.Definition(id)
	if known {
		if def.ReadOnly {
			return fmt.Errorf("%w: node %s is read-only", ErrInvalidValue, nodeName(id))
		}
		switch {
		case def.Type == wing.NodeTypeNode:
			return fmt.Errorf("%w: node %s has no value", ErrInvalidValue, nodeName(id))
		case def.Type == wing.NodeTypeString || def.Type == wing.NodeTypeStringEnum:
			return s.SetString(id, fmt.Sprint(value))
		case def.Type == wing.NodeTypeInteger:
			n, err := toInt(value)
			if err != nil {
				return err
			}
			return s.SetInt(id, n)
		case def.Type.IsFloat():
			f, err := toFloat(value)
			if err != nil {
				return err
			}
			return s.SetFloat(id, f)
		}
	}

	switch x := value.(type) {
	case string:
		return s.SetString(id, x)
	case bool, int, int32, int64:
		n, err := toInt(x)
		if err != nil {
			return err
		}
		return s.SetInt(id, n)
	default:
		f, err := toFloat(x)
		if err != nil {
			return err
		}
		return s.SetFloat(id, f)
	}
}
