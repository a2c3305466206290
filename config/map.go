package config

import (
	"reflect"
	"strconv"
	"strings"
	"time"
)

// matcher is one registered directive: how to parse it and where to store
// the result.
type matcher struct {
	name       string
	required   bool
	repeatable bool
	defaultVal func() (interface{}, error)
	mapper     func(*Map, Node) (interface{}, error)
	store      *reflect.Value
}

func (m *matcher) assign(val interface{}) {
	v := reflect.ValueOf(val)
	if !v.IsValid() {
		v = reflect.Zero(m.store.Type())
	}
	m.store.Set(v)
}

// Map implements directive-to-Go-variable binding for one config block,
// adapted from the teacher's framework/config.Map but trimmed: vsmtpd's
// schema is flat, so the global-value-inheritance machinery the teacher
// carries for maddy's nested module blocks is dropped.
type Map struct {
	allowUnknown bool
	Values       map[string]interface{}
	entries      map[string]matcher
	Block        Node
}

// NewMap prepares a Map to process block's children.
func NewMap(block Node) *Map {
	return &Map{Block: block}
}

// AllowUnknown makes Process return unrecognized directives instead of
// failing on them.
func (m *Map) AllowUnknown() {
	m.allowUnknown = true
}

// Bool maps a directive in the form "name" or "name yes|no" to a bool.
func (m *Map) Bool(name string, defaultVal bool, store *bool) {
	m.Custom(name, false, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if len(node.Children) != 0 {
			return nil, NodeErr(node, "can't declare a block here")
		}
		if len(node.Args) == 0 {
			return true, nil
		}
		if len(node.Args) != 1 {
			return nil, NodeErr(node, "expected at most 1 argument")
		}
		switch node.Args[0] {
		case "yes", "true", "on":
			return true, nil
		case "no", "false", "off":
			return false, nil
		default:
			return nil, NodeErr(node, "bool argument should be 'yes' or 'no'")
		}
	}, store)
}

// Int maps a directive in the form "name 123" to an int.
func (m *Map) Int(name string, required bool, defaultVal int, store *int) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if len(node.Args) != 1 {
			return nil, NodeErr(node, "expected 1 argument")
		}
		i, err := strconv.Atoi(node.Args[0])
		if err != nil {
			return nil, NodeErr(node, "invalid integer: %s", node.Args[0])
		}
		return i, nil
	}, store)
}

// String maps a directive in the form "name value" to a string.
func (m *Map) String(name string, required bool, defaultVal string, store *string) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if len(node.Args) != 1 {
			return nil, NodeErr(node, "expected 1 argument")
		}
		return node.Args[0], nil
	}, store)
}

// Duration maps a directive in the form "name 30s" to a time.Duration. As in
// the teacher's version, multiple arguments are joined without separators
// before parsing, so "name 1h 30m" also works.
func (m *Map) Duration(name string, required bool, defaultVal time.Duration, store *time.Duration) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if len(node.Args) == 0 {
			return nil, NodeErr(node, "at least one argument is required")
		}
		dur, err := time.ParseDuration(strings.Join(node.Args, ""))
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		if dur < 0 {
			return nil, NodeErr(node, "duration must not be negative")
		}
		return dur, nil
	}, store)
}

// StringList maps a directive in the form "name a b c" to a []string.
func (m *Map) StringList(name string, required bool, defaultVal []string, store *[]string) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if len(node.Args) == 0 {
			return nil, NodeErr(node, "expected at least one argument")
		}
		return node.Args, nil
	}, store)
}

// Custom registers an arbitrary directive mapper. defaultVal supplies the
// value used when the directive is absent and required is false; mapper
// converts a matched Node into the stored value. store may be nil, in which
// case the value is only recorded in Map.Values.
func (m *Map) Custom(name string, required bool, defaultVal func() (interface{}, error), mapper func(*Map, Node) (interface{}, error), store interface{}) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[name]; ok {
		panic("config: duplicate matcher for " + name)
	}

	var target *reflect.Value
	ptr := reflect.ValueOf(store)
	if ptr.IsValid() && !ptr.IsNil() {
		val := ptr.Elem()
		if !val.CanSet() {
			panic("config: store argument must be a settable pointer")
		}
		target = &val
	}

	m.entries[name] = matcher{
		name:       name,
		required:   required,
		defaultVal: defaultVal,
		mapper:     mapper,
		store:      target,
	}
}

// Process matches every child of Block against the registered directives,
// assigning into their store pointers and returning any children that
// matched nothing (only when AllowUnknown was called; otherwise an
// unmatched directive is an error).
func (m *Map) Process() ([]Node, error) {
	unknown := make([]Node, 0, len(m.Block.Children))
	matched := make(map[string]bool, len(m.entries))
	m.Values = make(map[string]interface{})

	for _, sub := range m.Block.Children {
		mtc, ok := m.entries[sub.Name]
		if !ok {
			if !m.allowUnknown {
				return nil, NodeErr(sub, "unexpected directive: %s", sub.Name)
			}
			unknown = append(unknown, sub)
			continue
		}
		if matched[sub.Name] && !mtc.repeatable {
			return nil, NodeErr(sub, "duplicate directive: %s", sub.Name)
		}
		matched[sub.Name] = true

		val, err := mtc.mapper(m, sub)
		if err != nil {
			return nil, err
		}
		m.Values[mtc.name] = val
		if mtc.store != nil {
			mtc.assign(val)
		}
	}

	for _, mtc := range m.entries {
		if matched[mtc.name] {
			continue
		}
		if mtc.required {
			return nil, NodeErr(m.Block, "missing required directive: %s", mtc.name)
		}
		if mtc.defaultVal == nil {
			continue
		}
		val, err := mtc.defaultVal()
		if err != nil {
			return nil, err
		}
		m.Values[mtc.name] = val
		if mtc.store != nil {
			mtc.assign(val)
		}
	}

	return unknown, nil
}
