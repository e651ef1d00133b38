package scriptengine

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type argKind int

const (
	kindString argKind = iota
	kindNumeric
	kindJSON
	kindArray
	kindRecord
	kindNull
)

// Argument is a named value handed to a script entry point. Arguments render
// to JSON text, which the engine parses inside the sandbox.
type Argument struct {
	name     string
	kind     argKind
	text     string
	num      float64
	children []Argument
}

// Name is the parameter name used by invocation harnesses.
func (a Argument) Name() string { return a.name }

// WithName returns a copy of the argument under a different name.
func (a Argument) WithName(name string) Argument {
	a.name = name
	return a
}

func StringArg(name, value string) Argument {
	return Argument{name: name, kind: kindString, text: value}
}

func NumericArg(name string, value float64) Argument {
	return Argument{name: name, kind: kindNumeric, num: value}
}

func IntArg(name string, value int64) Argument {
	return Argument{name: name, kind: kindNumeric, num: float64(value)}
}

func NullArg(name string) Argument {
	return Argument{name: name, kind: kindNull}
}

// JSONArg wraps already-serialized JSON. The text is validated.
func JSONArg(name, raw string) (Argument, error) {
	raw = strings.TrimSpace(raw)
	if !json.Valid([]byte(raw)) {
		return Argument{}, fmt.Errorf("argument %s: invalid JSON", name)
	}
	return Argument{name: name, kind: kindJSON, text: raw}, nil
}

// ArrayArg builds an array from sub-arguments; element names are ignored.
func ArrayArg(name string, items []Argument) Argument {
	return Argument{name: name, kind: kindArray, children: append([]Argument(nil), items...)}
}

// RecordArg builds an object whose field names come from the sub-arguments.
func RecordArg(name string, fields ...Argument) Argument {
	return Argument{name: name, kind: kindRecord, children: append([]Argument(nil), fields...)}
}

// ArrayArgFromJSON parses a JSON array into an array argument.
func ArrayArgFromJSON(name, raw string) (Argument, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return Argument{}, fmt.Errorf("argument %s: expected JSON array: %w", name, err)
	}
	children := make([]Argument, len(items))
	for i, item := range items {
		children[i] = Argument{name: strconv.Itoa(i), kind: kindJSON, text: string(item)}
	}
	return Argument{name: name, kind: kindArray, children: children}, nil
}

// JSON renders the argument value.
func (a Argument) JSON() string {
	var b strings.Builder
	a.writeJSON(&b)
	return b.String()
}

func (a Argument) writeJSON(b *strings.Builder) {
	switch a.kind {
	case kindString:
		enc, _ := json.Marshal(a.text)
		b.Write(enc)
	case kindNumeric:
		if math.IsNaN(a.num) || math.IsInf(a.num, 0) {
			b.WriteString("null")
			return
		}
		b.WriteString(strconv.FormatFloat(a.num, 'g', -1, 64))
	case kindJSON:
		b.WriteString(a.text)
	case kindArray:
		b.WriteByte('[')
		for i, c := range a.children {
			if i > 0 {
				b.WriteByte(',')
			}
			c.writeJSON(b)
		}
		b.WriteByte(']')
	case kindRecord:
		b.WriteByte('{')
		for i, c := range a.children {
			if i > 0 {
				b.WriteByte(',')
			}
			key, _ := json.Marshal(c.name)
			b.Write(key)
			b.WriteByte(':')
			c.writeJSON(b)
		}
		b.WriteByte('}')
	default:
		b.WriteString("null")
	}
}

// Names returns the parameter names of args, in order.
func Names(args []Argument) []string {
	names := make([]string, len(args))
	for i, a := range args {
		names[i] = a.name
	}
	return names
}
