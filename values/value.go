package values

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueType represents the type of a guest value
type ValueType byte

const (
	TypeNull ValueType = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeList
	TypeCallable
)

// Value represents a guest runtime value
type Value struct {
	Type ValueType
	Data interface{}
}

// List is the guest sequence type.
type List struct {
	Elements []*Value
}

// Callable names a function the guest can invoke. Builtin callables
// carry a host Go function; user callables carry a code id resolved by
// the executing VM.
type Callable struct {
	Name    string
	Builtin func(args []*Value) (*Value, error)
	CodeID  uint32
}

// Constructors for different value types

func NewNull() *Value {
	return &Value{Type: TypeNull, Data: nil}
}

func NewBool(b bool) *Value {
	return &Value{Type: TypeBool, Data: b}
}

func NewInt(i int64) *Value {
	return &Value{Type: TypeInt, Data: i}
}

func NewFloat(f float64) *Value {
	return &Value{Type: TypeFloat, Data: f}
}

func NewString(s string) *Value {
	return &Value{Type: TypeString, Data: s}
}

func NewList(elems ...*Value) *Value {
	return &Value{Type: TypeList, Data: &List{Elements: elems}}
}

func NewCallable(c *Callable) *Value {
	return &Value{Type: TypeCallable, Data: c}
}

// Type accessors

func (v *Value) IsNull() bool   { return v == nil || v.Type == TypeNull }
func (v *Value) IsNumber() bool { return v != nil && (v.Type == TypeInt || v.Type == TypeFloat) }

func (v *Value) Bool() bool {
	b, _ := v.Data.(bool)
	return b
}

func (v *Value) Int() int64 {
	i, _ := v.Data.(int64)
	return i
}

func (v *Value) Float() float64 {
	f, _ := v.Data.(float64)
	return f
}

func (v *Value) Str() string {
	s, _ := v.Data.(string)
	return s
}

func (v *Value) List() *List {
	l, _ := v.Data.(*List)
	return l
}

func (v *Value) Callable() *Callable {
	c, _ := v.Data.(*Callable)
	return c
}

// ToBool applies the guest truthiness rules.
func (v *Value) ToBool() bool {
	if v == nil {
		return false
	}
	switch v.Type {
	case TypeNull:
		return false
	case TypeBool:
		return v.Bool()
	case TypeInt:
		return v.Int() != 0
	case TypeFloat:
		return v.Float() != 0
	case TypeString:
		return v.Str() != ""
	case TypeList:
		return v.List() != nil && len(v.List().Elements) > 0
	default:
		return true
	}
}

// ToFloat coerces numeric and boolean values to a float.
func (v *Value) ToFloat() float64 {
	if v == nil {
		return 0
	}
	switch v.Type {
	case TypeBool:
		if v.Bool() {
			return 1
		}
		return 0
	case TypeInt:
		return float64(v.Int())
	case TypeFloat:
		return v.Float()
	case TypeString:
		f, _ := strconv.ParseFloat(v.Str(), 64)
		return f
	default:
		return 0
	}
}

// ToInt coerces numeric and boolean values to an int.
func (v *Value) ToInt() int64 {
	if v == nil {
		return 0
	}
	switch v.Type {
	case TypeBool:
		if v.Bool() {
			return 1
		}
		return 0
	case TypeInt:
		return v.Int()
	case TypeFloat:
		return int64(v.Float())
	case TypeString:
		i, _ := strconv.ParseInt(v.Str(), 10, 64)
		return i
	default:
		return 0
	}
}

// Equal implements loose guest equality: numbers compare numerically
// across int/float, other types compare by kind and content.
func (v *Value) Equal(other *Value) bool {
	if v == nil || other == nil {
		return v.IsNull() && other.IsNull()
	}
	if v.IsNumber() && other.IsNumber() {
		return v.ToFloat() == other.ToFloat()
	}
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case TypeNull:
		return true
	case TypeBool:
		return v.Bool() == other.Bool()
	case TypeString:
		return v.Str() == other.Str()
	case TypeList:
		a, b := v.List(), other.List()
		if len(a.Elements) != len(b.Elements) {
			return false
		}
		for i := range a.Elements {
			if !a.Elements[i].Equal(b.Elements[i]) {
				return false
			}
		}
		return true
	case TypeCallable:
		return v.Callable() == other.Callable()
	}
	return false
}

// Compare returns -1, 0 or 1. Mixed numeric operands compare as
// floats; strings compare lexicographically.
func (v *Value) Compare(other *Value) int {
	if v.IsNumber() && other.IsNumber() {
		a, b := v.ToFloat(), other.ToFloat()
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	}
	if v != nil && other != nil && v.Type == TypeString && other.Type == TypeString {
		return strings.Compare(v.Str(), other.Str())
	}
	return strings.Compare(v.String(), other.String())
}

// String renders the value the way the guest would print it.
func (v *Value) String() string {
	if v == nil {
		return "null"
	}
	switch v.Type {
	case TypeNull:
		return "null"
	case TypeBool:
		if v.Bool() {
			return "true"
		}
		return "false"
	case TypeInt:
		return strconv.FormatInt(v.Int(), 10)
	case TypeFloat:
		f := v.Float()
		if f == math.Trunc(f) && math.Abs(f) < 1e15 {
			return strconv.FormatFloat(f, 'f', 1, 64)
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	case TypeString:
		return v.Str()
	case TypeList:
		parts := make([]string, 0, len(v.List().Elements))
		for _, e := range v.List().Elements {
			parts = append(parts, e.String())
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case TypeCallable:
		if c := v.Callable(); c != nil {
			return fmt.Sprintf("<callable %s>", c.Name)
		}
		return "<callable>"
	}
	return fmt.Sprintf("<%d>", v.Type)
}

// TypeName returns the guest-visible type name.
func (v *Value) TypeName() string {
	if v == nil {
		return "null"
	}
	switch v.Type {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeList:
		return "list"
	case TypeCallable:
		return "callable"
	}
	return "unknown"
}
