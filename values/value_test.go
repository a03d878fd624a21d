package values

import "testing"

func TestToBool(t *testing.T) {
	cases := []struct {
		name string
		v    *Value
		want bool
	}{
		{"null", NewNull(), false},
		{"false", NewBool(false), false},
		{"true", NewBool(true), true},
		{"zero int", NewInt(0), false},
		{"int", NewInt(7), true},
		{"zero float", NewFloat(0), false},
		{"float", NewFloat(0.5), true},
		{"empty string", NewString(""), false},
		{"string", NewString("x"), true},
		{"empty list", NewList(), false},
		{"list", NewList(NewInt(1)), true},
	}
	for _, tc := range cases {
		if got := tc.v.ToBool(); got != tc.want {
			t.Errorf("%s: ToBool() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEqualMixedNumeric(t *testing.T) {
	if !NewInt(3).Equal(NewFloat(3.0)) {
		t.Errorf("int 3 should equal float 3.0")
	}
	if NewInt(3).Equal(NewFloat(3.5)) {
		t.Errorf("int 3 should not equal float 3.5")
	}
	if NewString("3").Equal(NewInt(3)) {
		t.Errorf("string should not loosely equal int")
	}
}

func TestEqualLists(t *testing.T) {
	a := NewList(NewInt(1), NewString("x"))
	b := NewList(NewInt(1), NewString("x"))
	c := NewList(NewInt(1))
	if !a.Equal(b) {
		t.Errorf("identical lists should be equal")
	}
	if a.Equal(c) {
		t.Errorf("lists of different length should not be equal")
	}
}

func TestCompare(t *testing.T) {
	if NewInt(1).Compare(NewFloat(2)) >= 0 {
		t.Errorf("1 < 2.0 expected")
	}
	if NewString("a").Compare(NewString("b")) >= 0 {
		t.Errorf("a < b expected")
	}
	if NewInt(5).Compare(NewInt(5)) != 0 {
		t.Errorf("5 == 5 expected")
	}
}

func TestStringRendering(t *testing.T) {
	cases := []struct {
		v    *Value
		want string
	}{
		{NewNull(), "null"},
		{NewBool(true), "true"},
		{NewInt(42), "42"},
		{NewFloat(2.5), "2.5"},
		{NewFloat(3), "3.0"},
		{NewString("hi"), "hi"},
		{NewList(NewInt(1), NewInt(2)), "[1, 2]"},
	}
	for _, tc := range cases {
		if got := tc.v.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestCoercions(t *testing.T) {
	if NewString("12").ToInt() != 12 {
		t.Errorf("string to int coercion failed")
	}
	if NewBool(true).ToFloat() != 1 {
		t.Errorf("bool to float coercion failed")
	}
	if NewFloat(9.9).ToInt() != 9 {
		t.Errorf("float to int truncation failed")
	}
}
