package vm

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/retracesoftware/retrace/values"
)

// Builtins returns the default builtin registry. Builtins execute as
// opaque host calls: a recorder sees only their name, argument types
// and result.
func Builtins() map[string]*values.Callable {
	reg := make(map[string]*values.Callable)
	add := func(name string, fn func(args []*values.Value) (*values.Value, error)) {
		reg[name] = &values.Callable{Name: name, Builtin: fn}
	}

	add("print", func(args []*values.Value) (*values.Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = a.String()
		}
		fmt.Println(strings.Join(parts, " "))
		return values.NewNull(), nil
	})

	add("len", func(args []*values.Value) (*values.Value, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("len expects 1 argument, got %d", len(args))
		}
		switch args[0].Type {
		case values.TypeString:
			return values.NewInt(int64(len(args[0].Str()))), nil
		case values.TypeList:
			return values.NewInt(int64(len(args[0].List().Elements))), nil
		}
		return nil, fmt.Errorf("len: unsupported type %s", args[0].TypeName())
	})

	add("str", func(args []*values.Value) (*values.Value, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("str expects 1 argument, got %d", len(args))
		}
		return values.NewString(args[0].String()), nil
	})

	add("abs", func(args []*values.Value) (*values.Value, error) {
		if len(args) != 1 || !args[0].IsNumber() {
			return nil, fmt.Errorf("abs expects 1 numeric argument")
		}
		if args[0].Type == values.TypeInt {
			n := args[0].Int()
			if n < 0 {
				n = -n
			}
			return values.NewInt(n), nil
		}
		f := args[0].Float()
		if f < 0 {
			f = -f
		}
		return values.NewFloat(f), nil
	})

	add("random.randint", func(args []*values.Value) (*values.Value, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("random.randint expects 2 arguments, got %d", len(args))
		}
		lo, hi := args[0].ToInt(), args[1].ToInt()
		if hi < lo {
			return nil, fmt.Errorf("random.randint: empty range [%d, %d]", lo, hi)
		}
		return values.NewInt(lo + rand.Int63n(hi-lo+1)), nil
	})

	return reg
}

// BindBuiltins installs the registry into the context's global scope
// so LOAD_GLOBAL can resolve builtin names.
func BindBuiltins(ctx *ExecutionContext, reg map[string]*values.Callable) {
	for name, c := range reg {
		ctx.Globals[name] = values.NewCallable(c)
	}
}
