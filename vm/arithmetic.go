package vm

import (
	"math"

	"github.com/retracesoftware/retrace/opcodes"
	"github.com/retracesoftware/retrace/values"
)

// execArithmetic handles the binary numeric opcodes. Integer operands
// stay integral except for DIV and POW, which follow the guest rule of
// promoting to float when the result is not exact.
func (vm *VirtualMachine) execArithmetic(frame *CallFrame, inst opcodes.Instruction) (stepResult, error) {
	ops, err := frame.popN(2)
	if err != nil {
		return stepResult{}, err
	}
	left, right := ops[0], ops[1]
	if !left.IsNumber() || !right.IsNumber() {
		if inst.Opcode == opcodes.OP_ADD && left.Type == values.TypeString && right.Type == values.TypeString {
			frame.push(values.NewString(left.Str() + right.Str()))
			return advanceResult(), nil
		}
		return faultResult(values.NewString(ErrNotANumber.Error())), nil
	}

	bothInt := left.Type == values.TypeInt && right.Type == values.TypeInt

	switch inst.Opcode {
	case opcodes.OP_ADD:
		if bothInt {
			frame.push(values.NewInt(left.Int() + right.Int()))
		} else {
			frame.push(values.NewFloat(left.ToFloat() + right.ToFloat()))
		}
	case opcodes.OP_SUB:
		if bothInt {
			frame.push(values.NewInt(left.Int() - right.Int()))
		} else {
			frame.push(values.NewFloat(left.ToFloat() - right.ToFloat()))
		}
	case opcodes.OP_MUL:
		if bothInt {
			frame.push(values.NewInt(left.Int() * right.Int()))
		} else {
			frame.push(values.NewFloat(left.ToFloat() * right.ToFloat()))
		}
	case opcodes.OP_DIV:
		if right.ToFloat() == 0 {
			return faultResult(values.NewString(ErrDivisionByZero.Error())), nil
		}
		if bothInt && left.Int()%right.Int() == 0 {
			frame.push(values.NewInt(left.Int() / right.Int()))
		} else {
			frame.push(values.NewFloat(left.ToFloat() / right.ToFloat()))
		}
	case opcodes.OP_MOD:
		if right.ToInt() == 0 {
			return faultResult(values.NewString(ErrModuloByZero.Error())), nil
		}
		frame.push(values.NewInt(left.ToInt() % right.ToInt()))
	case opcodes.OP_POW:
		res := math.Pow(left.ToFloat(), right.ToFloat())
		if bothInt && res == math.Trunc(res) {
			frame.push(values.NewInt(int64(res)))
		} else {
			frame.push(values.NewFloat(res))
		}
	}
	return advanceResult(), nil
}

func (vm *VirtualMachine) execUnary(frame *CallFrame, inst opcodes.Instruction) (stepResult, error) {
	v, err := frame.pop()
	if err != nil {
		return stepResult{}, err
	}
	switch inst.Opcode {
	case opcodes.OP_NEG:
		if !v.IsNumber() {
			return faultResult(values.NewString(ErrNotANumber.Error())), nil
		}
		if v.Type == values.TypeInt {
			frame.push(values.NewInt(-v.Int()))
		} else {
			frame.push(values.NewFloat(-v.Float()))
		}
	case opcodes.OP_NOT:
		frame.push(values.NewBool(!v.ToBool()))
	}
	return advanceResult(), nil
}

func (vm *VirtualMachine) execComparison(frame *CallFrame, inst opcodes.Instruction) (stepResult, error) {
	ops, err := frame.popN(2)
	if err != nil {
		return stepResult{}, err
	}
	left, right := ops[0], ops[1]
	var result bool
	switch inst.Opcode {
	case opcodes.OP_IS_EQUAL:
		result = left.Equal(right)
	case opcodes.OP_IS_NOT_EQUAL:
		result = !left.Equal(right)
	case opcodes.OP_IS_SMALLER:
		result = left.Compare(right) < 0
	case opcodes.OP_IS_SMALLER_OR_EQUAL:
		result = left.Compare(right) <= 0
	case opcodes.OP_IS_GREATER:
		result = left.Compare(right) > 0
	case opcodes.OP_IS_GREATER_OR_EQUAL:
		result = left.Compare(right) >= 0
	}
	frame.push(values.NewBool(result))
	return advanceResult(), nil
}
