package calc

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrDivisionByZero is returned when a divisor evaluates to zero.
var ErrDivisionByZero = errors.New("division by zero")

// Eval evaluates a parsed expression.
func Eval(e Expr) (float64, error) {
	switch n := e.(type) {
	case *NumberExpr:
		return n.Value, nil
	case *UnaryExpr:
		v, err := Eval(n.Operand)
		if err != nil {
			return 0, err
		}
		return -v, nil
	case *BinaryExpr:
		return evalBinary(n)
	}
	return 0, fmt.Errorf("unsupported expression %T", e)
}

func evalBinary(n *BinaryExpr) (float64, error) {
	l, err := Eval(n.Left)
	if err != nil {
		return 0, err
	}
	r, err := Eval(n.Right)
	if err != nil {
		return 0, err
	}

	var v float64
	switch n.Op {
	case TokenPlus:
		v = l + r
	case TokenMinus:
		v = l - r
	case TokenStar:
		v = l * r
	case TokenSlash:
		if r == 0 {
			return 0, ErrDivisionByZero
		}
		v = l / r
	default:
		return 0, fmt.Errorf("unsupported operator %s", n.Op)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("result of %s is out of range", n)
	}
	return v, nil
}

// Evaluate parses and evaluates src.
func Evaluate(src string) (float64, error) {
	e, err := Parse(src)
	if err != nil {
		return 0, err
	}
	return Eval(e)
}

// Format renders v without a trailing fractional part when it is
// integral: 50, not 50.0.
func Format(v float64) string {
	if v == 0 {
		return "0"
	}
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
