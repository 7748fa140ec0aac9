package chunk

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/govalues/decimal"

	"github.com/daviszhen/preagg/pkg/common"
)

type Value struct {
	Typ    common.LType
	IsNull bool
	//value
	Bool bool
	I64  int64
	F64  float64
	Dec  decimal.Decimal
	Str  string
}

func NullValue(typ common.LType) Value {
	return Value{Typ: typ, IsNull: true}
}

func BoolValue(b bool) Value {
	return Value{Typ: common.BooleanType(), Bool: b}
}

func BigintValue(v int64) Value {
	return Value{Typ: common.BigintType(), I64: v}
}

func IntegerValue(v int64) Value {
	return Value{Typ: common.IntegerType(), I64: v}
}

func DoubleValue(v float64) Value {
	return Value{Typ: common.DoubleType(), F64: v}
}

func VarcharValue(s string) Value {
	return Value{Typ: common.VarcharType(), Str: s}
}

func DecimalValue(d decimal.Decimal, typ common.LType) Value {
	return Value{Typ: typ, Dec: d}
}

func (val Value) String() string {
	if val.IsNull {
		return "NULL"
	}
	switch val.Typ.Id {
	case common.LTID_INTEGER, common.LTID_BIGINT:
		return fmt.Sprintf("%d", val.I64)
	case common.LTID_BOOLEAN:
		return fmt.Sprintf("%v", val.Bool)
	case common.LTID_VARCHAR:
		return val.Str
	case common.LTID_DECIMAL:
		return val.Dec.String()
	case common.LTID_DOUBLE:
		return strconv.FormatFloat(val.F64, 'g', -1, 64)
	default:
		panic("usp")
	}
}

// Float64 converts a numeric value. Decimals go through their text form.
func (val Value) Float64() float64 {
	switch val.Typ.Id {
	case common.LTID_INTEGER, common.LTID_BIGINT:
		return float64(val.I64)
	case common.LTID_DOUBLE:
		return val.F64
	case common.LTID_DECIMAL:
		f, err := strconv.ParseFloat(val.Dec.String(), 64)
		if err != nil {
			panic(err)
		}
		return f
	case common.LTID_BOOLEAN:
		if val.Bool {
			return 1
		}
		return 0
	default:
		panic(fmt.Sprintf("usp float64 of %v", val.Typ))
	}
}

// VarlenaSize is the number of bytes the value occupies in the extra
// area of a device buffer. By value types need none.
func (val Value) VarlenaSize() int {
	if val.IsNull {
		return 0
	}
	switch val.Typ.Id {
	case common.LTID_VARCHAR:
		return len(val.Str)
	case common.LTID_DECIMAL:
		return 16
	default:
		return 0
	}
}

// CompareValue orders NULL first. Values of different numeric types are
// compared as doubles.
func CompareValue(a, b Value) int {
	if a.IsNull || b.IsNull {
		switch {
		case a.IsNull && b.IsNull:
			return 0
		case a.IsNull:
			return -1
		default:
			return 1
		}
	}
	if a.Typ.Id != b.Typ.Id {
		if a.Typ.IsNumeric() && b.Typ.IsNumeric() {
			return compareFloat(a.Float64(), b.Float64())
		}
		return strings.Compare(a.String(), b.String())
	}
	switch a.Typ.Id {
	case common.LTID_INTEGER, common.LTID_BIGINT:
		switch {
		case a.I64 < b.I64:
			return -1
		case a.I64 > b.I64:
			return 1
		}
		return 0
	case common.LTID_DOUBLE:
		return compareFloat(a.F64, b.F64)
	case common.LTID_DECIMAL:
		return a.Dec.Cmp(b.Dec)
	case common.LTID_VARCHAR:
		return strings.Compare(a.Str, b.Str)
	case common.LTID_BOOLEAN:
		switch {
		case a.Bool == b.Bool:
			return 0
		case !a.Bool:
			return -1
		}
		return 1
	default:
		panic("usp")
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// AppendKey appends a canonical encoding of val. Two values that compare
// equal produce identical bytes.
func AppendKey(buf []byte, val Value) []byte {
	if val.IsNull {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	switch val.Typ.Id {
	case common.LTID_INTEGER, common.LTID_BIGINT:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(val.I64))
	case common.LTID_DOUBLE:
		f := val.F64
		//-0 and 0
		if f == 0 {
			f = 0
		}
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
	case common.LTID_BOOLEAN:
		if val.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case common.LTID_DECIMAL:
		s := normalizeDecimal(val.Dec.String())
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	case common.LTID_VARCHAR:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(val.Str)))
		buf = append(buf, val.Str...)
	default:
		panic("usp")
	}
	return buf
}

func normalizeDecimal(s string) string {
	if strings.IndexByte(s, '.') < 0 {
		return s
	}
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" {
		return "0"
	}
	return s
}

func EncodeKey(vals []Value) []byte {
	buf := make([]byte, 0, len(vals)*9)
	for _, val := range vals {
		buf = AppendKey(buf, val)
	}
	return buf
}

// ParseValue converts a text field. An empty field is NULL.
func ParseValue(typ common.LType, s string) (Value, error) {
	if len(s) == 0 {
		return NullValue(typ), nil
	}
	ret := Value{Typ: typ}
	var err error
	switch typ.Id {
	case common.LTID_INTEGER, common.LTID_BIGINT:
		ret.I64, err = strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	case common.LTID_DOUBLE:
		ret.F64, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
	case common.LTID_BOOLEAN:
		ret.Bool, err = strconv.ParseBool(strings.TrimSpace(s))
	case common.LTID_DECIMAL:
		ret.Dec, err = decimal.ParseExact(strings.TrimSpace(s), typ.Scale)
	case common.LTID_VARCHAR:
		ret.Str = s
	default:
		return Value{}, fmt.Errorf("usp parse of %v", typ)
	}
	if err != nil {
		return Value{}, fmt.Errorf("parse %q as %v: %w", s, typ, err)
	}
	return ret, nil
}

// FromAny converts a value decoded by a file reader.
func FromAny(typ common.LType, v any) (Value, error) {
	if v == nil {
		return NullValue(typ), nil
	}
	switch x := v.(type) {
	case bool:
		if typ.Id == common.LTID_BOOLEAN {
			return Value{Typ: typ, Bool: x}, nil
		}
	case int32:
		return fromInt(typ, int64(x))
	case int64:
		return fromInt(typ, x)
	case int:
		return fromInt(typ, int64(x))
	case float32:
		return fromFloat(typ, float64(x))
	case float64:
		return fromFloat(typ, x)
	case string:
		if typ.Id == common.LTID_VARCHAR {
			return Value{Typ: typ, Str: x}, nil
		}
		return ParseValue(typ, x)
	case []byte:
		if typ.Id == common.LTID_VARCHAR {
			return Value{Typ: typ, Str: string(x)}, nil
		}
		return ParseValue(typ, string(x))
	}
	return Value{}, fmt.Errorf("can not convert %T to %v", v, typ)
}

func fromInt(typ common.LType, v int64) (Value, error) {
	switch typ.Id {
	case common.LTID_INTEGER, common.LTID_BIGINT:
		return Value{Typ: typ, I64: v}, nil
	case common.LTID_DOUBLE:
		return Value{Typ: typ, F64: float64(v)}, nil
	case common.LTID_DECIMAL:
		//stored as scaled integer
		d, err := decimal.New(v, typ.Scale)
		if err != nil {
			return Value{}, err
		}
		return Value{Typ: typ, Dec: d}, nil
	case common.LTID_BOOLEAN:
		return Value{Typ: typ, Bool: v != 0}, nil
	}
	return Value{}, fmt.Errorf("can not convert int to %v", typ)
}

func fromFloat(typ common.LType, v float64) (Value, error) {
	switch typ.Id {
	case common.LTID_DOUBLE:
		return Value{Typ: typ, F64: v}, nil
	case common.LTID_DECIMAL:
		d, err := decimal.ParseExact(strconv.FormatFloat(v, 'f', -1, 64), typ.Scale)
		if err != nil {
			return Value{}, err
		}
		return Value{Typ: typ, Dec: d}, nil
	}
	return Value{}, fmt.Errorf("can not convert float to %v", typ)
}
