package common

import (
	"fmt"
	"strconv"
	"strings"
)

type LType struct {
	Id    LTypeId
	Width int
	Scale int
}

func MakeLType(id LTypeId) LType {
	return LType{Id: id}
}

func Null() LType {
	return MakeLType(LTID_NULL)
}

func BooleanType() LType {
	return MakeLType(LTID_BOOLEAN)
}

func IntegerType() LType {
	return MakeLType(LTID_INTEGER)
}

func BigintType() LType {
	return MakeLType(LTID_BIGINT)
}

func DoubleType() LType {
	return MakeLType(LTID_DOUBLE)
}

func VarcharType() LType {
	return MakeLType(LTID_VARCHAR)
}

func VarcharType2(width int) LType {
	ret := MakeLType(LTID_VARCHAR)
	ret.Width = width
	return ret
}

func DecimalType(width, scale int) LType {
	ret := MakeLType(LTID_DECIMAL)
	ret.Width = width
	ret.Scale = scale
	return ret
}

func (lt LType) IsNumeric() bool {
	switch lt.Id {
	case LTID_INTEGER, LTID_BIGINT, LTID_DOUBLE, LTID_DECIMAL:
		return true
	default:
		return false
	}
}

func (lt LType) Equal(o LType) bool {
	return lt.Id == o.Id && lt.Width == o.Width && lt.Scale == o.Scale
}

func (lt LType) String() string {
	switch lt.Id {
	case LTID_DECIMAL:
		return fmt.Sprintf("decimal(%d,%d)", lt.Width, lt.Scale)
	case LTID_VARCHAR:
		if lt.Width > 0 {
			return fmt.Sprintf("varchar(%d)", lt.Width)
		}
		return "varchar"
	case LTID_BOOLEAN:
		return "bool"
	case LTID_INTEGER:
		return "int"
	case LTID_BIGINT:
		return "bigint"
	case LTID_DOUBLE:
		return "double"
	case LTID_NULL:
		return "null"
	default:
		return lt.Id.String()
	}
}

// ParseLType accepts the names used in table configs:
// int, bigint, double, bool, varchar, varchar(n), decimal(p,s).
func ParseLType(s string) (LType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	var args []int
	if lp := strings.IndexByte(name, '('); lp >= 0 {
		if !strings.HasSuffix(name, ")") {
			return LType{}, fmt.Errorf("invalid type %q", s)
		}
		for _, part := range strings.Split(name[lp+1:len(name)-1], ",") {
			v, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return LType{}, fmt.Errorf("invalid type %q: %w", s, err)
			}
			args = append(args, v)
		}
		name = strings.TrimSpace(name[:lp])
	}
	switch name {
	case "int", "integer", "int4":
		return IntegerType(), nil
	case "bigint", "int8":
		return BigintType(), nil
	case "double", "float8", "float":
		return DoubleType(), nil
	case "bool", "boolean":
		return BooleanType(), nil
	case "varchar", "text", "string":
		if len(args) > 0 {
			return VarcharType2(args[0]), nil
		}
		return VarcharType(), nil
	case "decimal", "numeric":
		switch len(args) {
		case 0:
			return DecimalType(38, 2), nil
		case 1:
			return DecimalType(args[0], 0), nil
		default:
			return DecimalType(args[0], args[1]), nil
		}
	default:
		return LType{}, fmt.Errorf("unsupported type %q", s)
	}
}
