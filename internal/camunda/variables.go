package camunda

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/forge/internal/model"
)

// DateLayout is the engine's default date format for Date variables.
const DateLayout = "2006-01-02T15:04:05.000-0700"

// Engine variable type names.
const (
	TypeNull    = "Null"
	TypeString  = "String"
	TypeBoolean = "Boolean"
	TypeShort   = "Short"
	TypeInteger = "Integer"
	TypeLong    = "Long"
	TypeDouble  = "Double"
	TypeDate    = "Date"
	TypeBytes   = "Bytes"
	TypeJSON    = "Json"
	TypeObject  = "Object"
)

// TypedValue is a process variable as carried on the wire.
type TypedValue struct {
	Type      string          `json:"type"`
	Value     json.RawMessage `json:"value"`
	ValueInfo map[string]any  `json:"valueInfo,omitempty"`
}

// DecodeVariables converts wire variables into plain Go values. Integral types
// decode to int64, Double to float64, Date to time.Time, Json to the decoded
// document and Bytes to []byte.
func DecodeVariables(in map[string]TypedValue) (model.Variables, error) {
	out := make(model.Variables, len(in))
	for name, tv := range in {
		v, err := decodeValue(tv)
		if err != nil {
			return nil, fmt.Errorf("decode variable %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func decodeValue(tv TypedValue) (any, error) {
	if len(tv.Value) == 0 || string(tv.Value) == "null" {
		return nil, nil
	}

	switch strings.ToLower(tv.Type) {
	case "null":
		return nil, nil
	case "string":
		var s string
		err := json.Unmarshal(tv.Value, &s)
		return s, err
	case "boolean":
		var b bool
		err := json.Unmarshal(tv.Value, &b)
		return b, err
	case "short", "integer", "long":
		var n int64
		err := json.Unmarshal(tv.Value, &n)
		return n, err
	case "double":
		var f float64
		err := json.Unmarshal(tv.Value, &f)
		return f, err
	case "date":
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(DateLayout, s); err == nil {
			return ts, nil
		}
		return s, nil
	case "bytes":
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(s)
	case "json":
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			// Some engines inline the document instead of a string.
			var doc any
			if err := json.Unmarshal(tv.Value, &doc); err != nil {
				return nil, err
			}
			return doc, nil
		}
		var doc any
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			return nil, err
		}
		return doc, nil
	default:
		var v any
		err := json.Unmarshal(tv.Value, &v)
		return v, err
	}
}

// EncodeVariables converts Go values into wire variables.
func EncodeVariables(in model.Variables) (map[string]TypedValue, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]TypedValue, len(in))
	for name, v := range in {
		tv, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encode variable %q: %w: %w", name, ErrEncode, err)
		}
		out[name] = tv
	}
	return out, nil
}

func encodeValue(v any) (TypedValue, error) {
	switch val := v.(type) {
	case nil:
		return TypedValue{Type: TypeNull, Value: json.RawMessage("null")}, nil
	case string:
		return typed(TypeString, val)
	case bool:
		return typed(TypeBoolean, val)
	case int8, int16:
		return typed(TypeShort, val)
	case int32:
		return typed(TypeInteger, val)
	case int, int64, uint, uint8, uint16, uint32, uint64:
		return typed(TypeLong, val)
	case float32, float64:
		return typed(TypeDouble, val)
	case time.Time:
		return typed(TypeDate, val.Format(DateLayout))
	case []byte:
		return typed(TypeBytes, base64.StdEncoding.EncodeToString(val))
	case json.RawMessage:
		return typed(TypeJSON, string(val))
	default:
		doc, err := json.Marshal(val)
		if err != nil {
			return TypedValue{}, err
		}
		return typed(TypeJSON, string(doc))
	}
}

func typed(typ string, v any) (TypedValue, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return TypedValue{}, err
	}
	return TypedValue{Type: typ, Value: raw}, nil
}
