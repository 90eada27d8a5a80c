package uow

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-uow/layering"
)

// coerceAttribute converts value to the Go type used for attr.Kind. Nil
// passes through. Values that cannot be represented fail with
// ErrTypeMismatch.
func coerceAttribute(attr Attribute, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	var (
		out any
		ok  bool
	)
	switch attr.Kind {
	case KindString:
		out, ok = coerceString(value)
	case KindInt:
		out, ok = coerceInt(value)
	case KindFloat:
		out, ok = coerceFloat(value)
	case KindBool:
		out, ok = coerceBool(value)
	case KindTime:
		out, ok = coerceTime(value)
	case KindBinary:
		out, ok = coerceBinary(value)
	default:
		return layering.Clone(value), nil
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s wants %s, got %T", ErrTypeMismatch, attr.Name, attr.Kind, value)
	}
	return out, nil
}

func coerceString(value any) (any, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	default:
		return nil, false
	}
}

func coerceInt(value any) (any, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint:
		if uint64(v) > math.MaxInt64 {
			return nil, false
		}
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return nil, false
		}
		return int64(v), true
	case float32:
		return integral(float64(v))
	case float64:
		return integral(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		if f, err := v.Float64(); err == nil {
			return integral(f)
		}
		return nil, false
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, false
		}
		return n, true
	default:
		return nil, false
	}
}

func integral(f float64) (any, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return nil, false
	}
	return int64(f), true
}

func coerceFloat(value any) (any, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	default:
		return nil, false
	}
}

func coerceBool(value any) (any, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return b, err == nil
	default:
		return nil, false
	}
}

// coerceTime accepts time.Time, RFC 3339 strings and unix seconds.
func coerceTime(value any) (any, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v == nil {
			return nil, true
		}
		return *v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
		return t, err == nil
	}
	n, ok := coerceFloat(value)
	if !ok {
		return nil, false
	}
	seconds := n.(float64)
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC(), true
}

// coerceBinary accepts byte slices and standard base64 strings, which is how
// encoding/json renders []byte.
func coerceBinary(value any) (any, bool) {
	switch v := value.(type) {
	case []byte:
		return append([]byte(nil), v...), true
	case string:
		b, err := base64.StdEncoding.DecodeString(v)
		return b, err == nil
	default:
		return nil, false
	}
}

// coerceRelationship normalises a relationship value to RecordID or
// []RecordID.
func coerceRelationship(rel Relationship, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if !rel.ToMany {
		id, ok := asRecordID(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants a record id, got %T", ErrTypeMismatch, rel.Name, value)
		}
		return id, nil
	}
	ids, ok := asRecordIDs(value)
	if !ok {
		return nil, fmt.Errorf("%w: %s wants a list of record ids, got %T", ErrTypeMismatch, rel.Name, value)
	}
	return ids, nil
}

func asRecordID(value any) (RecordID, bool) {
	switch v := value.(type) {
	case RecordID:
		return v, v != ""
	case string:
		return RecordID(v), v != ""
	case Record:
		return v.ID, v.ID != ""
	case *Record:
		if v == nil {
			return "", false
		}
		return v.ID, v.ID != ""
	default:
		return "", false
	}
}

func asRecordIDs(value any) ([]RecordID, bool) {
	switch v := value.(type) {
	case []RecordID:
		return append([]RecordID(nil), v...), true
	case []string:
		out := make([]RecordID, 0, len(v))
		for _, item := range v {
			out = append(out, RecordID(item))
		}
		return out, true
	case []Record:
		out := make([]RecordID, 0, len(v))
		for _, item := range v {
			out = append(out, item.ID)
		}
		return out, true
	case []any:
		out := make([]RecordID, 0, len(v))
		for _, item := range v {
			id, ok := asRecordID(item)
			if !ok {
				return nil, false
			}
			out = append(out, id)
		}
		return out, true
	default:
		return nil, false
	}
}

// normalizeValues validates and coerces values against entity. Unknown keys
// fail with ErrUnknownAttribute.
func normalizeValues(entity EntityType, values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for key, value := range values {
		if attr, ok := entity.Attribute(key); ok {
			coerced, err := coerceAttribute(attr, value)
			if err != nil {
				return nil, fmt.Errorf("uow: %s.%s: %w", entity.Name, key, err)
			}
			out[key] = coerced
			continue
		}
		if rel, ok := entity.Relationship(key); ok {
			coerced, err := coerceRelationship(rel, value)
			if err != nil {
				return nil, fmt.Errorf("uow: %s.%s: %w", entity.Name, key, err)
			}
			out[key] = coerced
			continue
		}
		return nil, fmt.Errorf("uow: %s.%s: %w", entity.Name, key, ErrUnknownAttribute)
	}
	return out, nil
}
