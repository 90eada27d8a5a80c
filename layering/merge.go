// Package layering composes attribute maps that are stacked on top of each
// other, such as a context's pending edits over the state it inherits from
// its parent. A key that is present in a stronger layer wins even when its
// value is nil; only absent keys fall through to weaker layers.
package layering

import "reflect"

// MergeValues composes value maps ordered from strongest to weakest and
// returns a new map. Values are deep copied so the result never aliases any
// of the inputs.
func MergeValues(layers ...map[string]any) map[string]any {
	if len(layers) == 0 {
		return nil
	}

	size := 0
	for _, layer := range layers {
		size += len(layer)
	}
	merged := make(map[string]any, size)
	for i := len(layers) - 1; i >= 0; i-- {
		for key, value := range layers[i] {
			merged[key] = Clone(value)
		}
	}
	return merged
}

// Overlay applies top onto base in place and returns base. A nil base is
// allocated on demand.
func Overlay(base, top map[string]any) map[string]any {
	if len(top) == 0 {
		return base
	}
	if base == nil {
		base = make(map[string]any, len(top))
	}
	for key, value := range top {
		base[key] = Clone(value)
	}
	return base
}

// Without returns a copy of values minus the supplied keys. It returns nil
// when nothing is left.
func Without(values map[string]any, keys map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for key, value := range values {
		if _, drop := keys[key]; drop {
			continue
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// CloneValues deep copies a value map.
func CloneValues(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for key, value := range values {
		out[key] = Clone(value)
	}
	return out
}

// Clone returns a deep copy of value. Pointers, maps, slices and arrays are
// copied recursively; everything else is copied by value.
func Clone[T any](value T) T {
	rv := reflect.ValueOf(&value).Elem()
	cloned := cloneValue(rv)
	if !cloned.IsValid() {
		var zero T
		return zero
	}
	out := reflect.New(rv.Type()).Elem()
	out.Set(cloned)
	result, _ := out.Interface().(T)
	return result
}

func cloneValue(v reflect.Value) reflect.Value {
	if !v.IsValid() {
		return v
	}

	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		clone := reflect.New(v.Type().Elem())
		clone.Elem().Set(cloneValue(v.Elem()))
		return clone
	case reflect.Interface:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		elem := cloneValue(v.Elem())
		if !elem.IsValid() {
			return reflect.Zero(v.Type())
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(elem)
		return out
	case reflect.Struct:
		clone := reflect.New(v.Type()).Elem()
		clone.Set(v)
		for i := 0; i < v.NumField(); i++ {
			field := clone.Field(i)
			if !field.CanSet() {
				continue
			}
			field.Set(cloneValue(v.Field(i)))
		}
		return clone
	case reflect.Map:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		clone := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			clone.SetMapIndex(iter.Key(), cloneValue(iter.Value()))
		}
		return clone
	case reflect.Slice:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		clone := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			clone.Index(i).Set(cloneValue(v.Index(i)))
		}
		return clone
	case reflect.Array:
		clone := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			clone.Index(i).Set(cloneValue(v.Index(i)))
		}
		return clone
	default:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		return out
	}
}
