package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrInvalidFieldPath is returned when a path does not address a field of the analysis
var ErrInvalidFieldPath = errors.New("invalid field path")

// FieldPath addresses a field of StructuredAnalysis by JSON names, e.g.
// ["financial_data", "total_amount"] or ["line_items", "0", "amount"].
type FieldPath []string

// ParseFieldPath splits a dotted path
func ParseFieldPath(s string) (FieldPath, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidFieldPath)
	}
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFieldPath, s)
		}
	}
	return FieldPath(parts), nil
}

func (p FieldPath) String() string { return strings.Join(p, ".") }

// GetField returns the value at path
func GetField(a *StructuredAnalysis, path FieldPath) (any, error) {
	v, err := walk(reflect.ValueOf(a).Elem(), path, false)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SetField assigns value at path. The value is converted through its JSON form so a
// correction like "1,250.00" lands in a Number field the same way a model response would.
func SetField(a *StructuredAnalysis, path FieldPath, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidFieldPath)
	}

	parent, err := walk(reflect.ValueOf(a).Elem(), path[:len(path)-1], true)
	if err != nil {
		return err
	}
	last := path[len(path)-1]

	if parent.Kind() == reflect.Map {
		if parent.IsNil() {
			parent.Set(reflect.MakeMap(parent.Type()))
		}
		elem := reflect.New(parent.Type().Elem())
		if err := assignJSON(elem, value); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
		parent.SetMapIndex(reflect.ValueOf(last), elem.Elem())
		return nil
	}

	target, err := step(parent, last, true)
	if err != nil {
		return fmt.Errorf("%w: %s", err, path)
	}
	if err := assignJSON(target.Addr(), value); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func walk(v reflect.Value, path FieldPath, create bool) (reflect.Value, error) {
	for _, seg := range path {
		next, err := step(v, seg, create)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%w: %s", err, path)
		}
		v = next
	}
	return v, nil
}

func step(v reflect.Value, seg string, create bool) (reflect.Value, error) {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			if !create {
				return reflect.Value{}, ErrInvalidFieldPath
			}
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Struct:
		if v.Type() == reflect.TypeOf(Number{}) {
			return reflect.Value{}, ErrInvalidFieldPath
		}
		for i := 0; i < v.NumField(); i++ {
			if jsonName(v.Type().Field(i)) == seg {
				return v.Field(i), nil
			}
		}
	case reflect.Slice:
		idx, err := strconv.Atoi(seg)
		if err == nil && idx >= 0 && idx < v.Len() {
			return v.Index(idx), nil
		}
	case reflect.Map:
		val := v.MapIndex(reflect.ValueOf(seg))
		if val.IsValid() {
			// map values are not addressable; return a copy for reads
			cp := reflect.New(val.Type()).Elem()
			cp.Set(val)
			return cp, nil
		}
	}
	return reflect.Value{}, ErrInvalidFieldPath
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	return name
}

func assignJSON(ptr reflect.Value, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	// reset first so null clears the field
	ptr.Elem().Set(reflect.Zero(ptr.Elem().Type()))
	return json.Unmarshal(data, ptr.Interface())
}
