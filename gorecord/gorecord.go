// Copyright (c) 2020 Siemens AG
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
//
// Author(s): Jonas Plum

// Package gorecord normalizes loosely typed key/value records before they are
// ingested: nested values are flattened to dotted keys, scalars are coerced
// to a small closed set of Go types and every value gets a SQL column type
// inferred.
package gorecord

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/imdario/mergo"
	"github.com/pkg/errors"
)

// SQL column types used by the schema registry.
const (
	Integer  = "INTEGER"
	Numeric  = "NUMERIC"
	Text     = "TEXT"
	Datetime = "DATETIME"
)

// TimeLayout is the format timestamps are normalized to. Normalized
// timestamps compare lexicographically, which keeps datetime comparisons in
// generated SQL correct.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Flatten returns a map one level deep regardless of how nested the record
// was, with nested keys joined by dots.
func Flatten(nested map[string]interface{}) (map[string]interface{}, error) {
	flat := map[string]interface{}{}
	for key, value := range nested {
		if err := flattenInto(key, value, flat); err != nil {
			return nil, err
		}
	}
	return flat, nil
}

func flattenInto(prefix string, nested interface{}, flat map[string]interface{}) error {
	if nested == nil {
		flat[prefix] = nil
		return nil
	}
	value := reflect.ValueOf(nested)
	switch value.Kind() {
	case reflect.Map:
		for _, key := range value.MapKeys() {
			newKey := prefix + "." + fmt.Sprint(key.Interface())
			if err := flattenInto(newKey, value.MapIndex(key).Interface(), flat); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < value.Len(); i++ {
			newKey := prefix + "." + strconv.Itoa(i)
			if err := flattenInto(newKey, value.Index(i).Interface(), flat); err != nil {
				return err
			}
		}
	case reflect.Ptr, reflect.Interface:
		if value.IsNil() {
			flat[prefix] = nil
			return nil
		}
		return flattenInto(prefix, value.Elem().Interface(), flat)
	default:
		flat[prefix] = nested
	}
	return nil
}

// Unflatten reverses Flatten for export: dotted keys become nested maps.
func Unflatten(flat map[string]interface{}) (map[string]interface{}, error) {
	nested := map[string]interface{}{}
	for key, value := range flat {
		branch := map[string]interface{}{}
		parts := strings.Split(key, ".")
		current := branch
		for _, part := range parts[:len(parts)-1] {
			inner := map[string]interface{}{}
			current[part] = inner
			current = inner
		}
		current[parts[len(parts)-1]] = value
		if err := mergo.Merge(&nested, branch); err != nil {
			return nil, errors.Wrap(err, "could not unflatten record")
		}
	}
	return nested, nil
}

// Normalize flattens a record and coerces every value to int64, float64,
// bool, string or nil. It returns the flat record and the inferred SQL type
// per key.
func Normalize(record map[string]interface{}) (map[string]interface{}, map[string]string, error) {
	flat, err := Flatten(record)
	if err != nil {
		return nil, nil, err
	}
	types := make(map[string]string, len(flat))
	for key, value := range flat {
		coerced, sqlType := coerce(value)
		flat[key] = coerced
		types[key] = sqlType
	}
	return flat, types, nil
}

func coerce(value interface{}) (interface{}, string) { // nolint:gocyclo
	switch v := value.(type) {
	case nil:
		return nil, Text
	case bool:
		return v, Integer
	case int:
		return int64(v), Integer
	case int8:
		return int64(v), Integer
	case int16:
		return int64(v), Integer
	case int32:
		return int64(v), Integer
	case int64:
		return v, Integer
	case uint:
		return int64(v), Integer
	case uint8:
		return int64(v), Integer
	case uint16:
		return int64(v), Integer
	case uint32:
		return int64(v), Integer
	case uint64:
		if v > math.MaxInt64 {
			return strconv.FormatUint(v, 10), Text
		}
		return int64(v), Integer
	case float32:
		return float64(v), Numeric
	case float64:
		return v, Numeric
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, Integer
		}
		if f, err := v.Float64(); err == nil {
			return f, Numeric
		}
		return v.String(), Text
	case time.Time:
		return v.UTC().Format(TimeLayout), Datetime
	case string:
		if t, ok := parseTimestamp(v); ok {
			return t.UTC().Format(TimeLayout), Datetime
		}
		return v, Text
	}
	return fmt.Sprint(value), Text
}

// SQLType infers the SQL column type of a single value.
func SQLType(value interface{}) string {
	_, sqlType := coerce(value)
	return sqlType
}

// CoerceText renders a value for a column whose registered type was widened
// to TEXT.
func CoerceText(value interface{}) interface{} {
	switch value.(type) {
	case nil, string:
		return value
	}
	return fmt.Sprint(value)
}

// parseTimestamp guards dateparse behind a cheap shape check so process
// names, paths and plain numbers never round-trip through date parsing.
func parseTimestamp(s string) (time.Time, bool) {
	if len(s) < 8 || s[0] < '0' || s[0] > '9' {
		return time.Time{}, false
	}
	if !strings.Contains(s, "-") && !strings.Contains(s, ":") {
		return time.Time{}, false
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
