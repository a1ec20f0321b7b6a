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

package gorecord

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatten(t *testing.T) {
	type args struct {
		record map[string]interface{}
	}
	tests := []struct {
		name string
		args args
		want map[string]interface{}
	}{
		{"flat stays flat", args{map[string]interface{}{"a": 1, "b": "x"}},
			map[string]interface{}{"a": 1, "b": "x"}},
		{"nested map", args{map[string]interface{}{"net": map[string]interface{}{"laddr": "1.2.3.4", "port": 80}}},
			map[string]interface{}{"net.laddr": "1.2.3.4", "net.port": 80}},
		{"slice", args{map[string]interface{}{"args": []interface{}{"-L", "-n"}}},
			map[string]interface{}{"args.0": "-L", "args.1": "-n"}},
		{"nil value", args{map[string]interface{}{"a": nil}},
			map[string]interface{}{"a": nil}},
		{"deep", args{map[string]interface{}{"a": map[string]interface{}{"b": map[string]interface{}{"c": 1}}}},
			map[string]interface{}{"a.b.c": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Flatten(tt.args.record)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnflatten(t *testing.T) {
	flat := map[string]interface{}{
		"Name":      "lsass.exe",
		"net.laddr": "0.0.0.0",
		"net.port":  int64(443),
	}
	nested, err := Unflatten(flat)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"Name": "lsass.exe",
		"net": map[string]interface{}{
			"laddr": "0.0.0.0",
			"port":  int64(443),
		},
	}, nested)
}

func TestNormalize(t *testing.T) {
	created := time.Date(2016, 1, 20, 14, 11, 25, 550000000, time.UTC)
	flat, types, err := Normalize(map[string]interface{}{
		"Name":    "lsass.exe",
		"PID":     708,
		"Load":    0.25,
		"Started": created,
		"Session": json.Number("1"),
		"Nested":  map[string]interface{}{"ok": true},
	})
	require.NoError(t, err)

	assert.Equal(t, "lsass.exe", flat["Name"])
	assert.Equal(t, int64(708), flat["PID"])
	assert.Equal(t, 0.25, flat["Load"])
	assert.Equal(t, "2016-01-20T14:11:25.550Z", flat["Started"])
	assert.Equal(t, int64(1), flat["Session"])
	assert.Equal(t, true, flat["Nested.ok"])

	assert.Equal(t, map[string]string{
		"Name":      Text,
		"PID":       Integer,
		"Load":      Numeric,
		"Started":   Datetime,
		"Session":   Integer,
		"Nested.ok": Integer,
	}, types)
}

func TestNormalizeTimestampStrings(t *testing.T) {
	type args struct {
		value string
	}
	tests := []struct {
		name     string
		args     args
		wantType string
	}{
		{"iso timestamp", args{"2016-01-20T14:11:25.550Z"}, Datetime},
		{"date with time", args{"2019-05-23 10:03:52"}, Datetime},
		{"process name", args{"lsass.exe"}, Text},
		{"path", args{"/sbin/iptables"}, Text},
		{"plain number string", args{"12345678"}, Text},
		{"version string", args{"10.0.17763.1"}, Text},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, SQLType(tt.args.value))
		})
	}
}

func TestCoerceUnsignedOverflow(t *testing.T) {
	value, sqlType := coerce(uint64(math.MaxUint64))
	assert.Equal(t, "18446744073709551615", value)
	assert.Equal(t, Text, sqlType)

	value, sqlType = coerce(uint64(7))
	assert.Equal(t, int64(7), value)
	assert.Equal(t, Integer, sqlType)
}

func TestCoerceText(t *testing.T) {
	assert.Equal(t, "708", CoerceText(int64(708)))
	assert.Equal(t, "lsass.exe", CoerceText("lsass.exe"))
	assert.Nil(t, CoerceText(nil))
}
