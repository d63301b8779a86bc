// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package expr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		data    string
		want    string
		wantErr bool
	}{
		{name: "string field", expr: "data.orderId", data: `{"orderId":"o-1"}`, want: "o-1"},
		{name: "nested field", expr: "data.meta.tenant", data: `{"meta":{"tenant":"acme"}}`, want: "acme"},
		{name: "number field", expr: "data.n", data: `{"n":42}`, want: "42"},
		{name: "fraction", expr: "data.n", data: `{"n":1.5}`, want: "1.5"},
		{name: "bool", expr: "data.ok", data: `{"ok":true}`, want: "true"},
		{name: "concatenation", expr: `data.a + ":" + data.b`, data: `{"a":"x","b":"y"}`, want: "x:y"},
		{name: "int arithmetic", expr: "1 + 2", data: `{}`, want: "3"},
		{name: "missing field", expr: "data.missing", data: `{}`, wantErr: true},
		{name: "empty result", expr: "data.id", data: `{"id":""}`, wantErr: true},
		{name: "non scalar", expr: "data.list", data: `{"list":[1,2]}`, wantErr: true},
		{name: "invalid payload", expr: "data.id", data: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Compile(tt.expr)
			require.NoError(t, err)

			got, err := e.Key(json.RawMessage(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile("  ")
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Compile("data.")
	assert.Error(t, err)

	_, err = Compile("unknown.field")
	assert.Error(t, err)
}

func TestKeyFunc(t *testing.T) {
	fn, err := KeyFunc("data.group")
	require.NoError(t, err)

	key, err := fn(json.RawMessage(`{"group":"g1"}`))
	require.NoError(t, err)
	assert.Equal(t, "g1", key)
}

func TestJobIDOverride(t *testing.T) {
	override, err := JobIDOverride("")
	require.NoError(t, err)
	assert.Nil(t, override)

	override, err = JobIDOverride(`"job-" + data.id`)
	require.NoError(t, err)

	opts, err := override(json.RawMessage(`{"id":"7"}`))
	require.NoError(t, err)
	assert.Equal(t, "job-7", opts.JobID)
	assert.Zero(t, opts.Delay)

	_, err = override(json.RawMessage(`{}`))
	assert.Error(t, err)
}
