// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyString(t *testing.T) {
	cases := []struct {
		desc string
		key  Key
		want string
	}{
		{
			desc: "without group",
			key:  Key{Pattern: "accumulation", Kind: KindTimeout, Name: "orders"},
			want: "fluxflow/accumulation/timeout/orders",
		},
		{
			desc: "with group",
			key:  Key{Pattern: "join", Kind: KindItems, Name: "checkout", Group: "o-1"},
			want: "fluxflow/join/items/checkout/o-1",
		},
		{
			desc: "delimiters are escaped",
			key:  Key{Pattern: "join", Kind: KindDone, Name: "a/b", Group: "c/d"},
			want: "fluxflow/join/done/a%2Fb/c%2Fd",
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.key.String())
		})
	}
}

func TestKeyNoCollisions(t *testing.T) {
	keys := []Key{
		{Pattern: "accumulation", Kind: KindItems, Name: "x/y"},
		{Pattern: "accumulation", Kind: KindItems, Name: "x", Group: "y"},
		{Pattern: "accumulation", Kind: KindItems, Name: "x%2Fy"},
		{Pattern: "accumulation", Kind: KindItems, Name: "x", Group: "y/z"},
		{Pattern: "accumulation", Kind: KindItems, Name: "x/y", Group: "z"},
	}

	seen := make(map[string]Key)
	for _, k := range keys {
		s := k.String()
		prev, dup := seen[s]
		assert.False(t, dup, "%+v and %+v both render as %q", prev, k, s)
		seen[s] = k
	}
}
