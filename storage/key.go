// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"net/url"
	"strings"
)

const keyRoot = "fluxflow"

// Key kinds.
const (
	KindItems   = "items"
	KindDone    = "done"
	KindResult  = "result"
	KindLock    = "lock"
	KindTimeout = "timeout"
	KindStream  = "stream"
	KindGroup   = "group"
	KindGen     = "gen"
)

// Key is a composite key naming state owned by a pattern instance.
// Name and Group are escaped, so delimiters in user-supplied values
// cannot make two distinct keys collide.
type Key struct {
	Pattern string
	Kind    string
	Name    string
	Group   string
}

func (k Key) String() string {
	var b strings.Builder
	b.WriteString(keyRoot)
	b.WriteByte('/')
	b.WriteString(k.Pattern)
	b.WriteByte('/')
	b.WriteString(k.Kind)
	b.WriteByte('/')
	b.WriteString(url.PathEscape(k.Name))
	if k.Group != "" {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(k.Group))
	}
	return b.String()
}
