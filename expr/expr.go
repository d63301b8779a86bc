// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package expr compiles the CEL expressions used by configuration-defined
// pipelines. Every expression sees the item payload as the variable data.
package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/absmach/fluxflow/fanout"
	"github.com/absmach/fluxflow/storage"
	"github.com/google/cel-go/cel"
)

var (
	ErrEmpty       = errors.New("expression cannot be empty")
	ErrEmptyResult = errors.New("expression produced an empty key")
)

// Expr is a compiled expression over data.
type Expr struct {
	src  string
	prog cel.Program
}

// Compile parses and type-checks src.
func Compile(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, ErrEmpty
	}

	env, err := cel.NewEnv(cel.Variable("data", cel.DynType))
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(src)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("failed to parse %q: %w", src, iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("failed to check %q: %w", src, iss.Err())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &Expr{src: src, prog: prog}, nil
}

func (e *Expr) String() string {
	return e.src
}

// Eval evaluates the expression against a JSON payload.
func (e *Expr) Eval(data json.RawMessage) (any, error) {
	var v any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
	}
	out, _, err := e.prog.Eval(map[string]any{"data": v})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %q: %w", e.src, err)
	}
	return out.Value(), nil
}

// Key evaluates the expression and renders a scalar result as a string.
func (e *Expr) Key(data json.RawMessage) (string, error) {
	v, err := e.Eval(data)
	if err != nil {
		return "", err
	}

	var key string
	switch t := v.(type) {
	case string:
		key = t
	case int64:
		key = strconv.FormatInt(t, 10)
	case uint64:
		key = strconv.FormatUint(t, 10)
	case float64:
		key = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		key = strconv.FormatBool(t)
	default:
		return "", fmt.Errorf("expression %q produced %T, want a scalar", e.src, v)
	}
	if key == "" {
		return "", ErrEmptyResult
	}
	return key, nil
}

// KeyFunc compiles src into a key extractor.
func KeyFunc(src string) (func(json.RawMessage) (string, error), error) {
	e, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return e.Key, nil
}

// JobIDOverride compiles src into an option override that sets the job id
// of every dispatched job. An empty src returns a nil override.
func JobIDOverride(src string) (fanout.OptsOverride, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	e, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return func(data json.RawMessage) (storage.JobOptions, error) {
		id, err := e.Key(data)
		if err != nil {
			return storage.JobOptions{}, err
		}
		return storage.JobOptions{JobID: id}, nil
	}, nil
}
