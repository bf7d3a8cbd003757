/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package etl

import (
	"fmt"
	"strings"
)

// TransformFunc is a pure, synchronous per-value transform. It receives the
// current value of the target field and the full source row, and returns the
// replacement value. An error leaves the field at its pre-transform value.
type TransformFunc func(value any, sourceRow Record) (any, error)

// transformRegistry is the static name-keyed registry. Descriptors reference
// transforms by name; registration happens at package init.
var transformRegistry = map[string]TransformFunc{}

// RegisterTransform adds a named transform to the registry. Registering a
// duplicate name panics; transforms are wired at startup, not at runtime.
func RegisterTransform(name string, fn TransformFunc) {
	if _, exists := transformRegistry[name]; exists {
		panic(fmt.Sprintf("etl: transform %q registered twice", name))
	}
	transformRegistry[name] = fn
}

// LookupTransform returns the registered transform for name.
func LookupTransform(name string) (TransformFunc, bool) {
	fn, ok := transformRegistry[name]
	return fn, ok
}

func init() {
	RegisterTransform("mapUserStatus", mapUserStatus)
	RegisterTransform("cleanPhone", cleanPhone)
	RegisterTransform("normalizeEmail", normalizeEmail)
	RegisterTransform("centsToAmount", centsToAmount)
}

// userStatusMap translates upstream status spellings to the target vocabulary.
var userStatusMap = map[string]string{
	"1":        "active",
	"active":   "active",
	"enabled":  "active",
	"0":        "inactive",
	"inactive": "inactive",
	"disabled": "inactive",
	"blocked":  "banned",
	"banned":   "banned",
}

func mapUserStatus(value any, _ Record) (any, error) {
	s, ok := asString(value)
	if !ok {
		return value, fmt.Errorf("status is not a string: %T", value)
	}
	mapped, ok := userStatusMap[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "inactive", nil
	}
	return mapped, nil
}

// cleanPhone strips everything but digits and a leading plus sign.
func cleanPhone(value any, _ Record) (any, error) {
	s, ok := asString(value)
	if !ok {
		return value, fmt.Errorf("phone is not a string: %T", value)
	}
	var b strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

func normalizeEmail(value any, _ Record) (any, error) {
	s, ok := asString(value)
	if !ok {
		return value, fmt.Errorf("email is not a string: %T", value)
	}
	return strings.ToLower(strings.TrimSpace(s)), nil
}

// centsToAmount converts integer minor units to a decimal amount.
func centsToAmount(value any, _ Record) (any, error) {
	f, ok := asFloat(value)
	if !ok {
		return value, fmt.Errorf("amount is not numeric: %T", value)
	}
	return f / 100, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
