/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"flag"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Sum of the values of the slice.
func Sum[T constraints.Integer | constraints.Float](slice []T) (sum T) {
	for _, v := range slice {
		sum += v
	}
	return
}

// Flag creates a flag for []T with the given name, description and default value, in the default flag set.
// It takes as input a parser for an individual T value, and format to print them.
//
// The flag is given as a comma-separated list.
func Flag[T any](name string, defaultValue []T, usage string,
	parserFn func(valueStr string) (T, error), formatFn func(T) string) *[]T {
	f := NewSliceFlag(defaultValue, parserFn, formatFn)
	flag.Var(f, name, usage)
	return &f.parsedSlice
}

// SliceFlag implements flag.Value for a comma-separated list of T.
type SliceFlag[T any] struct {
	parsedSlice []T
	parserFn    func(valueStr string) (T, error)
	formatFn    func(T) string
}

// NewSliceFlag creates a flag.Value for []T. If formatFn is nil, values are printed with fmt.Sprint.
func NewSliceFlag[T any](defaultValue []T, parserFn func(valueStr string) (T, error), formatFn func(T) string) *SliceFlag[T] {
	if formatFn == nil {
		formatFn = func(v T) string { return fmt.Sprint(v) }
	}
	return &SliceFlag[T]{parsedSlice: defaultValue, parserFn: parserFn, formatFn: formatFn}
}

// Values parsed.
func (f *SliceFlag[T]) Values() []T { return f.parsedSlice }

// String implements flag.Value.
func (f *SliceFlag[T]) String() string {
	if f == nil || f.formatFn == nil {
		return ""
	}
	return strings.Join(Map(f.parsedSlice, f.formatFn), ",")
}

// Set implements flag.Value.
func (f *SliceFlag[T]) Set(listStr string) error {
	if listStr == "" {
		f.parsedSlice = make([]T, 0)
		return nil
	}
	parts := strings.Split(listStr, ",")
	parsed := make([]T, len(parts))
	for ii, part := range parts {
		var err error
		parsed[ii], err = f.parserFn(strings.TrimSpace(part))
		if err != nil {
			return errors.WithMessagef(err, "parsing element #%d of %q", ii, listStr)
		}
	}
	f.parsedSlice = parsed
	return nil
}
