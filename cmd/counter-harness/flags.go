// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

// Flag wrappers that fall back to an environment variable. The env value is
// read when the flag is registered, so a flag given on the command line
// always wins.

import (
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

func StringVar(fs *flag.FlagSet, p **string, name, env, usage string) {
	ptrVar(fs, p, name, env, usage, stringKind)
}

func IntVar(fs *flag.FlagSet, p **int, name, env, usage string) {
	ptrVar(fs, p, name, env, usage, intKind)
}

func BoolVar(fs *flag.FlagSet, p **bool, name, env, usage string) {
	ptrVar(fs, p, name, env, usage, boolKind)
}

func DurationVar(fs *flag.FlagSet, p **Duration, name, env, usage string) {
	ptrVar(fs, p, name, env, usage, durationKind)
}

func ptrVar[T any](fs *flag.FlagSet, p **T, name, env, usage string, k kind[T]) {
	fs.Var(newPtrValue(p, k), name, includeEnvUsage(env, usage))
	*p = parseEnv(env, k.env)
}

// ListVar supports repeated flags and a comma separated environment variable.
// Values given on the command line replace the environment value.
func ListVar(fs *flag.FlagSet, p *[]string, name, env, usage string) {
	usage = includeEnvUsage(env, usage)
	if v := parseEnv(env, asList); v != nil {
		*p = *v
	}
	fs.Var(&listValue{v: p}, name, usage)
}

// MapVar supports repeated "<key>=<value>" flags and the environment
// variables numbered {1,9}.
func MapVar(fs *flag.FlagSet, p *map[string]string, name, env, usage string) {
	usage = includeEnvUsage(fmt.Sprintf("%s{1,9}", env), usage)
	v := &mapValue{v: p}
	fs.Var(v, name, usage)
	for varName, value := range multiValueEnv(env) {
		if err := v.Set(value); err != nil {
			log.Fatalf("error in environment variable %s: %s", varName, err)
		}
	}
}

func includeEnvUsage(env, usage string) string {
	return fmt.Sprintf("%s Environment variable: %s.", usage, env)
}

// ptrValue is a flag.Value which stores the value in a *T. If the flag was
// not given the pointer is left alone, so an unset flag stays nil.
type ptrValue[T any] struct {
	v   **T
	set bool
	k   kind[T]
}

func newPtrValue[T any](p **T, k kind[T]) *ptrValue[T] {
	return &ptrValue[T]{v: p, k: k}
}

func (s *ptrValue[T]) Set(val string) error {
	v, err := s.k.parse(val)
	if err != nil {
		return err
	}
	*s.v, s.set = &v, true
	return nil
}

func (s *ptrValue[T]) Get() interface{} {
	if s.set {
		return *s.v
	}
	return (*T)(nil)
}

func (s *ptrValue[T]) String() string {
	if s.set {
		return s.k.format(**s.v)
	}
	return ""
}

// IsBoolFlag lets "-flag" stand for "-flag=true" on boolean flags.
func (s *ptrValue[T]) IsBoolFlag() bool { return s.k.isBool }

// listValue collects repeated flags. The first flag replaces any value
// taken from the environment.
type listValue struct {
	v   *[]string
	set bool
}

func (l *listValue) Set(val string) error {
	if !l.set {
		*l.v, l.set = nil, true
	}
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			*l.v = append(*l.v, item)
		}
	}
	return nil
}

func (l *listValue) String() string {
	if l.v == nil {
		return ""
	}
	return strings.Join(*l.v, ",")
}

type mapValue struct {
	v *map[string]string
}

func (m *mapValue) Set(val string) error {
	key, value, ok := strings.Cut(val, "=")
	if !ok || key == "" {
		return fmt.Errorf("missing '=' in %q, expected <key>=<value>", val)
	}
	if *m.v == nil {
		*m.v = map[string]string{}
	}
	(*m.v)[key] = value
	return nil
}

func (m *mapValue) String() string {
	if m.v == nil || *m.v == nil {
		return ""
	}
	pairs := make([]string, 0, len(*m.v))
	for k, v := range *m.v {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func durationVal(t *Duration) time.Duration {
	return deref(t).Duration
}

// deref dereferences p, returning the zero value for nil.
func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
