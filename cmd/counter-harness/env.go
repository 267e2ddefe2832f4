// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// envPrefix is prepended to every environment variable name.
const envPrefix = "CH_"

// kind parses and prints one scalar type for both flags and environment
// variables.
type kind[T any] struct {
	parse  func(string) (T, error)
	format func(T) string
	isBool bool
}

// env treats an empty value as unset.
func (k kind[T]) env(s string) (*T, error) {
	if s == "" {
		return nil, nil
	}
	v, err := k.parse(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

var (
	stringKind = kind[string]{
		parse:  func(s string) (string, error) { return s, nil },
		format: func(s string) string { return s },
	}
	intKind  = kind[int]{parse: strconv.Atoi, format: strconv.Itoa}
	boolKind = kind[bool]{parse: strconv.ParseBool, format: strconv.FormatBool, isBool: true}

	durationKind = kind[Duration]{
		parse: func(s string) (Duration, error) {
			d, err := time.ParseDuration(s)
			return Duration{Duration: d}, err
		},
		format: func(d Duration) string { return d.Duration.String() },
	}
)

func asList(s string) (*[]string, error) {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items, nil
}

func envName(name string) string {
	return envPrefix + name
}

func parseEnv[T any](name string, parseFn func(string) (*T, error)) *T {
	val, err := parseEnvError(name, parseFn)
	if err != nil {
		log.Fatal(err)
	}
	return val
}

func parseEnvError[T any](name string, parseFn func(string) (*T, error)) (*T, error) {
	valStr, ok := os.LookupEnv(name)
	if !ok {
		return nil, nil
	}
	valT, err := parseFn(valStr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse environment variable %s=%s as %T", name, valStr, valT)
	}
	return valT, nil
}

// multiValueEnv reads the environment variables VAR1 to VAR9 and skips the
// empty ones.
func multiValueEnv(baseName string) map[string]string {
	result := map[string]string{}
	for i := 1; i < 10; i++ {
		name := fmt.Sprintf("%s%d", baseName, i)
		val := os.Getenv(name)
		if val == "" {
			continue
		}
		result[name] = val
	}
	return result
}
