//
// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.
//

package env

import (
	"os"
	"strconv"
	"strings"
)

// Getenv retrieves the value of the environment variable named by the key.
// It returns the value, or fallback if the variable is not present.
// Note we use os.LookupEnv not os.Getenv to cater for unset environment
// variables, so an explicitly empty value is returned as empty.
func Getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetenvInt retrieves the value of the environment variable named by the key.
// It returns the value as an int, or fallback if the variable is not present
// or does not parse. Float strings are truncated, so "10.5" yields 10.
func GetenvInt(key string, fallback int) int {
	if stringValue, ok := os.LookupEnv(key); ok {
		if value, err := strconv.ParseFloat(stringValue, 64); err == nil {
			return int(value)
		}
		return fallback
	}
	return fallback
}

// GetenvBool returns true for "1", "true", "yes" or "on" (any case), false
// for "0", "false", "no" or "off", and fallback otherwise.
func GetenvBool(key string, fallback bool) bool {
	if stringValue, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(stringValue)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

// GetenvFirst returns the value of the first of keys that is set, or fallback
// if none are. Useful where a platform variable supersedes a generic one,
// e.g. AWS_LAMBDA_LOG_LEVEL over LOG_LEVEL.
func GetenvFirst(fallback string, keys ...string) string {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			return value
		}
	}
	return fallback
}
