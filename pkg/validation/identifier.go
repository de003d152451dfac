// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// database queries, file paths, or subprocess calls. Using these validators
// prevents injection attacks (GraphQL injection, command injection, path traversal).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// sessionIDPattern matches valid session identifiers.
// Allows: letters, digits, hyphens, underscores, dots (covers UUIDs and
// human-assigned ids like "consult-2026-08-30")
// Max length: 128 characters
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,127}$`)

// indexNamePattern matches valid vector index (class) names.
// Weaviate class names start with an uppercase letter and contain only
// letters, digits, and underscores.
var indexNamePattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]{0,63}$`)

// fieldNamePattern matches valid schema property names.
// Properties start with a lowercase letter or underscore and contain only
// letters, digits, and underscores.
var fieldNamePattern = regexp.MustCompile(`^[a-z_][A-Za-z0-9_]{0,63}$`)

// ValidateSessionID validates a session identifier to prevent injection into
// queries and log output.
//
// Valid session ids:
//   - 1-128 characters
//   - Letters, digits
//   - Dots (.), underscores (_), hyphens (-) after the first character
//
// Returns an error if the id is invalid.
//
// Example:
//
//	if err := validation.ValidateSessionID(id); err != nil {
//	    return nil, fmt.Errorf("invalid session id: %w", err)
//	}
//	// Safe to use as a store key
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session id format: %q (must be 1-128 alphanumeric chars, dots, underscores, or hyphens)", id)
	}

	return nil
}

// ValidateIndexName validates a vector index name to prevent GraphQL injection.
//
// Index names follow Weaviate class naming: an uppercase first letter
// followed by up to 63 letters, digits, or underscores.
//
// Returns an error if the name is invalid.
func ValidateIndexName(name string) error {
	if name == "" {
		return fmt.Errorf("index name cannot be empty")
	}

	if !indexNamePattern.MatchString(name) {
		return fmt.Errorf("invalid index name format: %q (must start with an uppercase letter, then letters, digits, or underscores)", name)
	}

	return nil
}

// ValidateFieldName validates a schema property name before it is
// interpolated into a GraphQL field list.
func ValidateFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("field name cannot be empty")
	}

	if !fieldNamePattern.MatchString(name) {
		return fmt.Errorf("invalid field name format: %q (must start with a lowercase letter or underscore, then letters, digits, or underscores)", name)
	}

	return nil
}

// ValidateFieldNames validates multiple property names.
// Returns an error listing all invalid names if any fail validation.
func ValidateFieldNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateFieldName(n); err != nil {
			invalid = append(invalid, n)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid field names: %v", invalid)
	}
	return nil
}

// SanitizeSessionID normalizes and validates a session identifier.
// Returns the trimmed id if valid, or an error if invalid.
//
// Use this at API boundaries where ids arrive with incidental whitespace:
//
//	safeID, err := validation.SanitizeSessionID(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeID is trimmed and validated
func SanitizeSessionID(id string) (string, error) {
	normalized := strings.TrimSpace(id)
	if err := ValidateSessionID(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
