package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// SchemaError reports an input whose header lacks a required column.
// An empty input is a SchemaError too. Schema errors are never retried.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("CSV must contain 'sku' and 'name' columns (missing: %s)", strings.Join(e.Missing, ", "))
}

// StorageError reports a batch that could not be applied. Nothing from
// the batch was persisted.
type StorageError struct {
	BatchSize int
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("upsert batch of %d: %v", e.BatchSize, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ParseError reports malformed CSV at a given line.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse CSV line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Retryable reports whether resubmitting the whole job could succeed.
func Retryable(err error) bool {
	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		return false
	}
	var parseErr *ParseError
	return !errors.As(err, &parseErr)
}
