// Package store defines where extracted records end up.
package store

import (
	"context"

	"github.com/robertof/go-healthpi-loader/measurement"
)

type Repository interface {
	StoreRecords(ctx context.Context, records []measurement.Record) error
}

// Fetcher is implemented by repositories that can read records back.
type Fetcher interface {
	// FetchRecords returns records containing any of the given value types, newest first. An
	// empty selection returns every record.
	FetchRecords(ctx context.Context, types []measurement.ValueType) ([]measurement.Record, error)
}
