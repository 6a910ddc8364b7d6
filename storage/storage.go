// Package storage defines the key-value engine contract shared by the
// simulation, partition, node and simulated device stores.
//
// Every record carries an opaque ETag. Passing a non-empty ETag to Upsert or
// Delete turns the call into a compare-and-swap: it fails with ErrConflict
// when the stored record changed in the meantime.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arloliu/devicesim/model"
)

// Collection names.
const (
	Simulations      = "simulations"
	DeviceModels     = "deviceModels"
	SimulatedDevices = "simulatedDevices"
	Partitions       = "partitions"
	Nodes            = "nodes"
	MainLocks        = "mainLocks"
	Statistics       = "statistics"
	ReplayFiles      = "replayFiles"
	DeviceTwins      = "deviceTwins"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = model.ErrNotFound

// ErrConflict is returned when a key exists on create, or when the ETag does
// not match on a conditional write.
var ErrConflict = model.ErrConflict

// Record is one stored value.
type Record struct {
	Key   string
	Value []byte
	ETag  string
}

// Engine is a collection-scoped key-value store with optimistic concurrency.
type Engine interface {
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, collection, key string) (*Record, error)
	// List returns every record of the collection.
	List(ctx context.Context, collection string) ([]*Record, error)
	// Create stores a new record, failing with ErrConflict if the key exists.
	Create(ctx context.Context, collection, key string, value []byte) (*Record, error)
	// Upsert writes the record. With a non-empty etag the write only succeeds
	// if the stored ETag matches; a missing key then yields ErrNotFound.
	Upsert(ctx context.Context, collection, key string, value []byte, etag string) (*Record, error)
	// Delete removes the record, honoring etag like Upsert.
	Delete(ctx context.Context, collection, key, etag string) error
	// Close releases the engine resources.
	Close() error
}

// Decode unmarshals a JSON record into v.
func Decode(rec *Record, v any) error {
	if err := json.Unmarshal(rec.Value, v); err != nil {
		return fmt.Errorf("decode %s: %w", rec.Key, err)
	}

	return nil
}

// GetJSON reads and decodes a record, returning its ETag.
func GetJSON(ctx context.Context, e Engine, collection, key string, v any) (string, error) {
	rec, err := e.Get(ctx, collection, key)
	if err != nil {
		return "", err
	}
	if err := Decode(rec, v); err != nil {
		return "", err
	}

	return rec.ETag, nil
}

// UpsertJSON encodes and writes a record, returning the new ETag.
func UpsertJSON(ctx context.Context, e Engine, collection, key string, v any, etag string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", key, err)
	}
	rec, err := e.Upsert(ctx, collection, key, data, etag)
	if err != nil {
		return "", err
	}

	return rec.ETag, nil
}

// CreateJSON encodes and creates a record, returning its ETag.
func CreateJSON(ctx context.Context, e Engine, collection, key string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", key, err)
	}
	rec, err := e.Create(ctx, collection, key, data)
	if err != nil {
		return "", err
	}

	return rec.ETag, nil
}
