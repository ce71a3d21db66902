// Package directory defines the remote document store the reconciler listens to,
// with in-memory, PostgreSQL and Redis implementations.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrClosed indicates the directory has been shut down.
	ErrClosed = errors.New("directory closed")
)

// Fields is a set of top-level document fields. Values must be JSON encodable.
type Fields map[string]any

// Document is one stored document.
type Document struct {
	Collection string
	ID         string
	Data       json.RawMessage
}

// Decode unmarshals the document body into target.
func (d Document) Decode(target any) error {
	if len(d.Data) == 0 {
		return fmt.Errorf("decode %s/%s: empty document", d.Collection, d.ID)
	}
	if err := json.Unmarshal(d.Data, target); err != nil {
		return fmt.Errorf("decode %s/%s: %w", d.Collection, d.ID, err)
	}
	return nil
}

// Snapshot is one observation of a subscribed document. Exists is false when the
// document is missing; Err is set when the listener failed to read it.
type Snapshot struct {
	Collection string
	ID         string
	Exists     bool
	Document   Document
	Err        error
}

// Subscription delivers snapshots of a single document in the order the
// directory observed them. The first snapshot reflects the current state. The
// events channel is closed once the subscription stops. Backends may coalesce
// rapid writes; consumers see every settled state, not every intermediate one.
type Subscription interface {
	Events() <-chan Snapshot
	Close()
}

// Directory is the remote document store.
type Directory interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	// Set replaces the whole document.
	Set(ctx context.Context, collection, id string, fields Fields) error
	// Update merges top-level fields into an existing document.
	Update(ctx context.Context, collection, id string, fields Fields) error
	Delete(ctx context.Context, collection, id string) error
	// Query returns documents whose top-level string field equals value.
	Query(ctx context.Context, collection, field, value string) ([]Document, error)
	// ArrayUnion adds values missing from a string-list field.
	ArrayUnion(ctx context.Context, collection, id, field string, values ...string) error
	// ArrayRemove removes every occurrence of values from a string-list field.
	ArrayRemove(ctx context.Context, collection, id, field string, values ...string) error
	Subscribe(ctx context.Context, collection, id string) (Subscription, error)
}

// ToFields converts a JSON-tagged struct into Fields.
func ToFields(v any) (Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	var fields Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return fields, nil
}

// mergeFields applies a partial update onto an encoded document.
func mergeFields(data json.RawMessage, fields Fields) (json.RawMessage, error) {
	current := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &current); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
	}
	for k, v := range fields {
		current[k] = v
	}
	out, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return out, nil
}

// mutateArray applies a union or removal to a string-list field of an encoded document.
func mutateArray(data json.RawMessage, field string, values []string, remove bool) (json.RawMessage, error) {
	current := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &current); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
	}

	var list []string
	if raw, ok := current[field].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				list = append(list, s)
			}
		}
	}

	if remove {
		drop := make(map[string]struct{}, len(values))
		for _, v := range values {
			drop[v] = struct{}{}
		}
		kept := make([]string, 0, len(list))
		for _, v := range list {
			if _, ok := drop[v]; !ok {
				kept = append(kept, v)
			}
		}
		list = kept
	} else {
		seen := make(map[string]struct{}, len(list))
		for _, v := range list {
			seen[v] = struct{}{}
		}
		for _, v := range values {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			list = append(list, v)
		}
	}
	if list == nil {
		list = []string{}
	}
	current[field] = list

	out, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return out, nil
}

// encodeFields encodes a full document body, stamping the id field.
func encodeFields(id string, fields Fields) (json.RawMessage, error) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	if _, ok := body["id"]; !ok {
		body["id"] = id
	}
	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return out, nil
}

// fieldEquals reports whether the top-level field of an encoded document equals value.
func fieldEquals(data json.RawMessage, field, value string) bool {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return false
	}
	s, ok := body[field].(string)
	return ok && s == value
}
