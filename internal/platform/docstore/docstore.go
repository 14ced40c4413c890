// Package docstore is the client side of the remote document collection that
// holds orders and audit logs. Collections are schemaless JSON documents keyed
// by an opaque id assigned on append.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an update targets a missing document.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("docstore: store closed")
)

// Document is one stored document. Data holds the JSON body without the id.
type Document struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Filter is a field-equality predicate evaluated by the store.
type Filter struct {
	Field string // dot-separated path
	Value any
}

// Query selects the documents a feed delivers.
type Query struct {
	Collection string
	Where      []Filter
}

// And returns a copy of q with an additional equality predicate.
func (q Query) And(field string, value any) Query {
	out := Query{Collection: q.Collection, Where: append([]Filter(nil), q.Where...)}
	out.Where = append(out.Where, Filter{Field: field, Value: value})
	return out
}

func (q Query) String() string {
	parts := make([]string, 0, len(q.Where))
	for _, f := range q.Where {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Field, f.Value))
	}
	if len(parts) == 0 {
		return q.Collection
	}
	return q.Collection + "?" + strings.Join(parts, "&")
}

// Matches evaluates the predicates against a decoded document body.
func (q Query) Matches(body map[string]any) bool {
	for _, f := range q.Where {
		v, ok := lookup(body, strings.Split(f.Field, "."))
		if !ok || fmt.Sprint(v) != fmt.Sprint(f.Value) {
			return false
		}
	}
	return true
}

func lookup(body map[string]any, path []string) (any, bool) {
	var cur any = body
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Feed is a live subscription. Every value received from Batches is the full
// set of documents currently matching the query, never a diff. When the
// channel closes, Err reports why (nil after Close).
type Feed interface {
	Batches() <-chan []Document
	Err() error
	Close()
}

type Subscriber interface {
	Subscribe(ctx context.Context, q Query) (Feed, error)
}

type Updater interface {
	UpdateDocument(ctx context.Context, collection, id string, patch Patch) error
}

type Appender interface {
	AppendDocument(ctx context.Context, collection string, doc any) (string, error)
}

// Store is the full remote collaborator.
type Store interface {
	Subscriber
	Updater
	Appender
}
