package domain

import (
	"context"
	"slices"
)

// Document is one schemaless record. The "_id" key carries its identifier.
type Document map[string]any

var protectedCollections = []string{"User", "Location", "Schedule"}

// ProtectedCollections names collections whose lifecycle (create/drop) is
// closed to tools. Document reads and writes on them stay open. The result
// is a fresh copy.
func ProtectedCollections() []string { return slices.Clone(protectedCollections) }

// IsProtectedCollection reports whether name is a protected collection.
func IsProtectedCollection(name string) bool {
	return slices.Contains(protectedCollections, name)
}

// SortKey orders Find results by a top-level field.
type SortKey struct {
	Field string
	Desc  bool
}

// DocumentQuery selects documents by top-level field equality.
type DocumentQuery struct {
	Filter Document
	Sort   []SortKey
	Skip   int
	Limit  int // 0 means no limit
}

// DocumentStore is the application data store operated by the data-admin tool.
// Writing to a collection that does not exist creates it.
type DocumentStore interface {
	ListCollections(ctx context.Context) ([]string, error)
	CreateCollection(ctx context.Context, name string) error
	DropCollection(ctx context.Context, name string) error

	Insert(ctx context.Context, collection string, docs ...Document) ([]string, error)
	Find(ctx context.Context, collection string, q DocumentQuery) ([]Document, error)
	// Update applies set and unset to the first (or every, when many is true)
	// matching document and returns the number matched.
	Update(ctx context.Context, collection string, filter, set Document, unset []string, many bool) (int, error)
	Delete(ctx context.Context, collection string, filter Document, many bool) (int, error)
	Count(ctx context.Context, collection string, filter Document) (int, error)
	Distinct(ctx context.Context, collection, field string, filter Document) ([]any, error)
	// Aggregate counts matching documents grouped by the groupBy field.
	// An empty groupBy yields a single "" bucket.
	Aggregate(ctx context.Context, collection string, filter Document, groupBy string) (map[string]int, error)

	CreateIndex(ctx context.Context, collection string, fields []string) (string, error)
	DropIndex(ctx context.Context, collection, name string) error
}
