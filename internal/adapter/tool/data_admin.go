package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"athena/internal/domain"
)

// DataAdminName is the registry name of the data-admin tool.
const DataAdminName = "data.admin"

// DataAdminTool gives agents full document access to the application data
// store. Creating or dropping a protected collection is refused.
type DataAdminTool struct {
	store  domain.DocumentStore
	logger *slog.Logger
}

// NewDataAdminTool creates the data-admin tool over store.
func NewDataAdminTool(store domain.DocumentStore, logger *slog.Logger) *DataAdminTool {
	return &DataAdminTool{store: store, logger: logger}
}

func (t *DataAdminTool) Name() string { return DataAdminName }
func (t *DataAdminTool) Description() string {
	return "Admin access to the application data store. Full CRUD and index operations on any collection, " +
		"except creating or dropping the protected collections (" + strings.Join(domain.ProtectedCollections(), ", ") + ")."
}

func (t *DataAdminTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"op": {"type": "string", "enum": [
					"create_collection", "drop_collection", "list_collections",
					"insert_one", "insert_many", "find_one", "find",
					"update_one", "update_many", "delete_one", "delete_many",
					"aggregate", "count_documents", "distinct", "create_index", "drop_index"
				]},
				"collection": {"type": "string"},
				"document": {"type": "object"},
				"documents": {"type": "array", "items": {"type": "object"}},
				"filter": {"type": "object"},
				"update": {"type": "object"},
				"pipeline": {"type": "array", "items": {"type": "object"}},
				"index": {"type": "object"},
				"index_name": {"type": "string"},
				"field": {"type": "string"},
				"limit": {"type": "integer"},
				"skip": {"type": "integer"},
				"sort": {"type": "array", "items": {"type": "array"}}
			},
			"required": ["op"]
		}`),
	}
}

type dataAdminParams struct {
	Op         string            `json:"op"`
	Collection string            `json:"collection"`
	Document   domain.Document   `json:"document"`
	Documents  []domain.Document `json:"documents"`
	Filter     domain.Document   `json:"filter"`
	Update     domain.Document   `json:"update"`
	Pipeline   []domain.Document `json:"pipeline"`
	Index      json.RawMessage   `json:"index"`
	IndexName  string            `json:"index_name"`
	Field      string            `json:"field"`
	Limit      int               `json:"limit"`
	Skip       int               `json:"skip"`
	Sort       [][]any           `json:"sort"`
}

func (t *DataAdminTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.data.admin", t.logger, params,
		func(ctx context.Context, span trace.Span, p dataAdminParams) (any, error) {
			if p.Op != "list_collections" && p.Collection == "" {
				return nil, fmt.Errorf("collection required for %q", p.Op)
			}
			return Dispatch(func(p dataAdminParams) string { return p.Op }, ActionMap[dataAdminParams]{
				"create_collection": t.createCollection,
				"drop_collection":   t.dropCollection,
				"list_collections":  t.listCollections,
				"insert_one":        t.insertOne,
				"insert_many":       t.insertMany,
				"find_one":          t.findOne,
				"find":              t.find,
				"update_one":        t.update(false),
				"update_many":       t.update(true),
				"delete_one":        t.delete(false),
				"delete_many":       t.delete(true),
				"aggregate":         t.aggregate,
				"count_documents":   t.count,
				"distinct":          t.distinct,
				"create_index":      t.createIndex,
				"drop_index":        t.dropIndex,
			})(ctx, span, p)
		},
	)
}

// guardLifecycle refuses collection create/drop on protected names.
func guardLifecycle(op, collection string) error {
	if domain.IsProtectedCollection(collection) {
		return domain.NewSubSystemError("datastore", "DataAdmin."+op, domain.ErrPermissionDenied,
			fmt.Sprintf("operation %q is not allowed on protected collection %q", op, collection))
	}
	return nil
}

type okReply struct {
	OK bool `json:"ok"`
}

func (t *DataAdminTool) createCollection(ctx context.Context, p dataAdminParams) (any, error) {
	if err := guardLifecycle("create_collection", p.Collection); err != nil {
		return nil, err
	}
	if err := t.store.CreateCollection(ctx, p.Collection); err != nil {
		return nil, err
	}
	return okReply{OK: true}, nil
}

func (t *DataAdminTool) dropCollection(ctx context.Context, p dataAdminParams) (any, error) {
	if err := guardLifecycle("drop_collection", p.Collection); err != nil {
		return nil, err
	}
	if err := t.store.DropCollection(ctx, p.Collection); err != nil {
		return nil, err
	}
	return okReply{OK: true}, nil
}

func (t *DataAdminTool) listCollections(ctx context.Context, _ dataAdminParams) (any, error) {
	names, err := t.store.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (t *DataAdminTool) insertOne(ctx context.Context, p dataAdminParams) (any, error) {
	doc := p.Document
	if doc == nil {
		doc = domain.Document{}
	}
	ids, err := t.store.Insert(ctx, p.Collection, doc)
	if err != nil {
		return nil, err
	}
	return map[string]string{"inserted_id": ids[0]}, nil
}

func (t *DataAdminTool) insertMany(ctx context.Context, p dataAdminParams) (any, error) {
	if len(p.Documents) == 0 {
		return nil, errors.New("documents required for insert_many")
	}
	ids, err := t.store.Insert(ctx, p.Collection, p.Documents...)
	if err != nil {
		return nil, err
	}
	return map[string][]string{"inserted_ids": ids}, nil
}

func (t *DataAdminTool) findOne(ctx context.Context, p dataAdminParams) (any, error) {
	docs, err := t.store.Find(ctx, p.Collection, domain.DocumentQuery{Filter: p.Filter, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return "null", nil
	}
	return docs[0], nil
}

func (t *DataAdminTool) find(ctx context.Context, p dataAdminParams) (any, error) {
	sortKeys, err := parseSort(p.Sort)
	if err != nil {
		return nil, err
	}
	docs, err := t.store.Find(ctx, p.Collection, domain.DocumentQuery{
		Filter: p.Filter,
		Sort:   sortKeys,
		Skip:   p.Skip,
		Limit:  p.Limit,
	})
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	return docs, nil
}

func (t *DataAdminTool) update(many bool) ActionHandler[dataAdminParams] {
	return func(ctx context.Context, p dataAdminParams) (any, error) {
		set, unset, err := splitUpdate(p.Update)
		if err != nil {
			return nil, err
		}
		n, err := t.store.Update(ctx, p.Collection, p.Filter, set, unset, many)
		if err != nil {
			return nil, err
		}
		return map[string]int{"matched": n, "modified": n}, nil
	}
}

func (t *DataAdminTool) delete(many bool) ActionHandler[dataAdminParams] {
	return func(ctx context.Context, p dataAdminParams) (any, error) {
		n, err := t.store.Delete(ctx, p.Collection, p.Filter, many)
		if err != nil {
			return nil, err
		}
		return map[string]int{"deleted": n}, nil
	}
}

func (t *DataAdminTool) count(ctx context.Context, p dataAdminParams) (any, error) {
	n, err := t.store.Count(ctx, p.Collection, p.Filter)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (t *DataAdminTool) distinct(ctx context.Context, p dataAdminParams) (any, error) {
	field := p.Field
	if field == "" {
		field = p.IndexName
	}
	if field == "" {
		return nil, errors.New("field required for distinct")
	}
	values, err := t.store.Distinct(ctx, p.Collection, field, p.Filter)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = []any{}
	}
	return values, nil
}

type groupRow struct {
	ID    any `json:"_id"`
	Count int `json:"count"`
}

// aggregate supports a $match stage followed by a counting $group stage.
func (t *DataAdminTool) aggregate(ctx context.Context, p dataAdminParams) (any, error) {
	filter := domain.Document{}
	groupBy := ""
	grouped := false
	for _, stage := range p.Pipeline {
		for op, body := range stage {
			switch op {
			case "$match":
				m, ok := body.(map[string]any)
				if !ok {
					return nil, errors.New("$match stage must be an object")
				}
				for k, v := range m {
					filter[k] = v
				}
			case "$group":
				m, ok := body.(map[string]any)
				if !ok {
					return nil, errors.New("$group stage must be an object")
				}
				switch id := m["_id"].(type) {
				case nil:
				case string:
					groupBy = strings.TrimPrefix(id, "$")
				default:
					return nil, fmt.Errorf("unsupported $group _id %v", id)
				}
				grouped = true
			default:
				return nil, fmt.Errorf("unsupported aggregate stage %q", op)
			}
		}
	}

	if !grouped {
		docs, err := t.store.Find(ctx, p.Collection, domain.DocumentQuery{Filter: filter})
		if err != nil {
			return nil, err
		}
		if docs == nil {
			docs = []domain.Document{}
		}
		return docs, nil
	}

	buckets, err := t.store.Aggregate(ctx, p.Collection, filter, groupBy)
	if err != nil {
		return nil, err
	}
	rows := make([]groupRow, 0, len(buckets))
	for k, n := range buckets {
		var id any = k
		if groupBy == "" {
			id = nil
		}
		rows = append(rows, groupRow{ID: id, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool { return fmt.Sprint(rows[i].ID) < fmt.Sprint(rows[j].ID) })
	return rows, nil
}

func (t *DataAdminTool) createIndex(ctx context.Context, p dataAdminParams) (any, error) {
	fields, err := orderedKeys(p.Index)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, errors.New("index must name at least one field")
	}
	name, err := t.store.CreateIndex(ctx, p.Collection, fields)
	if err != nil {
		return nil, err
	}
	return map[string]string{"index_name": name}, nil
}

func (t *DataAdminTool) dropIndex(ctx context.Context, p dataAdminParams) (any, error) {
	if p.IndexName == "" {
		return nil, errors.New("index_name required for drop_index")
	}
	if err := t.store.DropIndex(ctx, p.Collection, p.IndexName); err != nil {
		return nil, err
	}
	return okReply{OK: true}, nil
}

// splitUpdate accepts {"$set": {...}, "$unset": {...}} or a plain document,
// which is treated as $set.
func splitUpdate(u domain.Document) (domain.Document, []string, error) {
	if len(u) == 0 {
		return nil, nil, errors.New("update required")
	}
	hasOperator := false
	for k := range u {
		if strings.HasPrefix(k, "$") {
			hasOperator = true
			break
		}
	}
	if !hasOperator {
		return u, nil, nil
	}

	var set domain.Document
	var unset []string
	for k, v := range u {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, nil, fmt.Errorf("%s must be an object", k)
		}
		switch k {
		case "$set":
			set = domain.Document(m)
		case "$unset":
			for field := range m {
				unset = append(unset, field)
			}
			sort.Strings(unset)
		default:
			return nil, nil, fmt.Errorf("unsupported update operator %q", k)
		}
	}
	return set, unset, nil
}

// parseSort converts [[field, direction], ...] pairs; direction -1 is
// descending, anything else ascending.
func parseSort(pairs [][]any) ([]domain.SortKey, error) {
	keys := make([]domain.SortKey, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) == 0 {
			continue
		}
		field, ok := pair[0].(string)
		if !ok {
			return nil, fmt.Errorf("sort field must be a string, got %v", pair[0])
		}
		key := domain.SortKey{Field: field}
		if len(pair) > 1 {
			if dir, ok := pair[1].(float64); ok && dir < 0 {
				key.Desc = true
			}
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// orderedKeys returns the keys of a JSON object in document order.
func orderedKeys(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("index must be an object")
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		keys = append(keys, tok.(string))
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
