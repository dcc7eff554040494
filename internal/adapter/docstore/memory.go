package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"athena/internal/domain"
)

// MemoryStore is an in-process domain.DocumentStore for dev mode and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	order   []string
	docs    map[string]domain.Document
	indexes map[string][]string
}

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memCollection)}
}

func (s *MemoryStore) ListCollections(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for n := range s.collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) CreateCollection(_ context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; ok {
		return domain.NewDomainError("DocumentStore.CreateCollection", domain.ErrDuplicate, name)
	}
	s.collections[name] = newMemCollection()
	return nil
}

func (s *MemoryStore) DropCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

func (s *MemoryStore) Insert(_ context.Context, collection string, docs ...domain.Document) ([]string, error) {
	if err := checkName(collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.ensure(collection)
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		cp, err := normalize(doc)
		if err != nil {
			return nil, err
		}
		id, _ := cp["_id"].(string)
		if id == "" {
			id = uuid.NewString()
		}
		if _, dup := c.docs[id]; dup {
			return nil, domain.NewDomainError("DocumentStore.Insert", domain.ErrDuplicate, id)
		}
		cp["_id"] = id
		c.docs[id] = cp
		c.order = append(c.order, id)
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) Find(_ context.Context, collection string, q domain.DocumentQuery) ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched, err := s.match(collection, q.Filter)
	if err != nil {
		return nil, err
	}
	if len(q.Sort) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, k := range q.Sort {
				c := compare(matched[i][k.Field], matched[j][k.Field])
				if c == 0 {
					continue
				}
				if k.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.Skip > 0 {
		if q.Skip >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Skip:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]domain.Document, 0, len(matched))
	for _, d := range matched {
		cp, _ := normalize(d)
		out = append(out, cp)
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, collection string, filter, set domain.Document, unset []string, many bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched, err := s.match(collection, filter)
	if err != nil {
		return 0, err
	}
	if !many && len(matched) > 1 {
		matched = matched[:1]
	}
	norm, err := normalize(set)
	if err != nil {
		return 0, err
	}
	for _, d := range matched {
		for k, v := range norm {
			if k != "_id" {
				d[k] = v
			}
		}
		for _, k := range unset {
			if k != "_id" {
				delete(d, k)
			}
		}
	}
	return len(matched), nil
}

func (s *MemoryStore) Delete(_ context.Context, collection string, filter domain.Document, many bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched, err := s.match(collection, filter)
	if err != nil {
		return 0, err
	}
	if !many && len(matched) > 1 {
		matched = matched[:1]
	}
	c := s.collections[collection]
	for _, d := range matched {
		id := d["_id"].(string)
		delete(c.docs, id)
		for i, oid := range c.order {
			if oid == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	return len(matched), nil
}

func (s *MemoryStore) Count(_ context.Context, collection string, filter domain.Document) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched, err := s.match(collection, filter)
	return len(matched), err
}

func (s *MemoryStore) Distinct(_ context.Context, collection, field string, filter domain.Document) ([]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched, err := s.match(collection, filter)
	if err != nil {
		return nil, err
	}
	var out []any
	for _, d := range matched {
		v, ok := d[field]
		if !ok || v == nil {
			continue
		}
		dup := false
		for _, seen := range out {
			if reflect.DeepEqual(seen, v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return compare(out[i], out[j]) < 0 })
	return out, nil
}

func (s *MemoryStore) Aggregate(_ context.Context, collection string, filter domain.Document, groupBy string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched, err := s.match(collection, filter)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, d := range matched {
		key := ""
		if groupBy != "" {
			if v, ok := d[groupBy]; ok && v != nil {
				key = fmt.Sprint(v)
			}
		}
		out[key]++
	}
	return out, nil
}

func (s *MemoryStore) CreateIndex(_ context.Context, collection string, fields []string) (string, error) {
	if err := checkName(collection); err != nil {
		return "", err
	}
	for _, f := range fields {
		if _, err := fieldExpr(f); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	name := "idx_" + collection + "_" + strings.Join(fields, "_")
	s.ensure(collection).indexes[name] = fields
	return name, nil
}

func (s *MemoryStore) DropIndex(_ context.Context, collection, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		return domain.NewDomainError("DocumentStore.DropIndex", domain.ErrNotFound, name)
	}
	if _, ok := c.indexes[name]; !ok {
		return domain.NewDomainError("DocumentStore.DropIndex", domain.ErrNotFound, name)
	}
	delete(c.indexes, name)
	return nil
}

func newMemCollection() *memCollection {
	return &memCollection{docs: make(map[string]domain.Document), indexes: make(map[string][]string)}
}

func (s *MemoryStore) ensure(name string) *memCollection {
	c, ok := s.collections[name]
	if !ok {
		c = newMemCollection()
		s.collections[name] = c
	}
	return c
}

// match returns live documents in insertion order; callers copy before
// handing them out.
func (s *MemoryStore) match(collection string, filter domain.Document) ([]domain.Document, error) {
	c, ok := s.collections[collection]
	if !ok {
		return nil, nil
	}
	norm, err := normalize(filter)
	if err != nil {
		return nil, err
	}
	var out []domain.Document
	for _, id := range c.order {
		d := c.docs[id]
		hit := true
		for k, want := range norm {
			got, present := d[k]
			if want == nil {
				if present && got != nil {
					hit = false
				}
			} else if !reflect.DeepEqual(got, want) {
				hit = false
			}
			if !hit {
				break
			}
		}
		if hit {
			out = append(out, d)
		}
	}
	return out, nil
}

// normalize deep-copies doc through JSON so stored values have the same
// shapes a decoded request would.
func normalize(doc domain.Document) (domain.Document, error) {
	if doc == nil {
		return domain.Document{}, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	out := domain.Document{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func compare(a, b any) int {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
