package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"athena/internal/domain"
)

// fieldPattern restricts field and collection names that are embedded in
// JSON paths and index names.
var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// SQLiteStore implements domain.DocumentStore on a single SQLite table of
// JSON documents.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open document db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate document db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS collections (
			name       TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		);

		CREATE TABLE IF NOT EXISTS doc_indexes (
			name       TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			fields     TEXT NOT NULL
		);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return nil, storeErr("ListCollections", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) CreateCollection(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO collections (name, created_at) VALUES (?, ?)", name, now())
	if err != nil {
		return storeErr("CreateCollection", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("DocumentStore.CreateCollection", domain.ErrDuplicate, name)
	}
	return nil
}

func (s *SQLiteStore) DropCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("DropCollection", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT name FROM doc_indexes WHERE collection = ?", name)
	if err != nil {
		return storeErr("DropCollection", err)
	}
	var indexes []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return err
		}
		indexes = append(indexes, n)
	}
	rows.Close()

	for _, idx := range indexes {
		if _, err := tx.ExecContext(ctx, "DROP INDEX IF EXISTS "+idx); err != nil {
			return storeErr("DropCollection", err)
		}
	}
	for _, stmt := range []string{
		"DELETE FROM doc_indexes WHERE collection = ?",
		"DELETE FROM documents WHERE collection = ?",
		"DELETE FROM collections WHERE name = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return storeErr("DropCollection", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Insert(ctx context.Context, collection string, docs ...domain.Document) ([]string, error) {
	if err := checkName(collection); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("Insert", err)
	}
	defer tx.Rollback()

	ts := now()
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO collections (name, created_at) VALUES (?, ?)", collection, ts); err != nil {
		return nil, storeErr("Insert", err)
	}

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		id, body, err := encode(doc)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO documents (collection, id, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			collection, id, body, ts, ts); err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return nil, domain.NewDomainError("DocumentStore.Insert", domain.ErrDuplicate, id)
			}
			return nil, storeErr("Insert", err)
		}
		ids = append(ids, id)
	}
	return ids, tx.Commit()
}

func (s *SQLiteStore) Find(ctx context.Context, collection string, q domain.DocumentQuery) ([]domain.Document, error) {
	where, args, err := whereClause(collection, q.Filter)
	if err != nil {
		return nil, err
	}
	query := "SELECT id, body FROM documents WHERE " + where

	order := make([]string, 0, len(q.Sort)+1)
	for _, k := range q.Sort {
		expr, err := fieldExpr(k.Field)
		if err != nil {
			return nil, err
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		order = append(order, expr+" "+dir)
	}
	order = append(order, "created_at ASC", "rowid ASC")
	query += " ORDER BY " + strings.Join(order, ", ")

	if q.Limit > 0 || q.Skip > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, q.Skip)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("Find", err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		doc, err := decode(id, body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, collection string, filter, set domain.Document, unset []string, many bool) (int, error) {
	docs, err := s.Find(ctx, collection, domain.DocumentQuery{Filter: filter, Limit: limitFor(many)})
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("Update", err)
	}
	defer tx.Rollback()

	ts := now()
	for _, doc := range docs {
		id := doc["_id"].(string)
		for k, v := range set {
			if k != "_id" {
				doc[k] = v
			}
		}
		for _, k := range unset {
			if k != "_id" {
				delete(doc, k)
			}
		}
		_, body, err := encode(doc)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE documents SET body = ?, updated_at = ? WHERE collection = ? AND id = ?",
			body, ts, collection, id); err != nil {
			return 0, storeErr("Update", err)
		}
	}
	return len(docs), tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, collection string, filter domain.Document, many bool) (int, error) {
	docs, err := s.Find(ctx, collection, domain.DocumentQuery{Filter: filter, Limit: limitFor(many)})
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, doc := range docs {
		res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE collection = ? AND id = ?", collection, doc["_id"])
		if err != nil {
			return deleted, storeErr("Delete", err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}
	return deleted, nil
}

func (s *SQLiteStore) Count(ctx context.Context, collection string, filter domain.Document) (int, error) {
	where, args, err := whereClause(collection, filter)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE "+where, args...).Scan(&n); err != nil {
		return 0, storeErr("Count", err)
	}
	return n, nil
}

func (s *SQLiteStore) Distinct(ctx context.Context, collection, field string, filter domain.Document) ([]any, error) {
	expr, err := fieldExpr(field)
	if err != nil {
		return nil, err
	}
	where, args, err := whereClause(collection, filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT "+expr+" FROM documents WHERE "+where+" AND "+expr+" IS NOT NULL ORDER BY 1", args...)
	if err != nil {
		return nil, storeErr("Distinct", err)
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Aggregate(ctx context.Context, collection string, filter domain.Document, groupBy string) (map[string]int, error) {
	where, args, err := whereClause(collection, filter)
	if err != nil {
		return nil, err
	}
	key := "''"
	if groupBy != "" {
		expr, err := fieldExpr(groupBy)
		if err != nil {
			return nil, err
		}
		key = "COALESCE(CAST(" + expr + " AS TEXT), '')"
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+key+", COUNT(*) FROM documents WHERE "+where+" GROUP BY 1", args...)
	if err != nil {
		return nil, storeErr("Aggregate", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateIndex(ctx context.Context, collection string, fields []string) (string, error) {
	if err := checkName(collection); err != nil {
		return "", err
	}
	exprs := make([]string, 0, len(fields))
	for _, f := range fields {
		expr, err := fieldExpr(f)
		if err != nil {
			return "", err
		}
		exprs = append(exprs, expr)
	}
	name := "idx_" + collection + "_" + strings.Join(fields, "_")

	// The partial-index predicate must be a literal for SQLite to use it.
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON documents(%s) WHERE collection = '%s'",
		name, strings.Join(exprs, ", "), collection)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return "", storeErr("CreateIndex", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO doc_indexes (name, collection, fields) VALUES (?, ?, ?)",
		name, collection, strings.Join(fields, ",")); err != nil {
		return "", storeErr("CreateIndex", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO collections (name, created_at) VALUES (?, ?)", collection, now()); err != nil {
		return "", storeErr("CreateIndex", err)
	}
	return name, nil
}

func (s *SQLiteStore) DropIndex(ctx context.Context, collection, name string) error {
	var found string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM doc_indexes WHERE collection = ? AND name = ?", collection, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewDomainError("DocumentStore.DropIndex", domain.ErrNotFound, name)
	}
	if err != nil {
		return storeErr("DropIndex", err)
	}
	if _, err := s.db.ExecContext(ctx, "DROP INDEX IF EXISTS "+found); err != nil {
		return storeErr("DropIndex", err)
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM doc_indexes WHERE name = ?", found)
	return err
}

func whereClause(collection string, filter domain.Document) (string, []any, error) {
	clauses := []string{"collection = ?"}
	args := []any{collection}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := filter[k]
		if k == "_id" {
			clauses = append(clauses, "id = ?")
			args = append(args, fmt.Sprint(v))
			continue
		}
		expr, err := fieldExpr(k)
		if err != nil {
			return "", nil, err
		}
		switch tv := v.(type) {
		case nil:
			clauses = append(clauses, expr+" IS NULL")
		case bool:
			clauses = append(clauses, expr+" = ?")
			if tv {
				args = append(args, 1)
			} else {
				args = append(args, 0)
			}
		case string, float64, int, int64:
			clauses = append(clauses, expr+" = ?")
			args = append(args, tv)
		default:
			raw, err := json.Marshal(tv)
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, expr+" = json(?)")
			args = append(args, string(raw))
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

func fieldExpr(field string) (string, error) {
	if !fieldPattern.MatchString(field) {
		return "", domain.NewDomainError("DocumentStore", domain.ErrInvalidInput, fmt.Sprintf("field name %q", field))
	}
	return "json_extract(body, '$." + field + "')", nil
}

func checkName(name string) error {
	if !fieldPattern.MatchString(name) {
		return domain.NewDomainError("DocumentStore", domain.ErrInvalidInput, fmt.Sprintf("collection name %q", name))
	}
	return nil
}

func encode(doc domain.Document) (string, string, error) {
	id, _ := doc["_id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	body := make(domain.Document, len(doc))
	for k, v := range doc {
		if k != "_id" {
			body[k] = v
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", "", fmt.Errorf("marshal document: %w", err)
	}
	return id, string(data), nil
}

func decode(id, body string) (domain.Document, error) {
	doc := domain.Document{}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document %s: %w", id, err)
	}
	doc["_id"] = id
	return doc, nil
}

func limitFor(many bool) int {
	if many {
		return 0
	}
	return 1
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func storeErr(op string, err error) error {
	return domain.NewDomainError("DocumentStore."+op, domain.ErrStoreUnavailable, err.Error())
}
