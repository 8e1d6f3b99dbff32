// Package pg implements the document store contract on Postgres. Documents
// live in a single JSONB table partitioned by collection and membership;
// declared unique indexes become partial expression indexes so the database
// is the authoritative guard against duplicate-value races.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"idcore/internal/document"
	"idcore/internal/ids"
	"idcore/internal/store"
)

// Store is the Postgres-backed document store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects with pool defaults tuned for a service workload.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) FindOne(ctx context.Context, collection string, f store.Filter) (document.Document, error) {
	where, args, err := compile(f, []any{collection})
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`select doc from documents where collection = $1 and %s limit 1`, where)

	var raw []byte
	err = s.db.QueryRowContext(ctx, q, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalDoc(raw)
}

func (s *Store) Find(ctx context.Context, collection string, f store.Filter, opts store.FindOptions) ([]document.Document, int, error) {
	where, args, err := compile(f, []any{collection})
	if err != nil {
		return nil, 0, err
	}

	total := 0
	if opts.WithCount {
		q := fmt.Sprintf(`select count(*) from documents where collection = $1 and %s`, where)
		if err := s.db.QueryRowContext(ctx, q, args...).Scan(&total); err != nil {
			return nil, 0, err
		}
	}

	q := fmt.Sprintf(`select doc from documents where collection = $1 and %s%s`, where, orderBy(opts.Sort))
	if opts.Limit > 0 {
		q += fmt.Sprintf(" limit %d", opts.Limit)
	}
	if opts.Skip > 0 {
		q += fmt.Sprintf(" offset %d", opts.Skip)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var docs []document.Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, 0, err
		}
		doc, err := unmarshalDoc(raw)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if !opts.WithCount {
		total = len(docs)
	}
	return docs, total, nil
}

func (s *Store) Count(ctx context.Context, collection string, f store.Filter) (int, error) {
	where, args, err := compile(f, []any{collection})
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`select count(*) from documents where collection = $1 and %s`, where)
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) Insert(ctx context.Context, collection string, doc document.Document) (string, error) {
	id := document.ID(doc)
	if id == "" {
		id = ids.New()
	}
	stored := document.Clone(doc)
	stored[document.FieldID] = id
	raw, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	membershipID, _ := document.GetString(stored, document.FieldMembershipID)

	_, err = s.db.ExecContext(ctx, `
		insert into documents(id, collection, membership_id, doc)
		values ($1, $2, $3, $4)
	`, id, collection, membershipID, raw)
	if err != nil {
		return "", mapDuplicate(err)
	}
	return id, nil
}

func (s *Store) Replace(ctx context.Context, collection, id string, doc document.Document) error {
	stored := document.Clone(doc)
	stored[document.FieldID] = id
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	membershipID, _ := document.GetString(stored, document.FieldMembershipID)

	res, err := s.db.ExecContext(ctx, `
		update documents set membership_id = $3, doc = $4
		where id = $1 and collection = $2
	`, id, collection, membershipID, raw)
	if err != nil {
		return mapDuplicate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `delete from documents where id = $1 and collection = $2`, id, collection)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// EnsureUniqueIndex declares a partial expression index scoping uniqueness
// to (membership, path value) within the collection.
func (s *Store) EnsureUniqueIndex(ctx context.Context, idx store.UniqueIndex) error {
	pathExpr, err := jsonPath(idx.Path)
	if err != nil {
		return err
	}
	name := indexName(idx.Collection, idx.Path)
	q := fmt.Sprintf(`
		create unique index if not exists %s
		on documents (membership_id, (doc #>> %s))
		where collection = '%s' and doc #>> %s is not null
	`, name, pathExpr, idx.Collection, pathExpr)
	_, err = s.db.ExecContext(ctx, q)
	return err
}

func mapDuplicate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", store.ErrDuplicateKey, pgErr.ConstraintName)
	}
	return err
}

func unmarshalDoc(raw []byte) (document.Document, error) {
	var doc document.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, nil
}

// compile renders a filter as a WHERE fragment, appending bind values to
// args. Placeholder numbering continues from the existing args.
func compile(f store.Filter, args []any) (string, []any, error) {
	switch f.Op {
	case store.OpNone:
		return "true", args, nil
	case store.OpEq:
		return compileEq(f, args)
	case store.OpAnd, store.OpOr:
		join := " and "
		if f.Op == store.OpOr {
			join = " or "
		}
		parts := make([]string, 0, len(f.Children))
		for _, child := range f.Children {
			var (
				part string
				err  error
			)
			part, args, err = compile(child, args)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, part)
		}
		if len(parts) == 0 {
			return "true", args, nil
		}
		return "(" + strings.Join(parts, join) + ")", args, nil
	case store.OpText:
		args = append(args, f.Keyword)
		return fmt.Sprintf(`to_tsvector('simple', doc::text) @@ plainto_tsquery('simple', $%d)`, len(args)), args, nil
	default:
		return "", nil, fmt.Errorf("pg: unsupported filter op %d", f.Op)
	}
}

func compileEq(f store.Filter, args []any) (string, []any, error) {
	switch f.Path {
	case document.FieldID:
		args = append(args, fmt.Sprint(f.Value))
		return fmt.Sprintf("id = $%d", len(args)), args, nil
	case document.FieldMembershipID:
		args = append(args, fmt.Sprint(f.Value))
		return fmt.Sprintf("membership_id = $%d", len(args)), args, nil
	}
	pathExpr, err := jsonPath(f.Path)
	if err != nil {
		return "", nil, err
	}
	raw, err := json.Marshal(f.Value)
	if err != nil {
		return "", nil, fmt.Errorf("marshal filter value: %w", err)
	}
	args = append(args, string(raw))
	return fmt.Sprintf("doc #> %s = $%d::jsonb", pathExpr, len(args)), args, nil
}

// jsonPath renders a dotted path as a Postgres text-array literal. Path
// segments are restricted to identifier characters so the literal is safe to
// inline.
func jsonPath(path string) (string, error) {
	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if seg == "" || !identifierLike(seg) {
			return "", fmt.Errorf("pg: invalid path %q", path)
		}
	}
	return "'{" + strings.Join(segments, ",") + "}'", nil
}

func identifierLike(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func orderBy(sorts []store.Sort) string {
	if len(sorts) == 0 {
		return " order by id"
	}
	parts := make([]string, 0, len(sorts))
	for _, s := range sorts {
		expr := "id"
		if s.Path != document.FieldID {
			pathExpr, err := jsonPath(s.Path)
			if err != nil {
				continue
			}
			expr = "doc #>> " + pathExpr
		}
		if s.Desc {
			expr += " desc"
		}
		parts = append(parts, expr)
	}
	if len(parts) == 0 {
		return " order by id"
	}
	return " order by " + strings.Join(parts, ", ")
}

func indexName(collection, path string) string {
	sanitized := strings.NewReplacer(".", "_", "-", "_").Replace(path)
	return fmt.Sprintf("uniq_%s_%s", collection, sanitized)
}
