package pg

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"idcore/internal/document"
	"idcore/internal/store"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestFindOne(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"doc"}).
		AddRow([]byte(`{"_id":"u1","membership_id":"m1","username":"ada"}`))
	mock.ExpectQuery(`select doc from documents where collection = \$1 and \(membership_id = \$2 and id = \$3\) limit 1`).
		WithArgs("users", "m1", "u1").
		WillReturnRows(rows)

	doc, err := s.FindOne(ctx, "users", store.InMembership("m1", store.ByID("u1")))
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if doc["username"] != "ada" || document.ID(doc) != "u1" {
		t.Fatalf("doc = %+v", doc)
	}

	mock.ExpectQuery(`select doc from documents`).
		WithArgs("users", "m1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))
	if _, err := s.FindOne(ctx, "users", store.InMembership("m1", store.ByID("missing"))); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestFindWithCountAndPaging(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(`select count\(\*\) from documents where collection = \$1 and membership_id = \$2`).
		WithArgs("users", "m1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`select doc from documents where collection = \$1 and membership_id = \$2 order by doc #>> '{username}' desc limit 2 offset 1`).
		WithArgs("users", "m1").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).
			AddRow([]byte(`{"_id":"u2","username":"bob"}`)).
			AddRow([]byte(`{"_id":"u1","username":"ada"}`)))

	docs, total, err := s.Find(ctx, "users", store.InMembership("m1", store.Filter{}), store.FindOptions{
		Skip:      1,
		Limit:     2,
		WithCount: true,
		Sort:      []store.Sort{{Path: "username", Desc: true}},
	})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if total != 7 || len(docs) != 2 || docs[0]["username"] != "bob" {
		t.Fatalf("total = %d docs = %+v", total, docs)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInsert(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(`insert into documents`).
		WithArgs(sqlmock.AnyArg(), "users", "m1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.Insert(ctx, "users", document.Document{"membership_id": "m1", "username": "ada"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id == "" {
		t.Fatal("no id generated")
	}

	mock.ExpectExec(`insert into documents`).
		WithArgs(sqlmock.AnyArg(), "users", "m1", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uniq_users_email"})
	if _, err := s.Insert(ctx, "users", document.Document{"membership_id": "m1", "email": "a@b.c"}); !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("err = %v, want ErrDuplicateKey", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestReplace(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(`update documents set membership_id = \$3, doc = \$4`).
		WithArgs("u1", "users", "m1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.Replace(ctx, "users", "u1", document.Document{"membership_id": "m1", "username": "ada"}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	mock.ExpectExec(`update documents`).
		WithArgs("missing", "users", "m1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.Replace(ctx, "users", "missing", document.Document{"membership_id": "m1"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDelete(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(`delete from documents where id = \$1 and collection = \$2`).
		WithArgs("u1", "users").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if ok, err := s.Delete(ctx, "users", "u1"); err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}

	mock.ExpectExec(`delete from documents`).
		WithArgs("missing", "users").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if ok, err := s.Delete(ctx, "users", "missing"); err != nil || ok {
		t.Fatalf("Delete missing = %v, %v", ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestEnsureUniqueIndex(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(`create unique index if not exists uniq_users_contact_email`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.EnsureUniqueIndex(context.Background(), store.UniqueIndex{Collection: "users", Path: "contact.email"}); err != nil {
		t.Fatalf("EnsureUniqueIndex: %v", err)
	}

	if err := s.EnsureUniqueIndex(context.Background(), store.UniqueIndex{Collection: "users", Path: "bad'path"}); err == nil {
		t.Fatal("expected error for unsafe path")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCompileFilters(t *testing.T) {
	cases := []struct {
		name   string
		filter store.Filter
		want   string
		args   []any
	}{
		{
			name:   "equality on nested path",
			filter: store.Eq("contact.email", "a@b.c"),
			want:   `doc #> '{contact,email}' = $2::jsonb`,
			args:   []any{`"a@b.c"`},
		},
		{
			name:   "equality on numeric value",
			filter: store.Eq("age", 30),
			want:   `doc #> '{age}' = $2::jsonb`,
			args:   []any{"30"},
		},
		{
			name:   "id shortcut",
			filter: store.ByID("u1"),
			want:   `id = $2`,
			args:   []any{"u1"},
		},
		{
			name:   "text search",
			filter: store.Text("analytical engines"),
			want:   `to_tsvector('simple', doc::text) @@ plainto_tsquery('simple', $2)`,
			args:   []any{"analytical engines"},
		},
		{
			name:   "or of equalities",
			filter: store.Or(store.Eq("email", "a@b.c"), store.Eq("username", "ada")),
			want:   `(doc #> '{email}' = $2::jsonb or doc #> '{username}' = $3::jsonb)`,
			args:   []any{`"a@b.c"`, `"ada"`},
		},
		{
			name:   "tenant clause",
			filter: store.InMembership("m1", store.Eq("slug", "editor")),
			want:   `(membership_id = $2 and doc #> '{slug}' = $3::jsonb)`,
			args:   []any{"m1", `"editor"`},
		},
	}
	for _, c := range cases {
		got, args, err := compile(c.filter, []any{"users"})
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if got != c.want {
			t.Errorf("%s: sql = %q, want %q", c.name, got, c.want)
		}
		if len(args) != len(c.args)+1 {
			t.Fatalf("%s: args = %v", c.name, args)
		}
		for i, want := range c.args {
			if args[i+1] != want {
				t.Errorf("%s: arg[%d] = %v, want %v", c.name, i+1, args[i+1], want)
			}
		}
	}
}
