package db_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/cinemaindex/pgsync/internal/etl/db"
	"github.com/cinemaindex/pgsync/internal/etl/db/dbtest"
	"github.com/cinemaindex/pgsync/internal/etl/schema"
	"github.com/cinemaindex/pgsync/internal/retry"
)

func ids(recs []schema.ChangeRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := db.Open(context.Background(), &db.Config{Driver: "mysql"}, dbtest.Policy(), nil)
	if err == nil {
		t.Fatal("expected an error for an unsupported driver")
	}
}

func TestInitSchemaIdempotent(t *testing.T) {
	store := dbtest.Open(t)
	if err := store.InitSchema(context.Background()); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

func TestChangedSinceOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	store := dbtest.Open(t)

	dbtest.Work(t, store, "fw-c", "C", 7, dbtest.At(3))
	dbtest.Work(t, store, "fw-a", "A", 7, dbtest.At(1))
	dbtest.Work(t, store, "fw-b", "B", 7, dbtest.At(2))
	dbtest.Work(t, store, "fw-d", "D", 7, dbtest.At(2))

	recs, err := store.ChangedSince(ctx, db.FilmWork, dbtest.At(0), 3)
	if err != nil {
		t.Fatalf("ChangedSince() failed: %v", err)
	}
	if got, want := ids(recs), []string{"fw-a", "fw-b", "fw-d"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ids = %v, want %v", got, want)
	}
	if !recs[0].ModifiedAt.Equal(dbtest.At(1)) {
		t.Errorf("ModifiedAt = %v, want %v", recs[0].ModifiedAt, dbtest.At(1))
	}

	// Strictly after: a row at exactly since is not returned.
	recs, err = store.ChangedSince(ctx, db.FilmWork, dbtest.At(2), 10)
	if err != nil {
		t.Fatalf("ChangedSince() failed: %v", err)
	}
	if got, want := ids(recs), []string{"fw-c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ids = %v, want %v", got, want)
	}
}

func TestChangedSinceUnknownEntity(t *testing.T) {
	store := dbtest.Open(t)
	if _, err := store.ChangedSince(context.Background(), db.Entity("users"), dbtest.Base, 10); err == nil {
		t.Fatal("expected an error for an unknown entity")
	}
}

func TestChangedAt(t *testing.T) {
	ctx := context.Background()
	store := dbtest.Open(t)

	for _, id := range []string{"p-3", "p-1", "p-2"} {
		dbtest.Person(t, store, id, id, dbtest.At(5))
	}
	dbtest.Person(t, store, "p-4", "p-4", dbtest.At(6))

	recs, err := store.ChangedAt(ctx, db.Person, dbtest.At(5))
	if err != nil {
		t.Fatalf("ChangedAt() failed: %v", err)
	}
	if got, want := ids(recs), []string{"p-1", "p-2", "p-3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ids = %v, want %v", got, want)
	}
}

func TestMaxModified(t *testing.T) {
	ctx := context.Background()
	store := dbtest.Open(t)

	_, ok, err := store.MaxModified(ctx, db.Genre)
	if err != nil {
		t.Fatalf("MaxModified() failed: %v", err)
	}
	if ok {
		t.Error("expected no max for an empty table")
	}

	dbtest.Genre(t, store, "g-1", "Drama", dbtest.At(4))
	dbtest.Genre(t, store, "g-2", "Horror", dbtest.At(9))

	at, ok, err := store.MaxModified(ctx, db.Genre)
	if err != nil {
		t.Fatalf("MaxModified() failed: %v", err)
	}
	if !ok || !at.Equal(dbtest.At(9)) {
		t.Errorf("MaxModified() = %v, %v; want %v, true", at, ok, dbtest.At(9))
	}
}

func TestAffectedWorksDistinctAndPaged(t *testing.T) {
	ctx := context.Background()
	store := dbtest.Open(t)

	dbtest.Person(t, store, "p-1", "Actor One", dbtest.At(0))
	dbtest.Person(t, store, "p-2", "Actor Two", dbtest.At(0))
	for i, id := range []string{"fw-1", "fw-2", "fw-3", "fw-4", "fw-5"} {
		dbtest.Work(t, store, id, id, 5, dbtest.At(i+1))
		dbtest.Cast(t, store, id, "p-1", schema.RoleActor)
	}
	// fw-2 links to both persons, in two roles: it must appear once.
	dbtest.Cast(t, store, "fw-2", "p-2", schema.RoleActor)
	dbtest.Cast(t, store, "fw-2", "p-2", schema.RoleDirector)
	dbtest.Work(t, store, "fw-x", "Unrelated", 5, dbtest.At(3))

	var all []string
	var cursor db.Cursor
	for pages := 0; pages < 10; pages++ {
		page, err := store.AffectedWorks(ctx, db.Person, []string{"p-1", "p-2"}, cursor, 2)
		if err != nil {
			t.Fatalf("AffectedWorks() failed: %v", err)
		}
		all = append(all, ids(page)...)
		if len(page) < 2 {
			break
		}
		last := page[len(page)-1]
		cursor = db.Cursor{ModifiedAt: last.ModifiedAt, ID: last.ID}
	}

	want := []string{"fw-1", "fw-2", "fw-3", "fw-4", "fw-5"}
	if !reflect.DeepEqual(all, want) {
		t.Errorf("affected = %v, want %v", all, want)
	}
}

func TestAffectedWorksSameTimestampAcrossPages(t *testing.T) {
	ctx := context.Background()
	store := dbtest.Open(t)

	dbtest.Genre(t, store, "g-1", "Drama", dbtest.At(0))
	for _, id := range []string{"fw-a", "fw-b", "fw-c"} {
		dbtest.Work(t, store, id, id, 5, dbtest.At(1))
		dbtest.Tag(t, store, id, "g-1")
	}

	first, err := store.AffectedWorks(ctx, db.Genre, []string{"g-1"}, db.Cursor{}, 2)
	if err != nil {
		t.Fatalf("AffectedWorks() failed: %v", err)
	}
	last := first[len(first)-1]
	second, err := store.AffectedWorks(ctx, db.Genre, []string{"g-1"}, db.Cursor{ModifiedAt: last.ModifiedAt, ID: last.ID}, 2)
	if err != nil {
		t.Fatalf("AffectedWorks() failed: %v", err)
	}

	got := append(ids(first), ids(second)...)
	if want := []string{"fw-a", "fw-b", "fw-c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("affected = %v, want %v", got, want)
	}
}

func TestAffectedWorksEmptyIDs(t *testing.T) {
	store := dbtest.Open(t)
	recs, err := store.AffectedWorks(context.Background(), db.Person, nil, db.Cursor{}, 10)
	if err != nil || recs != nil {
		t.Errorf("AffectedWorks(nil) = %v, %v; want nil, nil", recs, err)
	}
	if _, err := store.AffectedWorks(context.Background(), db.FilmWork, []string{"x"}, db.Cursor{}, 10); err == nil {
		t.Error("expected an error for film_work, which has no link table")
	}
}

func TestWorkRowsDenormalizes(t *testing.T) {
	ctx := context.Background()
	store := dbtest.Open(t)

	dbtest.Work(t, store, "fw-1", "Alien", 8.5, dbtest.At(1))
	dbtest.Work(t, store, "fw-2", "Bare", 6, dbtest.At(1))
	dbtest.Person(t, store, "p-1", "Ridley Scott", dbtest.At(0))
	dbtest.Person(t, store, "p-2", "Sigourney Weaver", dbtest.At(0))
	dbtest.Genre(t, store, "g-1", "Horror", dbtest.At(0))
	dbtest.Genre(t, store, "g-2", "Sci-Fi", dbtest.At(0))
	dbtest.Cast(t, store, "fw-1", "p-1", schema.RoleDirector)
	dbtest.Cast(t, store, "fw-1", "p-2", schema.RoleActor)
	dbtest.Tag(t, store, "fw-1", "g-1")
	dbtest.Tag(t, store, "fw-1", "g-2")

	rows, err := store.WorkRows(ctx, []string{"fw-1", "fw-2", "fw-missing"})
	if err != nil {
		t.Fatalf("WorkRows() failed: %v", err)
	}
	if _, ok := rows["fw-missing"]; ok {
		t.Error("missing work should be absent")
	}
	// Two persons times two genres.
	if len(rows["fw-1"]) != 4 {
		t.Errorf("expected 4 join rows for fw-1, got %d", len(rows["fw-1"]))
	}

	doc, err := schema.BuildDocument(rows["fw-1"])
	if err != nil {
		t.Fatalf("BuildDocument() failed: %v", err)
	}
	if doc.Director != "Ridley Scott" || doc.ActorsNames != "Sigourney Weaver" {
		t.Errorf("unexpected people: director=%q actors=%q", doc.Director, doc.ActorsNames)
	}
	if !reflect.DeepEqual(doc.Genre, []string{"Horror", "Sci-Fi"}) {
		t.Errorf("unexpected genres %v", doc.Genre)
	}

	bare := rows["fw-2"]
	if len(bare) != 1 || bare[0].PersonID.Valid || bare[0].GenreName.Valid {
		t.Errorf("expected one row with null links for fw-2, got %+v", bare)
	}
}

func TestPersonsAndGenresSince(t *testing.T) {
	ctx := context.Background()
	store := dbtest.Open(t)

	dbtest.Person(t, store, "p-1", "Old", dbtest.At(1))
	dbtest.Person(t, store, "p-2", "New", dbtest.At(5))
	dbtest.Person(t, store, "p-3", "Newer", dbtest.At(5))
	if _, err := store.RawDB().Exec(`UPDATE person SET birth_date = '1949-10-08' WHERE id = 'p-2'`); err != nil {
		t.Fatalf("failed to set birth date: %v", err)
	}
	dbtest.Genre(t, store, "g-1", "Drama", dbtest.At(7))

	persons, err := store.PersonsSince(ctx, dbtest.At(1), 10)
	if err != nil {
		t.Fatalf("PersonsSince() failed: %v", err)
	}
	if len(persons) != 2 || persons[0].ID != "p-2" || persons[1].ID != "p-3" {
		t.Fatalf("unexpected persons %+v", persons)
	}
	if !persons[0].BirthDate.Valid || persons[0].BirthDate.Time.Format("2006-01-02") != "1949-10-08" {
		t.Errorf("unexpected birth date %+v", persons[0].BirthDate)
	}
	if persons[1].BirthDate.Valid {
		t.Errorf("expected null birth date, got %v", persons[1].BirthDate.Time)
	}

	tied, err := store.PersonsAt(ctx, dbtest.At(5))
	if err != nil {
		t.Fatalf("PersonsAt() failed: %v", err)
	}
	if len(tied) != 2 {
		t.Errorf("expected 2 tied persons, got %d", len(tied))
	}

	genres, err := store.GenresSince(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("GenresSince() failed: %v", err)
	}
	if len(genres) != 1 || genres[0].Name != "Drama" || !genres[0].ModifiedAt.Equal(dbtest.At(7)) {
		t.Errorf("unexpected genres %+v", genres)
	}

	genres, err = store.GenresAt(ctx, dbtest.At(7))
	if err != nil {
		t.Fatalf("GenresAt() failed: %v", err)
	}
	if len(genres) != 1 {
		t.Errorf("expected 1 genre, got %d", len(genres))
	}
}

func TestUnreadableRowIsNotRetried(t *testing.T) {
	// MaxAttempts 0 retries transient failures until the context ends.
	store := dbtest.OpenWith(t, &retry.Policy{Initial: time.Millisecond, Factor: 1, Max: time.Millisecond})
	if _, err := store.RawDB().Exec(
		`INSERT INTO film_work (id, title, description, rating, updated_at) VALUES ('fw-bad', 'Bad', '', 1, 'not a time')`,
	); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := store.ChangedSince(ctx, db.FilmWork, dbtest.At(0), 10)
	if err == nil {
		t.Fatal("expected a scan error for an unparsable updated_at")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ChangedSince() kept retrying until the deadline: %v", err)
	}
	if !strings.Contains(err.Error(), "failed to scan change") {
		t.Errorf("err = %v, want a scan failure", err)
	}
}
