package schema

import (
	"database/sql"
	"time"
)

// Roles a person can have in a film work.
const (
	RoleDirector = "director"
	RoleActor    = "actor"
	RoleWriter   = "writer"
)

// ChangeRecord is one row returned by a change-detection query.
type ChangeRecord struct {
	ID         string
	ModifiedAt time.Time
}

// WorkRow is one row of the film work denormalization join. Link columns are
// NULL when the work has no person or genre attached.
type WorkRow struct {
	WorkID      string
	Title       string
	Description sql.NullString
	Rating      sql.NullFloat64
	Role        sql.NullString
	PersonID    sql.NullString
	PersonName  sql.NullString
	GenreID     sql.NullString
	GenreName   sql.NullString
}

// Person is a row of the person table.
type Person struct {
	ID         string
	FullName   string
	BirthDate  sql.NullTime
	ModifiedAt time.Time
}

// Genre is a row of the genre table.
type Genre struct {
	ID          string
	Name        string
	Description sql.NullString
	ModifiedAt  time.Time
}
