package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrEmptySource is returned by BuildDocument when there is no row to take
// the scalar fields from.
var ErrEmptySource = errors.New("no source rows for document")

// PersonRef is a person attached to a film work in one role.
type PersonRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MovieDocument is the denormalized film work stored in the movies index.
type MovieDocument struct {
	ID          string   `json:"id"`
	IMDBRating  *float64 `json:"imdb_rating"`
	Genre       []string `json:"genre"`
	Title       string   `json:"title"`
	Description string   `json:"description"`

	// Convenience full-text fields, omitted when the role is empty.
	Director     string `json:"director,omitempty"`
	ActorsNames  string `json:"actors_names,omitempty"`
	WritersNames string `json:"writers_names,omitempty"`

	Directors []PersonRef `json:"directors"`
	Actors    []PersonRef `json:"actors"`
	Writers   []PersonRef `json:"writers"`
}

// BuildDocument aggregates the join rows of one film work.
//
// Persons are distinct by id per role; the first name seen wins, so two rows
// for the same actor with differently cased names collapse into one entry
// while two different people sharing a name stay separate. Genres are
// distinct by name. Lists are sorted so the same rows always produce the
// same document.
func BuildDocument(rows []WorkRow) (*MovieDocument, error) {
	if len(rows) == 0 {
		return nil, ErrEmptySource
	}

	first := rows[0]
	doc := &MovieDocument{
		ID:          first.WorkID,
		Title:       first.Title,
		Description: first.Description.String,
	}
	if first.Rating.Valid {
		rating := first.Rating.Float64
		doc.IMDBRating = &rating
	}

	roles := map[string]*roleGroup{
		RoleDirector: newRoleGroup(),
		RoleActor:    newRoleGroup(),
		RoleWriter:   newRoleGroup(),
	}
	genres := make(map[string]struct{})

	for _, row := range rows {
		if row.WorkID != first.WorkID {
			return nil, fmt.Errorf("rows for different works: %s and %s", first.WorkID, row.WorkID)
		}

		if row.GenreName.Valid && row.GenreName.String != "" {
			genres[row.GenreName.String] = struct{}{}
		}

		if !row.Role.Valid || !row.PersonID.Valid {
			continue
		}
		group, ok := roles[row.Role.String]
		if !ok {
			continue
		}
		group.add(row.PersonID.String, row.PersonName.String)
	}

	doc.Genre = sortedKeys(genres)
	doc.Directors = roles[RoleDirector].refs()
	doc.Actors = roles[RoleActor].refs()
	doc.Writers = roles[RoleWriter].refs()

	doc.Director = joinNames(distinctNames(doc.Directors))
	doc.ActorsNames = joinNames(names(doc.Actors))
	doc.WritersNames = joinNames(names(doc.Writers))

	return doc, nil
}

type roleGroup struct {
	byID map[string]string
}

func newRoleGroup() *roleGroup {
	return &roleGroup{byID: make(map[string]string)}
}

func (g *roleGroup) add(id, name string) {
	if _, seen := g.byID[id]; seen {
		return
	}
	g.byID[id] = name
}

func (g *roleGroup) refs() []PersonRef {
	out := make([]PersonRef, 0, len(g.byID))
	for id, name := range g.byID {
		out = append(out, PersonRef{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func names(refs []PersonRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Name)
	}
	return out
}

// distinctNames drops repeated names; directors have no stable order in the
// source, so only the set of names matters.
func distinctNames(refs []PersonRef) []string {
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r.Name]; ok {
			continue
		}
		seen[r.Name] = struct{}{}
		out = append(out, r.Name)
	}
	return out
}

func joinNames(names []string) string {
	return strings.Join(names, ", ")
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
