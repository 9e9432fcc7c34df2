package schema

// PersonDocument is stored in the persons index.
type PersonDocument struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	BirthDate string `json:"birth_date,omitempty"` // YYYY-MM-DD
}

// GenreDocument is stored in the genres index.
type GenreDocument struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// BuildPersonDocument converts a person row.
func BuildPersonDocument(p Person) *PersonDocument {
	doc := &PersonDocument{ID: p.ID, FullName: p.FullName}
	if p.BirthDate.Valid {
		doc.BirthDate = p.BirthDate.Time.Format("2006-01-02")
	}
	return doc
}

// BuildGenreDocument converts a genre row.
func BuildGenreDocument(g Genre) *GenreDocument {
	return &GenreDocument{ID: g.ID, Name: g.Name, Description: g.Description.String}
}
