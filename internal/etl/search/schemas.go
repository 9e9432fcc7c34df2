package search

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Index kinds with an embedded schema.
const (
	KindMovies  = "movies"
	KindPersons = "persons"
	KindGenres  = "genres"
)

//go:embed schemas/*.json
var embeddedSchemas embed.FS

// LoadSchema returns the settings and mappings body for kind. A file
// <dir>/<kind>.json takes precedence over the embedded default.
func LoadSchema(dir, kind string) ([]byte, error) {
	file := kind + ".json"

	if dir != "" {
		data, err := os.ReadFile(filepath.Join(dir, file))
		switch {
		case err == nil:
			if !json.Valid(data) {
				return nil, fmt.Errorf("schema %s in %s is not valid JSON", kind, dir)
			}
			return data, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read schema %s: %w", kind, err)
		}
	}

	data, err := embeddedSchemas.ReadFile("schemas/" + file)
	if err != nil {
		return nil, fmt.Errorf("no schema for index kind %q", kind)
	}
	return data, nil
}
