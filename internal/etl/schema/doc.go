// Package schema defines the rows read from the content database and the
// documents written to Elasticsearch.
//
// # Source rows
//
// The content database is normalized: film works, persons and genres live in
// their own tables and are linked through person_film_work (with a role) and
// genre_film_work. Reading one film work with all its links yields one
// WorkRow per (person, role) or genre attachment:
//
//	id   | title  | role     | person_name | genre_name
//	-----+--------+----------+-------------+-----------
//	fw-1 | Alien  | director | R. Scott    |
//	fw-1 | Alien  | actor    | S. Weaver   |
//	fw-1 | Alien  |          |             | Sci-Fi
//
// # Documents
//
// BuildDocument collapses those rows into one MovieDocument:
//
//	{
//	  "id": "fw-1",
//	  "title": "Alien",
//	  "imdb_rating": 8.5,
//	  "genre": ["Sci-Fi"],
//	  "director": "R. Scott",
//	  "directors": [{"id": "p-1", "name": "R. Scott"}],
//	  "actors_names": "S. Weaver",
//	  "actors": [{"id": "p-2", "name": "S. Weaver"}],
//	  "writers": []
//	}
//
// Persons and genres are also indexed on their own (PersonDocument,
// GenreDocument).
package schema
