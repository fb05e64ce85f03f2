package store

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// NewPostgresStore connects to Postgres. Tables are created by migrations, not here.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// rely on migrations to create tables; just verify connectivity
	if err := d.Ping(); err != nil {
		d.Close()
		return nil, err
	}
	return newSQLStore(d, dialect{name: "postgres", numbered: true, isUniqueViolation: postgresUniqueViolation}), nil
}

func postgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
