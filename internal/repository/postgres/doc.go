// Package postgres implements the persistence interfaces declared by the
// service packages against PostgreSQL via database/sql and lib/pq. Each
// repository owns one table; queries are plain SQL, and sql.ErrNoRows is
// translated to the owning service's sentinel error at this boundary.
package postgres
