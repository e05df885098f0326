// Package datasource is the agent's view of the customer database.
//
// SQL implements dispatch.DataAccess over database/sql. Two drivers are
// supported, selected by database.driver:
//
//   - "sqlite" via modernc.org/sqlite (pure Go, no cgo)
//   - "postgres" via github.com/jackc/pgx/v5/stdlib
//
// The dialects differ only in placeholder style, table qualification and the
// catalog queries used for introspection. Identifiers are always double-quoted.
package datasource
