// Package store defines interfaces for the ingestion persistence layer (schema
// bootstrap, sessions, church merge writes, validations and read queries).
// Implementations live in other packages; this package must not import database
// drivers or concrete clients.
package store
