// Package church holds the ingestion domain model (churches, scraping sessions,
// scraping errors and URL validation results) together with the pure merge rules
// shared by every store: IsSameEntity decides identity and Coalesce applies a
// non-destructive partial update. This package must not import database drivers.
package church
