// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: FOR UPDATE SKIP LOCKED claims, compare-and-set stuck job
// recovery, upsert-increment AI usage records, embedded SQL migrations.
package postgres
