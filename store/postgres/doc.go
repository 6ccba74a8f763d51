// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: SKIP LOCKED job claims, transaction-scoped advisory locks
// for instance and correlator keys, embedded SQL migrations.
package postgres
