// Package db holds the SQL migrations for the submissions store.
package db

import "embed"

// Migrations contains one directory of golang-migrate files per dialect.
//
//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var Migrations embed.FS
