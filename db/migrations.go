// Package db bundles the SQL migrations applied by goose.
package db

import "embed"

// Migrations holds the goose migration files under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory name inside Migrations.
const MigrationsDir = "migrations"
