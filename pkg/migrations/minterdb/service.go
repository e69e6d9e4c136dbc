// Package minterdb holds all the migrations for the minter database
package minterdb

import (
	"github.com/uptrace/bun/migrate"
)

// Migrations is the collection of all migrations for the minter database
var Migrations = migrate.NewMigrations()
