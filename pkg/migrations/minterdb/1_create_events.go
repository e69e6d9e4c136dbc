package minterdb

import (
	"context"
	"log"

	mghelper "github.com/chainsafe/evm-minter/pkg/pgutil/migrations"
	"github.com/chainsafe/evm-minter/pkg/store"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating events table...")
		if err := mghelper.CreateSchema(ctx, db, &store.EventDao{}); err != nil {
			return err
		}
		// Create indexes
		return mghelper.CreateModelIndexes(ctx, db, &store.EventDao{}, "event_type")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping events table...")
		return mghelper.DropTables(ctx, db, &store.EventDao{})
	})
}
