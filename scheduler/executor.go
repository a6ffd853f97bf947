package scheduler

import (
	"context"
	"fmt"

	"github.com/LandMarkVisits/FlowKit/cache"
	"github.com/LandMarkVisits/FlowKit/warehouse"
)

// Executor materialises a single query result in the warehouse.
type Executor interface {
	// Exists reports whether the id's target relation is already
	// materialised.
	Exists(ctx context.Context, id string) (bool, error)

	// Materialise runs CREATE TABLE AS for the id. Cancelling the context
	// cancels the warehouse statement.
	Materialise(ctx context.Context, id string, sql string) error

	// Drop removes the id's relation, rolling back a partial
	// materialisation.
	Drop(ctx context.Context, id string) error

	// Relation returns the qualified relation name results for the id are
	// written to.
	Relation(id string) string
}

// WarehouseExecutor materialises results as tables in the cache schema.
type WarehouseExecutor struct {
	db *warehouse.DB
}

// NewWarehouseExecutor wraps a warehouse connection pool.
func NewWarehouseExecutor(db *warehouse.DB) *WarehouseExecutor {
	return &WarehouseExecutor{db: db}
}

func (e *WarehouseExecutor) Exists(ctx context.Context, id string) (bool, error) {
	return e.db.TableExists(ctx, cache.Schema, cache.TableName(id))
}

func (e *WarehouseExecutor) Materialise(ctx context.Context, id string, sql string) error {
	return e.db.CreateTableAs(ctx, cache.Schema, cache.TableName(id), sql)
}

func (e *WarehouseExecutor) Drop(ctx context.Context, id string) error {
	return e.db.DropTable(ctx, cache.Schema, cache.TableName(id))
}

func (e *WarehouseExecutor) Relation(id string) string {
	return fmt.Sprintf("%s.%s", cache.Schema, cache.TableName(id))
}
