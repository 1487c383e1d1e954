package postgres

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schema string

// Migrate creates the tables, views and functions the service expects. It is
// idempotent.
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", classify(err))
	}
	c.logger.Info("database schema applied")
	return nil
}
