// Package store provides the ledger backends: memory, bbolt, SQL
// (sqlite, postgres, mysql) and DynamoDB.
package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/yairfalse/curfew/internal/config"
	"github.com/yairfalse/curfew/internal/ledger"
)

// Backend is a warning ledger plus identity cache behind one connection.
type Backend interface {
	ledger.Ledger
	ledger.IdentityStore
	Close() error
}

// Open creates the backend named by cfg.Backend. awsCfg is only used by
// the dynamodb backend.
func Open(ctx context.Context, cfg config.StoreConfig, awsCfg aws.Config) (Backend, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "bolt":
		return NewBoltStore(cfg.Path)
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	case "mysql":
		return OpenMySQL(ctx, cfg.DSN)
	case "dynamodb":
		return NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.WarningsTable, cfg.UsersTable), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
