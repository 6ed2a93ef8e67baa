package datastore

import (
	"context"
	"strings"

	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
)

// Open 按 DSN 选择后端：postgres:// 或 postgresql:// 走 PostgreSQL，其余视为 SQLite 文件路径
func Open(ctx context.Context, dsn string) (inter.DataStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewDataStorePgx(ctx, dsn)
	}
	return NewDataStoreSql(dsn)
}
