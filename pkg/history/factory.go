package history

import (
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// NewSinkFromDSN picks a sink by DSN:
//   - "postgres://..." or "postgresql://..." for PostgreSQL
//   - "sqlite://...", "file:..." or a bare path for SQLite
func NewSinkFromDSN(dsn string) (Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.NewValidationError("empty history DSN", nil)
	}

	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return NewPostgresSink(dsn)
	case strings.HasPrefix(lower, "sqlite://"), !strings.Contains(dsn, "://"):
		return NewSQLiteSink(dsn)
	}
	return nil, errors.NewValidationError("unsupported history DSN: "+dsn, nil)
}
