package db

import "errors"

var (
	ErrFailedToParseConfig = errors.New("db: failed to parse connection string")
	ErrFailedToConnect     = errors.New("db: failed to open connection")
	ErrHealthcheckFailed   = errors.New("db: healthcheck failed")
	ErrSetDialect          = errors.New("db: failed to set migration dialect")
	ErrApplyMigrations     = errors.New("db: failed to apply migrations")
)
