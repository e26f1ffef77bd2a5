package consts

// MigrationAdvisoryLockID is the PostgreSQL advisory lock held while
// mailgate-admin applies schema migrations, so that two operators (or an
// auto-migrating gateway) never run them concurrently.
const MigrationAdvisoryLockID = 47120993
