package consts

// MigrationAdvisoryLockID is a unique integer used for a PostgreSQL advisory
// lock to ensure that only one marketdb instance or admin tool applies schema
// migrations at a time.
const MigrationAdvisoryLockID = 58210347 // A randomly chosen integer

// BackupAdvisoryLockID serializes backup and restore runs against the same
// database. A restore must never overlap another restore or backup.
const BackupAdvisoryLockID = 58210348
