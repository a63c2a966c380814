package clickhouse

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationOptions configures how migrations are executed.
type MigrationOptions struct {
	// SingleNode transforms cluster-specific SQL for single-node ClickHouse.
	// Removes ON CLUSTER clauses and converts Replicated*MergeTree to
	// non-replicated variants.
	SingleNode bool
}

// RunMigrations executes all SQL migration files from the embedded
// filesystem. Migrations run in filename order (0001_*.sql, 0002_*.sql, ...).
func RunMigrations(ctx context.Context, log *slog.Logger, conn Connection) error {
	return RunMigrationsWithOptions(ctx, log, conn, MigrationOptions{})
}

// RunMigrationsWithOptions executes migrations with configurable options.
func RunMigrationsWithOptions(ctx context.Context, log *slog.Logger, conn Connection, opts MigrationOptions) error {
	log.Info("running ClickHouse migrations")

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrationFiles []fs.DirEntry
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry)
		}
	}

	// Sort by filename to ensure correct execution order
	sort.Slice(migrationFiles, func(i, j int) bool {
		return migrationFiles[i].Name() < migrationFiles[j].Name()
	})

	if len(migrationFiles) == 0 {
		log.Warn("no migration files found")
		return nil
	}

	for _, entry := range migrationFiles {
		log.Info("executing migration", "file", entry.Name())

		content, err := migrationsFS.ReadFile(fmt.Sprintf("migrations/%s", entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		statements := splitSQLStatements(string(content))
		for i, stmt := range statements {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}

			if opts.SingleNode {
				stmt = transformForSingleNode(stmt)
			}

			if err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration %s (statement %d): %w", entry.Name(), i+1, err)
			}
		}
	}

	log.Info("all migrations completed", "count", len(migrationFiles))
	return nil
}

// splitSQLStatements splits SQL content by semicolon, handling comments and
// multi-line statements.
func splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSpace(current.String())
			if stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}

	// Handle any remaining statement without trailing semicolon
	if current.Len() > 0 {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}

	return statements
}

var (
	// Matches "ON CLUSTER sensorlake" or any cluster name with surrounding
	// whitespace.
	onClusterRegex = regexp.MustCompile(`(?i)\s*ON\s+CLUSTER\s+\w+\s*`)

	// Matches ReplicatedReplacingMergeTree with ZK path, replica, and version
	// column, e.g.
	// ReplicatedReplacingMergeTree('/clickhouse/tables/{shard}/...', '{replica}', exported_at)
	replicatedReplacingMergeTreeRegex = regexp.MustCompile(
		`(?i)ENGINE\s*=\s*ReplicatedReplacingMergeTree\s*\(\s*'[^']+'\s*,\s*'[^']+'\s*,\s*(\w+)\s*\)`,
	)

	// Matches plain ReplicatedMergeTree (no arguments)
	replicatedMergeTreeRegex = regexp.MustCompile(`(?i)ENGINE\s*=\s*ReplicatedMergeTree\b`)
)

// transformForSingleNode converts cluster-specific SQL to work with
// single-node ClickHouse:
//   - Removes ON CLUSTER clauses
//   - Converts ReplicatedMergeTree to MergeTree
//   - Converts ReplicatedReplacingMergeTree(...) to ReplacingMergeTree(version)
func transformForSingleNode(stmt string) string {
	stmt = onClusterRegex.ReplaceAllString(stmt, "\n")
	stmt = replicatedReplacingMergeTreeRegex.ReplaceAllString(stmt, "ENGINE = ReplacingMergeTree($1)")
	stmt = replicatedMergeTreeRegex.ReplaceAllString(stmt, "ENGINE = MergeTree")
	return stmt
}
