// Command authctl performs administrative tasks against the user store:
// enabling or disabling accounts and backing the database up to S3.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"user-auth/internal/backup"
	"user-auth/internal/config"
	"user-auth/internal/repository"
	"user-auth/internal/repository/sqlite"
	"user-auth/internal/storage"
)

const usage = `usage: authctl <command> [args]

commands:
  disable <username>   reject the user's tokens on the next request
  enable <username>    re-activate a disabled user
  backup               upload a snapshot of the database to the backup bucket
  backups              list uploaded snapshots
`

var newStorage = func(ctx context.Context, cfg config.Config) (storage.Service, error) {
	return storage.NewS3ServiceFromOptions(ctx, storage.AWSOptions{
		Region:   cfg.Backup.Region,
		Endpoint: cfg.Backup.Endpoint,
		Profile:  cfg.AWS.Profile,
	})
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Args[1:], os.Stdout, logger); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(os.Stderr, err)
			os.Exit(2)
		}
		logger.Fatal(err)
	}
}

// printUsage writes the usage text, preceded by err unless it is a bare
// help request.
func printUsage(w io.Writer, err error) {
	if err != nil && err != flag.ErrHelp {
		fmt.Fprintf(w, "authctl: %v\n\n", err)
	}
	fmt.Fprint(w, usage)
}

func run(ctx context.Context, cfg config.Config, args []string, out io.Writer, logger logrus.FieldLogger) error {
	flags := flag.NewFlagSet("authctl", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	dbPath := flags.String("db", cfg.Database.Path, "path to the sqlite database")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return flag.ErrHelp
	}

	cmd, rest := flags.Arg(0), flags.Args()[1:]
	switch cmd {
	case "disable", "enable":
		if len(rest) != 1 {
			return fmt.Errorf("%s: exactly one username is required", cmd)
		}
		return setDisabled(ctx, *dbPath, rest[0], cmd == "disable", out, logger)
	case "backup", "backups":
		if cfg.Backup.Bucket == "" {
			return errors.New("backup.bucket is not configured")
		}
		store, err := newStorage(ctx, cfg)
		if err != nil {
			return fmt.Errorf("setup backup storage: %w", err)
		}
		if cmd == "backup" {
			return runBackup(ctx, cfg, *dbPath, store, out, logger)
		}
		return listBackups(ctx, cfg, store, out)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, flag.ErrHelp)
	}
}

// openExisting opens dbPath without letting the driver create a fresh
// database in its place.
func openExisting(dbPath string) (*sqlx.DB, error) {
	fi, err := os.Stat(dbPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("database not found: %s", dbPath)
		}
		return nil, fmt.Errorf("stat database: %w", err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("database path is a directory: %s", dbPath)
	}
	return sqlite.Open(dbPath)
}

func setDisabled(ctx context.Context, dbPath, username string, disabled bool, out io.Writer, logger logrus.FieldLogger) error {
	db, err := openExisting(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := sqlite.Migrate(ctx, db, logger); err != nil {
		return err
	}

	if err := sqlite.NewUserRepository(db).SetDisabled(ctx, username, disabled); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return fmt.Errorf("user %q not found", username)
		}
		return err
	}

	state := "enabled"
	if disabled {
		state = "disabled"
	}
	fmt.Fprintf(out, "%s %s\n", username, state)
	return nil
}

func runBackup(ctx context.Context, cfg config.Config, dbPath string, store storage.Service, out io.Writer, logger logrus.FieldLogger) error {
	db, err := openExisting(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	runner := backup.NewRunner(backup.Config{
		Bucket:    cfg.Backup.Bucket,
		KeyPrefix: cfg.Backup.KeyPrefix,
		Logger:    logger,
	}, func(ctx context.Context, dest string) error {
		return sqlite.Snapshot(ctx, db, dest)
	}, store)

	location, err := runner.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, location)
	return nil
}

func listBackups(ctx context.Context, cfg config.Config, store storage.Service, out io.Writer) error {
	runner := backup.NewRunner(backup.Config{
		Bucket:    cfg.Backup.Bucket,
		KeyPrefix: cfg.Backup.KeyPrefix,
	}, nil, store)

	objects, err := runner.List(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSIZE\tLAST MODIFIED")
	for _, obj := range objects {
		modified := "-"
		if obj.LastModified != nil {
			modified = obj.LastModified.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", obj.Key, obj.Size, modified)
	}
	return tw.Flush()
}
