package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"user-auth/internal/storage"
)

// SnapshotFunc writes a consistent copy of the user database to dest.
type SnapshotFunc func(ctx context.Context, dest string) error

// Runner copies the user database to object storage, on demand or periodically.
type Runner interface {
	Start(ctx context.Context) error
	Shutdown()
	RunOnce(ctx context.Context) (string, error)
	List(ctx context.Context) ([]storage.ObjectInfo, error)
}

type Config struct {
	Bucket    string
	KeyPrefix string
	Interval  time.Duration
	TempDir   string
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

type runner struct {
	cfg      Config
	snapshot SnapshotFunc
	storage  storage.Service

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

func NewRunner(cfg Config, snapshot SnapshotFunc, store storage.Service) Runner {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	cfg.KeyPrefix = strings.Trim(cfg.KeyPrefix, "/")
	return &runner{
		cfg:      cfg,
		snapshot: snapshot,
		storage:  store,
	}
}

// Start launches the periodic loop. It is a no-op when no interval is configured.
func (r *runner) Start(ctx context.Context) error {
	if r.cfg.Interval <= 0 {
		return nil
	}
	if r.cfg.Bucket == "" {
		return errors.New("backup bucket is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("backup runner already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.loop(loopCtx)

	r.cfg.Logger.Infof("backup runner started, interval %s", r.cfg.Interval)
	return nil
}

func (r *runner) Shutdown() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.cfg.Logger.Info("backup runner stopped")
}

func (r *runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			location, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.cfg.Logger.WithError(err).Warn("backup failed")
				continue
			}
			r.cfg.Logger.Infof("backup uploaded to %s", location)
		}
	}
}

// RunOnce snapshots the database and uploads it, returning the object location.
func (r *runner) RunOnce(ctx context.Context) (string, error) {
	if r.cfg.Bucket == "" {
		return "", errors.New("backup bucket is required")
	}

	dir, err := os.MkdirTemp(r.cfg.TempDir, "user-auth-backup-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, "users.db")
	if err := r.snapshot(ctx, local); err != nil {
		return "", fmt.Errorf("snapshot database: %w", err)
	}

	key := r.objectKey(r.cfg.Now())
	location, err := r.storage.UploadFile(ctx, local, storage.UploadOptions{
		Bucket: r.cfg.Bucket,
		Key:    key,
	})
	if err != nil {
		return "", err
	}
	return location, nil
}

func (r *runner) List(ctx context.Context) ([]storage.ObjectInfo, error) {
	prefix := ""
	if r.cfg.KeyPrefix != "" {
		prefix = r.cfg.KeyPrefix + "/"
	}
	return r.storage.ListObjects(ctx, r.cfg.Bucket, prefix)
}

func (r *runner) objectKey(ts time.Time) string {
	name := fmt.Sprintf("users-%s.db", ts.UTC().Format("20060102T150405Z"))
	if r.cfg.KeyPrefix == "" {
		return name
	}
	return path.Join(r.cfg.KeyPrefix, name)
}
