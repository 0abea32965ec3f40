// Package service is the process-wide backup orchestrator. It owns the
// exporter, the importer and the download state machine, and makes sure
// only one backup operation touches the store at a time.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophbackup/internal/backup"
	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/dmitrijs2005/gophbackup/internal/cryptox"
	"github.com/dmitrijs2005/gophbackup/internal/download"
	"github.com/dmitrijs2005/gophbackup/internal/filex"
	"github.com/dmitrijs2005/gophbackup/internal/logging"
	"github.com/dmitrijs2005/gophbackup/internal/models"
	"github.com/dmitrijs2005/gophbackup/internal/remote"
	"github.com/dmitrijs2005/gophbackup/internal/store"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
)

const restoredKey = "restored_from_backup"

// operationDownload covers the whole download, including its import.
const operationDownload backup.Operation = "download"

var ErrNoObjectStore = errors.New("no object store configured")

// Refresher renews the credentials used against the object store.
type Refresher interface {
	Refresh(ctx context.Context) (remote.Credentials, error)
}

// Syncer brings local state up to date with the remote service. Upload
// waits for it before exporting.
type Syncer interface {
	Sync(ctx context.Context) error
}

type Config struct {
	// BackupName is the object key of this account's backup.
	BackupName string
	// WorkDir holds temporary exports and partial downloads.
	WorkDir         string
	Level           backup.Level
	RefreshInterval time.Duration
	UploadAttempts  uint64
	BatchSize       int
	AllowPlaintext  bool
}

// Deps are the collaborators of a Service. Objects, Credentials and Syncer
// may be nil.
type Deps struct {
	Store       *store.Store
	Objects     remote.ObjectStore
	Credentials Refresher
	Syncer      Syncer
	Keys        cryptox.KeyProvider
	Logger      logging.Logger
}

type Service struct {
	cfg     Config
	store   *store.Store
	objects remote.ObjectStore
	creds   Refresher
	syncer  Syncer
	log     logging.Logger

	exporter  *backup.Exporter
	importer  *backup.Importer
	downloads *download.Machine
	batcher   *store.Batcher

	mu      sync.Mutex
	active  backup.Operation
	users   int
	started bool
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Logger.With("module", "backup_service")
	run := backup.NewRunState()
	opts := backup.Options{AllowPlaintext: cfg.AllowPlaintext}

	// a nil *HTTPStore must not reach the exporter as a non-nil interface
	var media backup.MediaLister
	var source download.Source
	if deps.Objects != nil {
		media = deps.Objects
		source = deps.Objects
	}

	s := &Service{
		cfg:      cfg,
		store:    deps.Store,
		objects:  deps.Objects,
		creds:    deps.Credentials,
		syncer:   deps.Syncer,
		log:      log,
		exporter: backup.NewExporter(deps.Store.Records, media, deps.Store.Media, deps.Keys, run, deps.Logger, opts),
		importer: backup.NewImporter(deps.Store, deps.Keys, run, deps.Logger, opts),
		batcher:  store.NewBatcher(deps.Store, cfg.BatchSize),
	}
	s.downloads = download.New(source, s.importer, deps.Store.Metadata, deps.Logger)
	return s
}

// Start schedules the periodic credentials refresh. Calling it again is a
// no-op. The refresh stops when ctx is done or Close is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.log.Info(ctx, "backup service already started")
		return
	}
	s.started = true

	if s.creds == nil || s.cfg.RefreshInterval <= 0 {
		return
	}

	ctx, s.stop = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.refreshLoop(ctx)
	}()
}

func (s *Service) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	s.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Service) refresh(ctx context.Context) {
	creds, err := s.creds.Refresh(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn(ctx, "failed to refresh backup credentials", "error", err)
		}
		return
	}
	s.log.Debug(ctx, "backup credentials refreshed", "cdn", creds.CdnNumber, "expires_at", creds.ExpiresAt)
}

// Close stops the refresh loop and flushes pending writes.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.wg.Wait()
	return s.flush(ctx)
}

// AddRecord queues a record for the local store.
func (s *Service) AddRecord(ctx context.Context, rec models.Record) error {
	return s.batcher.Add(ctx, rec)
}

// flush drains queued record writes before they are exported.
func (s *Service) flush(ctx context.Context) error {
	if n := s.batcher.Pending(); n > 0 {
		s.log.Debug(ctx, "flushing pending records", "count", n)
	}
	return s.batcher.Flush(ctx)
}

// acquire marks op as running. Downloads may overlap each other since the
// state machine aborts the older one; anything else is rejected while
// another operation runs.
func (s *Service) acquire(ctx context.Context, op backup.Operation) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.users > 0 && (s.active != op || op != operationDownload) {
		s.log.Error(ctx, "backup operation rejected", "running", s.active, "requested", op)
		return nil, fmt.Errorf("%w: %s in progress", common.ErrAlreadyRunning, s.active)
	}
	s.active = op
	s.users++

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.users--
			if s.users == 0 {
				s.active = backup.OperationIdle
			}
		})
	}, nil
}

// Upload exports a ciphertext backup to a temporary file and uploads it.
// The temporary file is removed whatever happens.
func (s *Service) Upload(ctx context.Context) (size int64, err error) {
	if s.objects == nil {
		return 0, ErrNoObjectStore
	}

	release, err := s.acquire(ctx, backup.OperationExport)
	if err != nil {
		return 0, err
	}
	defer release()

	if s.syncer != nil {
		if err := s.syncer.Sync(ctx); err != nil {
			return 0, fmt.Errorf("sync before upload: %w", err)
		}
	}
	if err := s.flush(ctx); err != nil {
		return 0, fmt.Errorf("flush pending writes: %w", err)
	}

	dir, err := filex.EnsureSubdDir(s.cfg.WorkDir)
	if err != nil {
		return 0, err
	}
	path := filepath.Join(dir, "backup-"+uuid.NewString()+".tmp")
	defer func() {
		err = multierr.Append(err, filex.RemoveIfExists(path))
	}()

	size, err = s.exportFile(ctx, path, s.cfg.Level, backup.TypeCiphertext)
	if err != nil {
		return 0, err
	}

	if err := s.upload(ctx, path, size); err != nil {
		return 0, err
	}
	s.log.Info(ctx, "backup uploaded", "key", s.cfg.BackupName, "bytes", size)
	return size, nil
}

func (s *Service) upload(ctx context.Context, path string, size int64) error {
	attempts := s.cfg.UploadAttempts
	if attempts == 0 {
		attempts = 1
	}
	b := retry.WithMaxRetries(attempts-1, retry.NewExponential(200*time.Millisecond))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		err = s.objects.Upload(ctx, s.cfg.BackupName, f, size)
		if err == nil {
			return nil
		}
		if permanent(err) {
			return err
		}
		s.log.Warn(ctx, "upload failed, retrying", "error", err)
		return retry.RetryableError(err)
	})
}

// permanent reports upload errors that another attempt will not fix.
func permanent(err error) bool {
	var se *remote.StatusError
	if errors.As(err, &se) {
		return se.Code < http.StatusInternalServerError && se.Code != http.StatusTooManyRequests
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Service) exportFile(ctx context.Context, path string, level backup.Level, typ backup.Type) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create backup file: %w", err)
	}
	n, err := s.exporter.Export(ctx, f, level, typ)
	err = multierr.Append(err, f.Close())
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ExportToDisk writes a backup to path and returns its size. Ciphertext
// backups are read back through both import passes before returning. The
// file is removed when either step fails.
func (s *Service) ExportToDisk(ctx context.Context, path string, level backup.Level, typ backup.Type) (n int64, err error) {
	release, err := s.acquire(ctx, backup.OperationExport)
	if err != nil {
		return 0, err
	}
	defer release()

	if err := s.flush(ctx); err != nil {
		return 0, fmt.Errorf("flush pending writes: %w", err)
	}

	defer func() {
		if err != nil {
			err = multierr.Append(err, filex.RemoveIfExists(path))
		}
	}()

	n, err = s.exportFile(ctx, path, level, typ)
	if err != nil {
		return 0, err
	}

	if typ == backup.TypeCiphertext {
		if _, err := s.importer.Validate(ctx, backup.ImportRequest{Open: backup.FileSource(path), Type: typ}); err != nil {
			return 0, fmt.Errorf("validate backup: %w", err)
		}
	}
	s.log.Info(ctx, "backup written", "path", path, "bytes", n, "level", level, "type", typ)
	return n, nil
}

type ImportOptions struct {
	Type       backup.Type
	Ephemeral  []byte
	OnProgress backup.ProgressFunc
}

// ImportFromDisk restores the backup at path into the local store.
func (s *Service) ImportFromDisk(ctx context.Context, path string, opts ImportOptions) (backup.ImportResult, error) {
	release, err := s.acquire(ctx, backup.OperationImport)
	if err != nil {
		return backup.ImportResult{}, err
	}
	defer release()

	return s.importer.Import(ctx, backup.ImportRequest{
		Open:       backup.FileSource(path),
		Type:       opts.Type,
		Ephemeral:  opts.Ephemeral,
		OnProgress: opts.OnProgress,
	})
}

// Download fetches and restores this account's backup. It reports whether
// anything was restored and remembers the answer in the store. Failed
// attempts are published on Prompts. A restore that committed is reported
// as restored even when an error is returned alongside.
func (s *Service) Download(ctx context.Context, opts ImportOptions) (bool, error) {
	if s.objects == nil {
		return false, ErrNoObjectStore
	}

	release, err := s.acquire(ctx, operationDownload)
	if err != nil {
		return false, err
	}
	defer release()

	dir, err := filex.EnsureSubdDir(s.cfg.WorkDir)
	if err != nil {
		return false, err
	}

	res, err := s.downloads.Run(ctx, download.Request{
		Key:        s.cfg.BackupName,
		Path:       filepath.Join(dir, s.cfg.BackupName+".partial"),
		Type:       opts.Type,
		Ephemeral:  opts.Ephemeral,
		OnProgress: opts.OnProgress,
	})
	if err != nil && !res.Restored {
		return false, err
	}

	flag := []byte("0")
	if res.Restored {
		flag = []byte("1")
	}
	return res.Restored, multierr.Append(err, s.store.Metadata.Set(ctx, restoredKey, flag))
}

// RestoredFromBackup reports whether the last download restored a backup.
func (s *Service) RestoredFromBackup(ctx context.Context) (bool, error) {
	v, err := s.store.Metadata.Get(ctx, restoredKey)
	if err != nil {
		return false, err
	}
	return string(v) == "1", nil
}

// Prompts delivers download failures that need a retry or cancel decision.
func (s *Service) Prompts() <-chan *download.Prompt {
	return s.downloads.Prompts()
}

// Abort stops the active download.
func (s *Service) Abort() {
	s.downloads.Abort()
}
