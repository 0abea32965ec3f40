// Package cli implements the backupctl commands on top of the backup
// service.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dmitrijs2005/gophbackup/internal/backup"
	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/dmitrijs2005/gophbackup/internal/config"
	"github.com/dmitrijs2005/gophbackup/internal/cryptox"
	"github.com/dmitrijs2005/gophbackup/internal/logging"
	"github.com/dmitrijs2005/gophbackup/internal/remote"
	"github.com/dmitrijs2005/gophbackup/internal/service"
	"github.com/dmitrijs2005/gophbackup/internal/store"
	flags "github.com/jessevdk/go-flags"
	"go.uber.org/multierr"
)

// Commands lists the subcommands, so the caller can split global config
// flags from command arguments.
var Commands = []string{"export", "import", "upload", "download", "add", "status"}

type App struct {
	cfg *config.Config
	log logging.Logger
	in  *bufio.Reader
	out io.Writer

	// ctx is the context of the running command; go-flags does not pass one
	// to Execute.
	ctx   context.Context
	store *store.Store
	creds *remote.CredentialsClient
	svc   *service.Service
}

func NewApp(cfg *config.Config, log logging.Logger, in io.Reader, out io.Writer) *App {
	return &App{
		cfg: cfg,
		log: log.With("module", "cli"),
		in:  bufio.NewReader(in),
		out: &lockedWriter{w: out},
	}
}

// lockedWriter serializes progress output and prompts written from
// different goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (a *App) newParser() *flags.Parser {
	p := flags.NewNamedParser("backupctl", flags.HelpFlag|flags.PassDoubleDash)

	mustAdd := func(name, short, long string, data any) {
		if _, err := p.AddCommand(name, short, long, data); err != nil {
			panic(err)
		}
	}
	mustAdd("export", "Write a backup to a file",
		"Exports the local store to a ciphertext backup file and verifies it.", &exportCommand{app: a})
	mustAdd("import", "Restore a backup file",
		"Verifies a backup file and restores it into the local store.", &importCommand{app: a})
	mustAdd("upload", "Upload a backup to the object store", "", &uploadCommand{app: a})
	mustAdd("download", "Download and restore the backup from the object store",
		"Resumes a previous partial download when possible. Failed attempts ask whether to retry.",
		&downloadCommand{app: a})
	mustAdd("add", "Add a record to the local store", "", &addCommand{app: a})
	mustAdd("status", "Show local store status", "", &statusCommand{app: a})
	return p
}

// Run executes the command in args and releases everything it opened.
func (a *App) Run(ctx context.Context, args []string) (err error) {
	a.ctx = ctx
	defer func() {
		err = multierr.Append(err, a.close())
	}()

	_, err = a.newParser().ParseArgs(args)
	var fe *flags.Error
	if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
		fmt.Fprintln(a.out, fe.Message)
		return nil
	}
	return err
}

// open connects the store and builds the service. Keys are unlocked with a
// passphrase prompt when withKeys is set; the object store and credentials
// client are only created when withRemote is set.
func (a *App) open(withKeys, withRemote bool) (*service.Service, error) {
	st, err := store.Open(a.ctx, a.cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st

	var keys cryptox.KeyProvider
	if withKeys {
		pass, err := getPassword(a.out, "Backup passphrase: ")
		if err != nil {
			return nil, err
		}
		defer common.WipeByteArray(pass)

		provider, err := service.UnlockKeys(a.ctx, st, a.cfg.BackupName, pass)
		if err != nil {
			return nil, err
		}
		keys = provider
	}

	level, err := backup.ParseLevel(a.cfg.BackupLevel)
	if err != nil {
		return nil, err
	}

	deps := service.Deps{Store: st, Keys: keys, Logger: a.log}
	if withRemote {
		objects, err := a.objectStore()
		if err != nil {
			return nil, err
		}
		deps.Objects = objects
		if a.creds != nil {
			deps.Credentials = a.creds
			deps.Syncer = credentialsSync{a.creds}
		}
	}

	a.svc = service.New(service.Config{
		BackupName:      a.cfg.BackupName,
		WorkDir:         a.cfg.WorkDir,
		Level:           level,
		RefreshInterval: a.cfg.RefreshInterval,
		UploadAttempts:  uint64(a.cfg.UploadAttempts),
		BatchSize:       a.cfg.BatchSize,
	}, deps)
	a.svc.Start(a.ctx)
	return a.svc, nil
}

func (a *App) objectStore() (remote.ObjectStore, error) {
	var tokens remote.TokenSource
	if a.cfg.AccessToken != "" {
		c, err := remote.NewCredentialsClient(a.cfg.CredentialsAddr, a.cfg.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("credentials client: %w", err)
		}
		a.creds = c
		tokens = c
	}

	switch a.cfg.ObjectStore {
	case config.StoreS3:
		s3cfg := remote.S3Config{
			Bucket:    a.cfg.S3Bucket,
			Region:    a.cfg.S3Region,
			Endpoint:  a.cfg.S3Endpoint,
			AccessKey: a.cfg.S3AccessKey,
			SecretKey: a.cfg.S3SecretKey,
			Prefix:    a.cfg.S3Prefix,
		}
		if a.creds != nil {
			creds, err := a.creds.Refresh(a.ctx)
			if err != nil {
				return nil, err
			}
			s3cfg.CdnNumber = creds.CdnNumber
		}
		s, err := remote.NewS3Store(a.ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return remote.NewHTTPStore(a.cfg.CDNBaseURL, nil, tokens), nil
	}
}

func (a *App) close() error {
	var err error
	if a.svc != nil {
		err = multierr.Append(err, a.svc.Close(context.WithoutCancel(a.ctx)))
	}
	if a.creds != nil {
		err = multierr.Append(err, a.creds.Close())
	}
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	return err
}

// credentialsSync makes an upload wait for fresh credentials.
type credentialsSync struct {
	c *remote.CredentialsClient
}

func (s credentialsSync) Sync(ctx context.Context) error {
	_, err := s.c.Refresh(ctx)
	return err
}
