// Package download fetches a backup from the remote object store into a
// partial file, resuming where a previous attempt stopped, and restores it.
//
// A run moves through Idle -> Downloading -> Importing and ends Completed,
// Aborted or Failed. Failed attempts that the user can act on are published
// as prompts and block the run until they are answered.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dmitrijs2005/gophbackup/internal/backup"
	"github.com/dmitrijs2005/gophbackup/internal/cipherstream"
	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/dmitrijs2005/gophbackup/internal/filex"
	"github.com/dmitrijs2005/gophbackup/internal/logging"
	"github.com/dmitrijs2005/gophbackup/internal/remote"
	"go.uber.org/multierr"
)

// PasswordKey is the credential removed from the store while an import runs.
const PasswordKey = "account_password"

// ErrCredentialNotRestored means the backup was imported but the account
// password could not be written back. The import is committed, so the run
// is not retried.
var ErrCredentialNotRestored = errors.New("account password not restored")

type Source interface {
	Download(ctx context.Context, key string, offset int64) (remote.DownloadResult, error)
}

type Importer interface {
	Import(ctx context.Context, req backup.ImportRequest) (backup.ImportResult, error)
}

// CredentialStore is where the account password lives between imports.
type CredentialStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

type State int

const (
	StateIdle State = iota
	StateDownloading
	StateImporting
	StatePrompting
	StateCompleted
	StateAborted
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:        "idle",
	StateDownloading: "downloading",
	StateImporting:   "importing",
	StatePrompting:   "prompting",
	StateCompleted:   "completed",
	StateAborted:     "aborted",
	StateFailed:      "failed",
}

func (s State) String() string {
	return stateNames[s]
}

type Request struct {
	// Key names the backup object.
	Key string
	// Path is the partial file. Its current size is the resume offset.
	Path      string
	Type      backup.Type
	Ephemeral []byte
	// OnProgress receives StepDownload while fetching and StepProcess
	// during both import passes.
	OnProgress backup.ProgressFunc
}

// Result is the outcome of a run. Restored is false when there was no
// backup, or the user cancelled a failed attempt.
type Result struct {
	Restored bool
	Import   backup.ImportResult
}

// Machine runs one download at a time.
type Machine struct {
	source   Source
	importer Importer
	creds    CredentialStore
	log      logging.Logger
	prompts  chan *Prompt

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an idle Machine. creds may be nil.
func New(source Source, importer Importer, creds CredentialStore, log logging.Logger) *Machine {
	return &Machine{
		source:   source,
		importer: importer,
		creds:    creds,
		log:      log.With("module", "download"),
		prompts:  make(chan *Prompt),
	}
}

// Prompts delivers failed attempts that need a decision. A run blocks until
// its prompt is received and answered, or the run is aborted.
func (m *Machine) Prompts() <-chan *Prompt {
	return m.prompts
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Abort stops the active run. An in-flight read is interrupted and the
// partial file is kept for the next attempt. A pending prompt resolves to
// cancel. Abort does not interrupt an import that has already started.
func (m *Machine) Abort() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// begin makes the caller the only active run. A previous run is aborted and
// waited for first.
func (m *Machine) begin(parent context.Context) (context.Context, func(State)) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	m.mu.Lock()
	prevCancel, prevDone := m.cancel, m.done
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	if prevCancel != nil {
		m.log.Info(ctx, "aborting previous download")
		prevCancel()
		<-prevDone
	}

	return ctx, func(final State) {
		m.mu.Lock()
		m.state = final
		if m.done == done {
			m.cancel, m.done = nil, nil
		}
		m.mu.Unlock()
		cancel()
		close(done)
	}
}

// Run downloads and restores the backup named by req.Key.
//
// A missing backup is not an error: Run returns a zero Result and nil.
// When the import committed but the account password could not be put
// back, Run returns a restored Result with ErrCredentialNotRestored.
// Aborting returns common.ErrAborted. When the user cancels a failed
// attempt the partial file is deleted; Run then returns nil for retryable
// failures and the failure itself for backups that can never be restored.
func (m *Machine) Run(ctx context.Context, req Request) (Result, error) {
	ctx, finish := m.begin(ctx)
	final := StateFailed
	defer func() { finish(final) }()

	for attempt := 1; ; attempt++ {
		m.setState(StateDownloading)
		m.log.Debug(ctx, "download attempt", "key", req.Key, "attempt", attempt)

		err := m.fetch(ctx, req)
		if remote.IsNotFound(err) {
			m.log.Info(ctx, "no backup to restore", "key", req.Key)
			final = StateCompleted
			return Result{}, filex.RemoveIfExists(req.Path)
		}
		if err == nil {
			m.setState(StateImporting)
			var res backup.ImportResult
			res, err = m.restore(ctx, req)
			if err == nil {
				final = StateCompleted
				return Result{Restored: true, Import: res}, nil
			}
			if errors.Is(err, ErrCredentialNotRestored) {
				m.log.Error(ctx, "backup restored without the account password", "key", req.Key, "error", err)
				final = StateCompleted
				return Result{Restored: true, Import: res}, err
			}
		}

		if ctx.Err() != nil {
			m.log.Info(ctx, "download aborted", "key", req.Key)
			final = StateAborted
			return Result{}, common.ErrAborted
		}

		m.log.Warn(ctx, "restore attempt failed", "key", req.Key, "attempt", attempt, "error", err)
		p := newPrompt(err)
		m.setState(StatePrompting)
		if m.ask(ctx, p) == DecisionRetry && ctx.Err() == nil {
			continue
		}

		if rmErr := filex.RemoveIfExists(req.Path); rmErr != nil {
			m.log.Error(ctx, "failed to remove partial download", "error", rmErr)
		}
		if ctx.Err() != nil {
			final = StateAborted
			return Result{}, common.ErrAborted
		}
		if p.CanRetry {
			m.log.Info(ctx, "restore cancelled", "key", req.Key)
			return Result{}, nil
		}
		return Result{}, err
	}
}

// ask publishes p and waits for the answer.
func (m *Machine) ask(ctx context.Context, p *Prompt) Decision {
	select {
	case m.prompts <- p:
	case <-ctx.Done():
		p.Cancel()
		return p.Decision()
	}

	select {
	case <-p.Done():
	case <-ctx.Done():
		p.Cancel()
	}
	return p.Decision()
}

// fetch appends the rest of the object to the partial file.
func (m *Machine) fetch(ctx context.Context, req Request) error {
	offset, err := filex.Size(req.Path)
	if err != nil {
		return err
	}

	res, err := m.source.Download(ctx, req.Key, offset)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	// unblock a pending read as soon as the run is aborted
	stop := context.AfterFunc(ctx, func() { _ = res.Body.Close() })
	defer stop()

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !res.Resumed {
		m.log.Info(ctx, "resume offset ignored, starting over", "offset", offset, "from", res.Offset)
		flags |= os.O_TRUNC
		offset = res.Offset
	}

	f, err := os.OpenFile(req.Path, flags, 0o600)
	if err != nil {
		return fmt.Errorf("open partial download: %w", err)
	}

	start := offset
	body := cipherstream.NewCountingReader(res.Body, func(n int64) {
		if req.OnProgress != nil {
			req.OnProgress(backup.Progress{Step: backup.StepDownload, Current: start + n, Total: res.Total})
		}
	})

	_, err = io.Copy(f, body)
	err = multierr.Append(err, f.Close())
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", req.Key, err)
	}

	if got := start + body.N(); res.Total >= 0 && got != res.Total {
		return fmt.Errorf("download %s: short body, got %d of %d bytes", req.Key, got, res.Total)
	}
	return nil
}

// restore imports the downloaded file and always deletes it. The account
// password is held back for the duration of the import and put back only
// if the import succeeded.
func (m *Machine) restore(ctx context.Context, req Request) (res backup.ImportResult, err error) {
	defer func() {
		err = multierr.Append(err, filex.RemoveIfExists(req.Path))
	}()

	// the second pass writes to the store and must not stop half way
	ctx = context.WithoutCancel(ctx)

	var password []byte
	if m.creds != nil {
		if password, err = m.creds.Get(ctx, PasswordKey); err != nil {
			return backup.ImportResult{}, fmt.Errorf("read credential: %w", err)
		}
		if password != nil {
			if err = m.creds.Delete(ctx, PasswordKey); err != nil {
				return backup.ImportResult{}, fmt.Errorf("remove credential: %w", err)
			}
		}
	}

	res, err = m.importer.Import(ctx, backup.ImportRequest{
		Open:       backup.FileSource(req.Path),
		Type:       req.Type,
		Ephemeral:  req.Ephemeral,
		OnProgress: req.OnProgress,
	})
	if err != nil {
		return backup.ImportResult{}, err
	}

	if password != nil {
		if err = m.creds.Set(ctx, PasswordKey, password); err != nil {
			return res, fmt.Errorf("%w: %w", ErrCredentialNotRestored, err)
		}
	}
	return res, nil
}
