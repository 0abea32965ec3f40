package backup

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophbackup/internal/cipherstream"
	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/dmitrijs2005/gophbackup/internal/cryptox"
	"github.com/dmitrijs2005/gophbackup/internal/frame"
	"github.com/dmitrijs2005/gophbackup/internal/logging"
	"github.com/dmitrijs2005/gophbackup/internal/models"
	"github.com/dmitrijs2005/gophbackup/internal/padding"
	"github.com/klauspost/compress/gzip"
)

// ImportRequest describes one import.
type ImportRequest struct {
	Open SourceFactory
	Type Type
	// Ephemeral replaces the account backup key for device-linking transfers.
	Ephemeral  []byte
	OnProgress ProgressFunc
}

// ImportResult summarizes a finished import.
type ImportResult struct {
	Header  Header
	Records int
	Bytes   int64
}

// Importer restores backups into the local record store.
type Importer struct {
	store Transactor
	keys  cryptox.KeyProvider
	run   *RunState
	log   logging.Logger
	opts  Options
	busy  inflight
}

func NewImporter(store Transactor, keys cryptox.KeyProvider, run *RunState, log logging.Logger, opts Options) *Importer {
	return &Importer{
		store: store,
		keys:  keys,
		run:   run,
		log:   log.With("module", "importer"),
		opts:  opts,
	}
}

// Import verifies and restores a backup. Ciphertext backups are read twice:
// nothing reaches the store unless the first pass authenticated the whole
// stream, and the second pass is rolled back if its own MAC check fails.
func (i *Importer) Import(ctx context.Context, req ImportRequest) (ImportResult, error) {
	done, err := i.busy.acquire("import")
	if err != nil {
		i.log.Error(ctx, "import rejected", "error", err)
		return ImportResult{}, err
	}
	defer done()

	release, err := i.run.Begin(OperationImport)
	if err != nil {
		i.log.Error(ctx, "import rejected", "error", err)
		return ImportResult{}, err
	}
	defer release()

	res, err := i.importStream(ctx, req, nil)
	if err != nil {
		i.log.Warn(ctx, "import failed", "error", err)
		return ImportResult{}, err
	}
	i.log.Info(ctx, "import finished", "records", res.Records, "bytes", res.Bytes,
		"backup_time", res.Header.BackupTime, "level", res.Header.Level)
	return res, nil
}

// Validate runs both passes without writing anything.
func (i *Importer) Validate(ctx context.Context, req ImportRequest) (ImportResult, error) {
	return i.importStream(ctx, req, discard{})
}

func (i *Importer) importStream(ctx context.Context, req ImportRequest, sink RecordWriter) (ImportResult, error) {
	if req.Type == TypeTestOnlyPlaintext {
		if !i.opts.AllowPlaintext {
			i.log.Error(ctx, "plaintext import outside of a test harness")
			return ImportResult{}, common.ErrPlaintextNotAllowed
		}
		return i.within(ctx, sink, func(ctx context.Context, w RecordWriter) (ImportResult, error) {
			return decodePlaintext(ctx, req.Open, w)
		})
	}

	keys, err := i.keys.DeriveKeys(ctx, req.Ephemeral)
	if err != nil {
		return ImportResult{}, fmt.Errorf("derive keys: %w", err)
	}
	defer keys.Wipe()

	total, err := VerifyMAC(ctx, req.Open, keys.MACKey, req.OnProgress)
	if err != nil {
		return ImportResult{}, err
	}
	i.log.Debug(ctx, "mac verified", "bytes", total)

	return i.within(ctx, sink, func(ctx context.Context, w RecordWriter) (ImportResult, error) {
		return decodeCiphertext(ctx, req.Open, keys, total, req.OnProgress, w)
	})
}

// within runs fn inside a store transaction, or directly against sink when
// one is given.
func (i *Importer) within(ctx context.Context, sink RecordWriter,
	fn func(ctx context.Context, w RecordWriter) (ImportResult, error)) (ImportResult, error) {
	if sink != nil {
		return fn(ctx, sink)
	}
	var res ImportResult
	err := i.store.WithinTx(ctx, func(ctx context.Context, w RecordWriter) error {
		var err error
		res, err = fn(ctx, w)
		return err
	})
	return res, err
}

// VerifyMAC is the first import pass. It reads a fresh stream end to end,
// discarding the content, and checks the trailing HMAC. It returns the
// total size of the stream.
func VerifyMAC(ctx context.Context, open SourceFactory, macKey []byte, progress ProgressFunc) (int64, error) {
	rc, err := open(ctx)
	if err != nil {
		return 0, fmt.Errorf("open backup: %w", err)
	}
	defer rc.Close()

	counter := cipherstream.NewCountingReader(rc, func(n int64) {
		progress.report(StepProcess, n, 0)
	})
	x := cipherstream.NewMACExtractReader(counter, macKey, nil)
	if _, err := io.Copy(io.Discard, x); err != nil {
		return counter.N(), err
	}
	if err := x.Verify(); err != nil {
		return counter.N(), err
	}
	return counter.N(), nil
}

func decodeCiphertext(ctx context.Context, open SourceFactory, keys cryptox.KeyMaterial, total int64,
	progress ProgressFunc, w RecordWriter) (ImportResult, error) {
	rc, err := open(ctx)
	if err != nil {
		return ImportResult{}, fmt.Errorf("open backup: %w", err)
	}
	defer rc.Close()

	counter := cipherstream.NewCountingReader(rc, func(n int64) {
		progress.report(StepProcess, n, total)
	})
	x := cipherstream.NewMACExtractReader(counter, keys.MACKey, nil)
	dr, err := cipherstream.NewDecryptReader(x, keys.AESKey)
	if err != nil {
		return ImportResult{}, err
	}
	unpad := padding.NewReader(dr)
	gz, err := gzip.NewReader(unpad)
	if err != nil {
		return ImportResult{}, fmt.Errorf("gunzip: %w", err)
	}
	defer gz.Close()

	res, err := readRecords(ctx, frame.NewReader(gz), w)
	if err != nil {
		return ImportResult{}, err
	}

	// the tag only covers what was read, so drain the rest before checking it
	if _, err := io.Copy(io.Discard, unpad); err != nil {
		return ImportResult{}, err
	}
	if _, err := io.Copy(io.Discard, x); err != nil {
		return ImportResult{}, err
	}
	if err := x.Verify(); err != nil {
		return ImportResult{}, err
	}
	res.Bytes = counter.N()
	return res, nil
}

func decodePlaintext(ctx context.Context, open SourceFactory, w RecordWriter) (ImportResult, error) {
	rc, err := open(ctx)
	if err != nil {
		return ImportResult{}, fmt.Errorf("open backup: %w", err)
	}
	defer rc.Close()

	counter := cipherstream.NewCountingReader(rc, nil)
	res, err := readRecords(ctx, frame.NewReader(counter), w)
	if err != nil {
		return ImportResult{}, err
	}
	res.Bytes = counter.N()
	return res, nil
}

// readRecords checks the header frame and hands every following record to w.
func readRecords(ctx context.Context, fr *frame.Reader, w RecordWriter) (ImportResult, error) {
	first, err := fr.Next()
	if errors.Is(err, io.EOF) {
		return ImportResult{}, fmt.Errorf("%w: missing header", common.ErrCorruptFrame)
	}
	if err != nil {
		return ImportResult{}, err
	}
	h, err := UnmarshalHeader(first)
	if err != nil {
		return ImportResult{}, err
	}
	if err := h.checkVersion(); err != nil {
		return ImportResult{}, err
	}

	res := ImportResult{Header: h}
	for payload, err := range fr.All() {
		if err != nil {
			return ImportResult{}, err
		}
		rec, err := UnmarshalRecord(payload)
		if err != nil {
			return ImportResult{}, err
		}
		if err := w.WriteRecord(ctx, rec); err != nil {
			return ImportResult{}, fmt.Errorf("write record %d: %w", res.Records, err)
		}
		res.Records++
	}
	return res, nil
}

type discard struct{}

func (discard) WriteRecord(context.Context, models.Record) error { return nil }
