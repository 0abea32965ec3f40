package backup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/gophbackup/internal/cipherstream"
	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/dmitrijs2005/gophbackup/internal/cryptox"
	"github.com/dmitrijs2005/gophbackup/internal/frame"
	"github.com/dmitrijs2005/gophbackup/internal/logging"
	"github.com/dmitrijs2005/gophbackup/internal/models"
	"github.com/dmitrijs2005/gophbackup/internal/padding"
	"github.com/klauspost/compress/gzip"
)

// Exporter writes backups of the local record store.
type Exporter struct {
	records RecordSource
	media   MediaLister
	cache   MediaCache
	keys    cryptox.KeyProvider
	run     *RunState
	log     logging.Logger
	opts    Options
	now     func() time.Time
	busy    inflight
}

// NewExporter builds an Exporter. media may be nil when no remote object
// store is configured; every media record is then marked for re-upload.
func NewExporter(records RecordSource, media MediaLister, cache MediaCache, keys cryptox.KeyProvider,
	run *RunState, log logging.Logger, opts Options) *Exporter {
	return &Exporter{
		records: records,
		media:   media,
		cache:   cache,
		keys:    keys,
		run:     run,
		log:     log.With("module", "exporter"),
		opts:    opts,
		now:     time.Now,
	}
}

// Export writes a backup of the given level and type to sink and returns the
// number of bytes written. The sink is not closed.
func (e *Exporter) Export(ctx context.Context, sink io.Writer, level Level, typ Type) (int64, error) {
	done, err := e.busy.acquire("export")
	if err != nil {
		e.log.Error(ctx, "export rejected", "error", err)
		return 0, err
	}
	defer done()

	release, err := e.run.Begin(OperationExport)
	if err != nil {
		e.log.Error(ctx, "export rejected", "error", err)
		return 0, err
	}
	defer release()

	if typ == TypeTestOnlyPlaintext && !e.opts.AllowPlaintext {
		e.log.Error(ctx, "plaintext export outside of a test harness")
		return 0, common.ErrPlaintextNotAllowed
	}

	cdn, err := e.reconcileMedia(ctx)
	if err != nil {
		return 0, err
	}

	header := Header{Version: common.BackupVersion, BackupTime: e.now(), Level: level}

	var n int64
	var count int
	switch typ {
	case TypeTestOnlyPlaintext:
		n, count, err = e.exportPlaintext(ctx, sink, header, cdn)
	default:
		n, count, err = e.exportCiphertext(ctx, sink, header, cdn)
	}
	if err != nil {
		return n, err
	}

	e.log.Info(ctx, "export finished", "type", typ, "level", level, "records", count, "bytes", n)
	return n, nil
}

func (e *Exporter) exportPlaintext(ctx context.Context, sink io.Writer, h Header, cdn map[string]models.MediaObject) (int64, int, error) {
	cw := cipherstream.NewCountingWriter(sink)
	bw := bufio.NewWriter(cw)

	count, err := e.writeRecords(ctx, frame.NewWriter(bw), h, cdn)
	if err != nil {
		return cw.N(), count, err
	}
	if err := bw.Flush(); err != nil {
		return cw.N(), count, err
	}
	return cw.N(), count, nil
}

func (e *Exporter) exportCiphertext(ctx context.Context, sink io.Writer, h Header, cdn map[string]models.MediaObject) (int64, int, error) {
	keys, err := e.keys.DeriveKeys(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("derive keys: %w", err)
	}
	defer keys.Wipe()

	iv := cipherstream.NewIV()
	cw := cipherstream.NewCountingWriter(sink)
	mw := cipherstream.NewMACWriter(cw, keys.MACKey)
	pw := cipherstream.NewPrependWriter(mw, iv)
	ew, err := cipherstream.NewEncryptWriter(pw, keys.AESKey, iv)
	if err != nil {
		return 0, 0, err
	}
	padw := padding.NewWriter(ew)
	gz := gzip.NewWriter(padw)

	count, err := e.writeRecords(ctx, frame.NewWriter(gz), h, cdn)
	if err != nil {
		return cw.N(), count, err
	}

	// each stage flushes its own trailer into the next one
	for _, c := range []io.Closer{gz, padw, ew, pw, mw} {
		if err := c.Close(); err != nil {
			return cw.N(), count, fmt.Errorf("finalize backup stream: %w", err)
		}
	}
	return cw.N(), count, nil
}

func (e *Exporter) writeRecords(ctx context.Context, fw *frame.Writer, h Header, cdn map[string]models.MediaObject) (int, error) {
	if err := fw.WriteFrame(h.Marshal()); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	count := 0
	for rec, err := range e.records.All(ctx) {
		if err != nil {
			return count, fmt.Errorf("read records: %w", err)
		}
		if !h.Level.includes(rec.Kind) {
			continue
		}
		if rec.HasMedia() {
			rec.CdnNumber = cdn[rec.MediaID].CdnNumber
		}
		if err := fw.WriteFrame(MarshalRecord(rec)); err != nil {
			return count, fmt.Errorf("write record: %w", err)
		}
		count++
	}
	return count, nil
}

// reconcileMedia replaces the local media cache with the remote listing and
// returns the cached objects keyed by media id.
func (e *Exporter) reconcileMedia(ctx context.Context) (map[string]models.MediaObject, error) {
	if e.media == nil {
		return nil, nil
	}

	var objects []models.MediaObject
	cursor := ""
	for {
		page, err := e.media.ListMedia(ctx, cursor, e.opts.pageSize())
		if err != nil {
			return nil, fmt.Errorf("list remote media: %w", err)
		}
		objects = append(objects, page.Objects...)
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	if err := e.cache.Replace(ctx, objects); err != nil {
		return nil, fmt.Errorf("replace media cache: %w", err)
	}
	cached, err := e.cache.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load media cache: %w", err)
	}

	byID := make(map[string]models.MediaObject, len(cached))
	for _, o := range cached {
		byID[o.MediaID] = o
	}
	e.log.Debug(ctx, "media cache reconciled", "objects", len(byID))
	return byID, nil
}
