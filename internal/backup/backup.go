// Package backup turns the local record store into a sealed backup stream and
// back.
//
// Export pipeline (Ciphertext):
//
//	records -> frames -> gzip -> pad -> AES-CBC -> prepend IV -> HMAC append -> count -> sink
//
// Import runs twice over a fresh copy of the source: the first pass only
// checks the trailing HMAC, the second one decrypts and writes records, and
// checks the HMAC again before the transaction commits.
package backup

import (
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/dmitrijs2005/gophbackup/internal/models"
)

// Level decides which optional data an export includes.
type Level int

const (
	// LevelMessages exports everything except attachment records.
	LevelMessages Level = iota + 1
	// LevelMedia also exports attachment records.
	LevelMedia
)

func (l Level) String() string {
	switch l {
	case LevelMessages:
		return "messages"
	case LevelMedia:
		return "media"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel accepts "messages" or "media".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "messages", "":
		return LevelMessages, nil
	case "media":
		return LevelMedia, nil
	}
	return 0, fmt.Errorf("unknown backup level %q", s)
}

// includes reports whether a record of kind belongs in a backup of level l.
func (l Level) includes(kind models.RecordKind) bool {
	return kind != models.RecordKindAttachment || l >= LevelMedia
}

// Type selects the on-disk format.
type Type int

const (
	// TypeCiphertext is the production envelope: IV || ciphertext || tag.
	TypeCiphertext Type = iota
	// TypeTestOnlyPlaintext writes raw frames. It is rejected unless the
	// pipeline was built for a test harness.
	TypeTestOnlyPlaintext
)

func (t Type) String() string {
	if t == TypeTestOnlyPlaintext {
		return "test-only-plaintext"
	}
	return "ciphertext"
}

// Step tells which phase of a restore a progress report belongs to.
type Step string

const (
	StepDownload Step = "download"
	StepProcess  Step = "process"
)

// Progress is a byte-level progress report. Total is 0 while it is still
// unknown.
type Progress struct {
	Step    Step
	Current int64
	Total   int64
}

type ProgressFunc func(Progress)

func (f ProgressFunc) report(step Step, current, total int64) {
	if f != nil {
		f(Progress{Step: step, Current: current, Total: total})
	}
}

// RecordSource yields every record to export, in store order.
type RecordSource interface {
	All(ctx context.Context) iter.Seq2[models.Record, error]
}

// RecordWriter receives imported records.
type RecordWriter interface {
	WriteRecord(ctx context.Context, rec models.Record) error
}

// Transactor runs fn with a RecordWriter whose writes commit only if fn
// returns nil.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, w RecordWriter) error) error
}

// MediaLister pages through the media objects on the remote object store.
type MediaLister interface {
	ListMedia(ctx context.Context, cursor string, limit int) (models.MediaPage, error)
}

// MediaCache is the local copy of the remote media metadata.
type MediaCache interface {
	Replace(ctx context.Context, objects []models.MediaObject) error
	List(ctx context.Context) ([]models.MediaObject, error)
}

// SourceFactory opens a fresh stream over the same backup bytes on every call.
type SourceFactory func(ctx context.Context) (io.ReadCloser, error)

// FileSource reopens the file at path on every call.
func FileSource(path string) SourceFactory {
	return func(context.Context) (io.ReadCloser, error) {
		return os.Open(path)
	}
}

// Options are shared by Exporter and Importer.
type Options struct {
	// AllowPlaintext enables TypeTestOnlyPlaintext. Only test harnesses set it.
	AllowPlaintext bool
	// MediaPageSize is the page size used when listing remote media.
	MediaPageSize int
}

const defaultMediaPageSize = 1000

func (o Options) pageSize() int {
	if o.MediaPageSize > 0 {
		return o.MediaPageSize
	}
	return defaultMediaPageSize
}
