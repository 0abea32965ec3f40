package download

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/dmitrijs2005/gophbackup/internal/backup"
	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/dmitrijs2005/gophbackup/internal/logging"
	"github.com/dmitrijs2005/gophbackup/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errReset = errors.New("connection reset by peer")

// ---------- fakes ----------

type fakeSource struct {
	mu          sync.Mutex
	data        []byte
	missing     bool
	ignoreRange bool
	errs        []error
	// cuts breaks successive downloads after that many bytes
	cuts []int
	// hangAt makes the next download stall after that many bytes
	hangAt  int
	hanging *hangingBody
	offsets []int64
}

func (s *fakeSource) Download(_ context.Context, key string, offset int64) (remote.DownloadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offsets = append(s.offsets, offset)
	if s.missing {
		return remote.DownloadResult{}, fmt.Errorf("backup %q: %w", key, common.ErrNotFound)
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return remote.DownloadResult{}, err
	}

	start := offset
	if s.ignoreRange {
		start = 0
	}
	rest := s.data[start:]

	var body io.ReadCloser = io.NopCloser(bytes.NewReader(rest))
	switch {
	case s.hangAt > 0:
		s.hanging = newHangingBody(rest[:s.hangAt])
		s.hangAt = 0
		body = s.hanging
	case len(s.cuts) > 0:
		n := s.cuts[0]
		s.cuts = s.cuts[1:]
		body = io.NopCloser(io.MultiReader(bytes.NewReader(rest[:n]), iotest.ErrReader(errReset)))
	}

	return remote.DownloadResult{
		Body:    body,
		Offset:  start,
		Total:   int64(len(s.data)),
		Resumed: start == offset,
	}, nil
}

func (s *fakeSource) seen() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.offsets...)
}

// hangingBody serves its data and then blocks until it is closed.
type hangingBody struct {
	r       io.Reader
	reached chan struct{}
	closed  chan struct{}
	once    sync.Once
	signal  sync.Once
}

func newHangingBody(data []byte) *hangingBody {
	return &hangingBody{
		r:       bytes.NewReader(data),
		reached: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (h *hangingBody) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		return n, nil
	}
	if err == io.EOF {
		h.signal.Do(func() { close(h.reached) })
		<-h.closed
		return 0, errors.New("read on closed body")
	}
	return n, err
}

func (h *hangingBody) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

type fakeImporter struct {
	mu    sync.Mutex
	errs  []error
	got   [][]byte
	creds *memCreds
	// passwordSeen records whether the password was present during each import
	passwordSeen []bool
}

func (f *fakeImporter) Import(ctx context.Context, req backup.ImportRequest) (backup.ImportResult, error) {
	rc, err := req.Open(ctx)
	if err != nil {
		return backup.ImportResult{}, err
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return backup.ImportResult{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, data)
	if f.creds != nil {
		v, _ := f.creds.Get(ctx, PasswordKey)
		f.passwordSeen = append(f.passwordSeen, v != nil)
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return backup.ImportResult{}, err
		}
	}
	return backup.ImportResult{Records: 1, Bytes: int64(len(data))}, nil
}

func (f *fakeImporter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

type memCreds struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemCreds() *memCreds { return &memCreds{m: map[string][]byte{}} }

func (c *memCreds) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[key], nil
}

func (c *memCreds) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func (c *memCreds) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

// brokenSetCreds fails every write.
type brokenSetCreds struct {
	*memCreds
}

func (c brokenSetCreds) Set(context.Context, string, []byte) error {
	return errors.New("disk full")
}

// ---------- helpers ----------

type outcome struct {
	res Result
	err error
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func newRequest(t *testing.T) Request {
	t.Helper()
	return Request{
		Key:  "backup-1",
		Path: filepath.Join(t.TempDir(), "backup.partial"),
		Type: backup.TypeCiphertext,
	}
}

func start(m *Machine, req Request) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		res, err := m.Run(context.Background(), req)
		ch <- outcome{res, err}
	}()
	return ch
}

func nextPrompt(t *testing.T, m *Machine) *Prompt {
	t.Helper()
	select {
	case p := <-m.Prompts():
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no prompt")
	}
	return nil
}

func wait(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	return outcome{}
}

func assertNoFile(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "expected %s to be removed", path)
}

// ---------- tests ----------

func TestRun_ResumesFromPartialFile(t *testing.T) {
	data := randomBytes(t, 10_000)
	src := &fakeSource{data: data}
	imp := &fakeImporter{}
	m := New(src, imp, nil, logging.NewNopLogger())
	req := newRequest(t)
	require.NoError(t, os.WriteFile(req.Path, data[:4000], 0o600))

	res, err := m.Run(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Restored)
	assert.Equal(t, []int64{4000}, src.seen())
	require.Len(t, imp.got, 1)
	assert.Equal(t, data, imp.got[0])
	assertNoFile(t, req.Path)
	assert.Equal(t, StateCompleted, m.State())
}

func TestRun_RetryAfterNetworkErrorMatchesFullDownload(t *testing.T) {
	data := randomBytes(t, 8192)
	src := &fakeSource{data: data, cuts: []int{3000, 1000}}
	imp := &fakeImporter{}
	m := New(src, imp, nil, logging.NewNopLogger())
	req := newRequest(t)

	done := start(m, req)
	for range 2 {
		p := nextPrompt(t, m)
		assert.Equal(t, FailureUnknown, p.Kind)
		assert.True(t, p.CanRetry)
		assert.ErrorIs(t, p.Err, errReset)
		p.Retry()
	}

	o := wait(t, done)
	require.NoError(t, o.err)
	assert.True(t, o.res.Restored)
	assert.Equal(t, []int64{0, 3000, 4000}, src.seen())
	require.Len(t, imp.got, 1)
	assert.Equal(t, data, imp.got[0])
}

func TestRun_IgnoredRangeStartsOver(t *testing.T) {
	data := randomBytes(t, 2048)
	src := &fakeSource{data: data, ignoreRange: true}
	imp := &fakeImporter{}
	m := New(src, imp, nil, logging.NewNopLogger())
	req := newRequest(t)
	require.NoError(t, os.WriteFile(req.Path, []byte("stale partial content"), 0o600))

	_, err := m.Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, imp.got, 1)
	assert.Equal(t, data, imp.got[0])
}

func TestRun_NotFoundMeansNoBackup(t *testing.T) {
	src := &fakeSource{missing: true}
	imp := &fakeImporter{}
	m := New(src, imp, nil, logging.NewNopLogger())
	req := newRequest(t)
	require.NoError(t, os.WriteFile(req.Path, []byte("leftover"), 0o600))

	res, err := m.Run(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Restored)
	assert.Zero(t, imp.calls())
	assertNoFile(t, req.Path)

	select {
	case p := <-m.Prompts():
		t.Fatalf("unexpected prompt: %v", p.Err)
	default:
	}
}

func TestRun_CancelDeletesPartial(t *testing.T) {
	data := randomBytes(t, 4096)
	src := &fakeSource{data: data, cuts: []int{500}}
	imp := &fakeImporter{}
	m := New(src, imp, nil, logging.NewNopLogger())
	req := newRequest(t)

	done := start(m, req)
	p := nextPrompt(t, m)
	assert.Equal(t, StatePrompting, m.State())
	p.Cancel()

	o := wait(t, done)
	require.NoError(t, o.err)
	assert.False(t, o.res.Restored)
	assertNoFile(t, req.Path)
	assert.Zero(t, imp.calls())
	assert.Equal(t, StateFailed, m.State())
}

func TestRun_UpgradeRequiredCannotBeRetried(t *testing.T) {
	src := &fakeSource{errs: []error{&remote.StatusError{Code: 426, Status: "426 Upgrade Required"}}}
	m := New(src, &fakeImporter{}, nil, logging.NewNopLogger())

	done := start(m, newRequest(t))
	p := nextPrompt(t, m)
	assert.Equal(t, FailureUnsupportedVersion, p.Kind)
	assert.False(t, p.CanRetry)
	p.Retry()
	assert.Equal(t, DecisionCancel, p.Decision())

	o := wait(t, done)
	assert.ErrorIs(t, o.err, common.ErrUnsupportedBackupVersion)
	assert.Len(t, src.seen(), 1)
}

func TestRun_UnsupportedVersionOffersOnlyCancel(t *testing.T) {
	data := randomBytes(t, 1024)
	creds := newMemCreds()
	require.NoError(t, creds.Set(context.Background(), PasswordKey, []byte("hunter2")))
	imp := &fakeImporter{
		creds: creds,
		errs:  []error{fmt.Errorf("header: %w", common.ErrUnsupportedBackupVersion)},
	}
	m := New(&fakeSource{data: data}, imp, creds, logging.NewNopLogger())
	req := newRequest(t)

	done := start(m, req)
	p := nextPrompt(t, m)
	assert.Equal(t, FailureUnsupportedVersion, p.Kind)
	assert.False(t, p.CanRetry)
	p.Retry()

	o := wait(t, done)
	assert.ErrorIs(t, o.err, common.ErrUnsupportedBackupVersion)
	assert.Equal(t, 1, imp.calls())
	assertNoFile(t, req.Path)

	// a failed import leaves the password removed
	v, _ := creds.Get(context.Background(), PasswordKey)
	assert.Nil(t, v)
}

func TestRun_CorruptBackupIsNotRetryable(t *testing.T) {
	for _, cause := range []error{common.ErrCorruptFrame, common.ErrCorruptPadding} {
		t.Run(cause.Error(), func(t *testing.T) {
			imp := &fakeImporter{errs: []error{cause}}
			m := New(&fakeSource{data: []byte("x")}, imp, nil, logging.NewNopLogger())

			done := start(m, newRequest(t))
			p := nextPrompt(t, m)
			assert.False(t, p.CanRetry)
			assert.Equal(t, FailureUnknown, p.Kind)
			p.Cancel()

			assert.ErrorIs(t, wait(t, done).err, cause)
		})
	}
}

func TestRun_BadMacRetriesWholeDownload(t *testing.T) {
	data := randomBytes(t, 3000)
	src := &fakeSource{data: data}
	imp := &fakeImporter{errs: []error{common.ErrBadMac, nil}}
	m := New(src, imp, nil, logging.NewNopLogger())
	req := newRequest(t)

	done := start(m, req)
	p := nextPrompt(t, m)
	assert.True(t, p.CanRetry)
	assert.ErrorIs(t, p.Err, common.ErrBadMac)
	p.Retry()

	o := wait(t, done)
	require.NoError(t, o.err)
	assert.True(t, o.res.Restored)
	// the failed file was deleted, so the retry starts from scratch
	assert.Equal(t, []int64{0, 0}, src.seen())
	assert.Equal(t, 2, imp.calls())
}

func TestRun_AbortKeepsPartial(t *testing.T) {
	data := randomBytes(t, 5000)
	src := &fakeSource{data: data, hangAt: 2000}
	imp := &fakeImporter{}
	m := New(src, imp, nil, logging.NewNopLogger())
	req := newRequest(t)

	done := start(m, req)
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.hanging != nil
	}, 5*time.Second, time.Millisecond)
	<-src.hanging.reached
	assert.Equal(t, StateDownloading, m.State())

	m.Abort()
	o := wait(t, done)
	assert.ErrorIs(t, o.err, common.ErrAborted)
	assert.Equal(t, StateAborted, m.State())
	assert.Zero(t, imp.calls())

	partial, err := os.ReadFile(req.Path)
	require.NoError(t, err)
	assert.Equal(t, data[:2000], partial)
}

func TestRun_AbortResolvesPendingPrompt(t *testing.T) {
	src := &fakeSource{data: randomBytes(t, 1000), cuts: []int{100}}
	m := New(src, &fakeImporter{}, nil, logging.NewNopLogger())

	done := start(m, newRequest(t))
	p := nextPrompt(t, m)

	m.Abort()
	<-p.Done()
	assert.Equal(t, DecisionCancel, p.Decision())
	assert.ErrorIs(t, wait(t, done).err, common.ErrAborted)
}

func TestRun_NewRunAbortsPrevious(t *testing.T) {
	data := randomBytes(t, 6000)
	src := &fakeSource{data: data, hangAt: 1500}
	imp := &fakeImporter{}
	m := New(src, imp, nil, logging.NewNopLogger())
	req := newRequest(t)

	first := start(m, req)
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.hanging != nil
	}, 5*time.Second, time.Millisecond)
	<-src.hanging.reached

	second := start(m, req)

	assert.ErrorIs(t, wait(t, first).err, common.ErrAborted)
	o := wait(t, second)
	require.NoError(t, o.err)
	assert.True(t, o.res.Restored)

	// the second run picks up the partial file left by the first one
	assert.Equal(t, []int64{0, 1500}, src.seen())
	require.Len(t, imp.got, 1)
	assert.Equal(t, data, imp.got[0])
}

func TestRun_PasswordHeldBackDuringImport(t *testing.T) {
	creds := newMemCreds()
	require.NoError(t, creds.Set(context.Background(), PasswordKey, []byte("hunter2")))
	imp := &fakeImporter{creds: creds}
	m := New(&fakeSource{data: randomBytes(t, 100)}, imp, creds, logging.NewNopLogger())

	_, err := m.Run(context.Background(), newRequest(t))
	require.NoError(t, err)

	assert.Equal(t, []bool{false}, imp.passwordSeen)
	v, _ := creds.Get(context.Background(), PasswordKey)
	assert.Equal(t, []byte("hunter2"), v)
}

func TestRun_CommittedImportIsNotRetriedWhenPasswordWriteFails(t *testing.T) {
	mem := newMemCreds()
	require.NoError(t, mem.Set(context.Background(), PasswordKey, []byte("hunter2")))
	creds := brokenSetCreds{mem}
	imp := &fakeImporter{}
	m := New(&fakeSource{data: randomBytes(t, 100)}, imp, creds, logging.NewNopLogger())
	req := newRequest(t)

	done := start(m, req)
	var o outcome
	select {
	case o = <-done:
	case p := <-m.Prompts():
		p.Cancel()
		t.Fatalf("unexpected prompt: %v", p.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	assert.ErrorIs(t, o.err, ErrCredentialNotRestored)
	assert.ErrorContains(t, o.err, "disk full")
	assert.True(t, o.res.Restored)
	assert.Equal(t, 1, imp.calls())
	assert.Equal(t, StateCompleted, m.State())
	assertNoFile(t, req.Path)
}

func TestRun_ReportsDownloadProgress(t *testing.T) {
	data := randomBytes(t, 3000)
	m := New(&fakeSource{data: data}, &fakeImporter{}, nil, logging.NewNopLogger())
	req := newRequest(t)
	require.NoError(t, os.WriteFile(req.Path, data[:1000], 0o600))

	var events []backup.Progress
	req.OnProgress = func(p backup.Progress) { events = append(events, p) }

	_, err := m.Run(context.Background(), req)
	require.NoError(t, err)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, backup.StepDownload, last.Step)
	assert.Equal(t, int64(3000), last.Current)
	assert.Equal(t, int64(3000), last.Total)
	for _, e := range events {
		assert.GreaterOrEqual(t, e.Current, int64(1000))
	}
}

func TestRun_ShortBodyIsRetryable(t *testing.T) {
	data := randomBytes(t, 1000)
	src := &shortSource{fakeSource: fakeSource{data: data}}
	m := New(src, &fakeImporter{}, nil, logging.NewNopLogger())

	done := start(m, newRequest(t))
	p := nextPrompt(t, m)
	assert.True(t, p.CanRetry)
	assert.ErrorContains(t, p.Err, "short body")
	p.Retry()

	require.NoError(t, wait(t, done).err)
}

// shortSource ends the first body early without reporting an error.
type shortSource struct {
	fakeSource
	once sync.Once
}

func (s *shortSource) Download(ctx context.Context, key string, offset int64) (remote.DownloadResult, error) {
	res, err := s.fakeSource.Download(ctx, key, offset)
	if err != nil {
		return res, err
	}
	s.once.Do(func() {
		res.Body = io.NopCloser(io.LimitReader(res.Body, 10))
	})
	return res, nil
}
