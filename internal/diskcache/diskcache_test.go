package diskcache

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/davbridge/internal/davpath"
	"github.com/tonimelisma/davbridge/internal/webdav"
)

const testAccount = "acct-1"

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// countingMetrics records every Metrics call.
type countingMetrics struct {
	mu        sync.Mutex
	classify  map[Result]int
	bytes     int
	outcomes  map[string]int
	sweptPend int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{classify: map[Result]int{}, outcomes: map[string]int{}}
}

func (m *countingMetrics) ObserveClassify(r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classify[r]++
}

func (m *countingMetrics) AddPopulatedBytes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes += n
}

func (m *countingMetrics) ObservePopulation(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *countingMetrics) ObserveSweep(pending, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweptPend += pending
}

// openTestCache opens a cache in dir and closes it on cleanup.
func openTestCache(t *testing.T, dir string, metrics Metrics) *Cache {
	t.Helper()

	c, err := Open(context.Background(), Config{Dir: dir, Metrics: metrics}, testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close(): %v", err)
		}
	})

	return c
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()

	return openTestCache(t, t.TempDir(), nil)
}

func fileEntry(p, etag string, size int64) webdav.Entry {
	return webdav.Entry{
		Path:           davpath.File(p),
		ETag:           etag,
		ContentLength:  size,
		QuotaUsed:      -1,
		QuotaAvailable: -1,
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)

	return b
}

// populate runs a full begin/write/finish cycle for entry.
func populate(t *testing.T, c *Cache, entry webdav.Entry, data []byte) {
	t.Helper()

	ctx := context.Background()

	w, err := c.BeginPopulation(ctx, testAccount, entry)
	require.NoError(t, err)

	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Finish(ctx))
}

func classify(t *testing.T, c *Cache, entry webdav.Entry) Result {
	t.Helper()

	res, err := c.Classify(context.Background(), testAccount, entry)
	require.NoError(t, err)

	return res
}

func TestOpen_CreatesLayout(t *testing.T) {
	dir := t.TempDir()
	openTestCache(t, dir, nil)

	for _, name := range []string{dbFileName, lockFileName, blobDirName} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestOpen_EmptyDir(t *testing.T) {
	_, err := Open(context.Background(), Config{}, nil)
	require.Error(t, err)
}

func TestPopulation_RoundTrip(t *testing.T) {
	metrics := newCountingMetrics()
	c := openTestCache(t, t.TempDir(), metrics)
	data := randomBytes(t, 64*1024)
	entry := fileEntry("/docs/report.pdf", `"v1"`, int64(len(data)))

	assert.Equal(t, Miss, classify(t, c, entry))

	populate(t, c, entry, data)

	assert.Equal(t, Hit, classify(t, c, entry))

	f, err := c.OpenBlob(testAccount, entry.Path)
	require.NoError(t, err)
	defer f.Close()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	recs, err := c.Records(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusDone, recs[0].Status)
	assert.Equal(t, `"v1"`, recs[0].ETag)
	assert.NotEmpty(t, recs[0].WriterID)

	assert.Equal(t, len(data), metrics.bytes)
	assert.Equal(t, 1, metrics.outcomes[OutcomeFinished])
	assert.Equal(t, 1, metrics.classify[Hit])
	assert.Equal(t, 1, metrics.classify[Miss])
}

func TestPopulation_AbortLeavesNothing(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	entry := fileEntry("/a.bin", `"e"`, 10)

	w, err := c.BeginPopulation(ctx, testAccount, entry)
	require.NoError(t, err)

	_, err = w.Write([]byte("01234"))
	require.NoError(t, err)
	require.NoError(t, w.Abort(ctx))

	assert.Equal(t, Miss, classify(t, c, entry))
	assertNoTrace(t, c, entry.Path)

	require.ErrorIs(t, w.Finish(ctx), ErrWriterClosed)
	require.ErrorIs(t, w.Abort(ctx), ErrWriterClosed)
}

func TestPopulation_CloseWithoutFinishAborts(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	entry := fileEntry("/a.bin", `"e"`, 3)

	w, err := c.BeginPopulation(ctx, testAccount, entry)
	require.NoError(t, err)

	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "Close is idempotent")

	assertNoTrace(t, c, entry.Path)

	_, err = w.Write([]byte("x"))
	require.ErrorIs(t, err, ErrWriterClosed)
}

func TestPopulation_CloseAfterFinishKeepsRecord(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	entry := fileEntry("/a.bin", `"e"`, 3)

	w, err := c.BeginPopulation(ctx, testAccount, entry)
	require.NoError(t, err)

	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.Finish(ctx))
	require.NoError(t, w.Close())

	assert.Equal(t, Hit, classify(t, c, entry))
}

func TestPopulation_FinishRequiresFullLength(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	entry := fileEntry("/short.bin", `"e"`, 100)

	w, err := c.BeginPopulation(ctx, testAccount, entry)
	require.NoError(t, err)

	_, err = w.Write(make([]byte, 99))
	require.NoError(t, err)

	require.ErrorIs(t, w.Finish(ctx), ErrLengthMismatch)
	assertNoTrace(t, c, entry.Path)
}

func TestPopulation_InFlight(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	entry := fileEntry("/busy.bin", `"e"`, 1)

	w, err := c.BeginPopulation(ctx, testAccount, entry)
	require.NoError(t, err)
	defer w.Close()

	_, err = c.BeginPopulation(ctx, testAccount, entry)
	require.ErrorIs(t, err, ErrPopulationInFlight)

	assert.Equal(t, Pending, classify(t, c, entry))
}

func TestPopulation_SupersededWriter(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	entry := fileEntry("/race.bin", `"e"`, 4)

	old, err := c.BeginPopulation(ctx, testAccount, entry)
	require.NoError(t, err)

	_, err = old.Write([]byte("oldd"))
	require.NoError(t, err)

	// The remote file is deleted mid-population, then read again.
	require.NoError(t, c.Remove(ctx, testAccount, entry.Path))
	populate(t, c, entry, []byte("newd"))

	require.ErrorIs(t, old.Finish(ctx), ErrSuperseded)

	assert.Equal(t, Hit, classify(t, c, entry))

	f, err := c.OpenBlob(testAccount, entry.Path)
	require.NoError(t, err)
	defer f.Close()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "newd", string(got))
}

func TestClassify_TokenSensitivity(t *testing.T) {
	c := newTestCache(t)
	entry := fileEntry("/t.txt", `"T1"`, 2)
	populate(t, c, entry, []byte("hi"))

	changed := entry
	changed.ETag = `"T2"`

	assert.Equal(t, Miss, classify(t, c, changed))
	assertNoTrace(t, c, entry.Path)
	assert.Equal(t, Miss, classify(t, c, entry), "stale record was deleted")
}

func TestClassify_TimestampFallback(t *testing.T) {
	c := newTestCache(t)
	l1 := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	l2 := l1.Add(time.Second)

	entry := fileEntry("/m.txt", "", 2)
	entry.LastModified = l1
	populate(t, c, entry, []byte("hi"))

	assert.Equal(t, Hit, classify(t, c, entry))

	later := entry
	later.LastModified = l2
	assert.Equal(t, Miss, classify(t, c, later))
}

func TestClassify_NoValidatorIsMiss(t *testing.T) {
	tests := []struct {
		name   string
		cached webdav.Entry
		remote func(webdav.Entry) webdav.Entry
	}{
		{
			name:   "neither tag nor time",
			cached: fileEntry("/x", "", 1),
			remote: func(e webdav.Entry) webdav.Entry { return e },
		},
		{
			name:   "tag only on cached side",
			cached: fileEntry("/x", `"a"`, 1),
			remote: func(e webdav.Entry) webdav.Entry { e.ETag = ""; return e },
		},
		{
			name: "tag only on cached side with equal times",
			cached: func() webdav.Entry {
				e := fileEntry("/x", `"a"`, 1)
				e.LastModified = time.Unix(1700000000, 0).UTC()
				return e
			}(),
			remote: func(e webdav.Entry) webdav.Entry { e.ETag = ""; return e },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCache(t)
			populate(t, c, tt.cached, []byte("z"))

			assert.Equal(t, Miss, classify(t, c, tt.remote(tt.cached)))
		})
	}
}

func TestClassify_UntaggedRecordFallsBackToTime(t *testing.T) {
	stamp := time.Unix(1700000000, 0).UTC()

	cached := fileEntry("/x", "", 1)
	cached.LastModified = stamp

	c := newTestCache(t)
	populate(t, c, cached, []byte("z"))

	remote := cached
	remote.ETag = `"new"`
	assert.Equal(t, Hit, classify(t, c, remote), "server started sending tags, times still equal")

	remote.LastModified = stamp.Add(time.Second)
	assert.Equal(t, Miss, classify(t, c, remote))
}

func TestClassify_DamagedBlob(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		c := newTestCache(t)
		entry := fileEntry("/gone.bin", `"e"`, 4)
		populate(t, c, entry, []byte("data"))

		require.NoError(t, os.Remove(c.BlobPath(testAccount, entry.Path)))

		assert.Equal(t, Miss, classify(t, c, entry))
		assertNoTrace(t, c, entry.Path)
	})

	t.Run("short", func(t *testing.T) {
		c := newTestCache(t)
		entry := fileEntry("/short.bin", `"e"`, 4)
		populate(t, c, entry, []byte("data"))

		require.NoError(t, os.Truncate(c.BlobPath(testAccount, entry.Path), 2))

		assert.Equal(t, Miss, classify(t, c, entry))
		assertNoTrace(t, c, entry.Path)
	})
}

func TestAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("miss admitted begins population", func(t *testing.T) {
		c := newTestCache(t)
		entry := fileEntry("/a", `"e"`, 1)

		res, w, err := c.Acquire(ctx, testAccount, entry, true)
		require.NoError(t, err)
		assert.Equal(t, Miss, res)
		require.NotNil(t, w)
		defer w.Close()

		res, w2, err := c.Acquire(ctx, testAccount, entry, true)
		require.NoError(t, err)
		assert.Equal(t, Pending, res)
		assert.Nil(t, w2)
	})

	t.Run("miss not admitted", func(t *testing.T) {
		c := newTestCache(t)

		res, w, err := c.Acquire(ctx, testAccount, fileEntry("/big", `"e"`, 1), false)
		require.NoError(t, err)
		assert.Equal(t, Miss, res)
		assert.Nil(t, w)
	})

	t.Run("hit", func(t *testing.T) {
		c := newTestCache(t)
		entry := fileEntry("/h", `"e"`, 2)
		populate(t, c, entry, []byte("ok"))

		res, w, err := c.Acquire(ctx, testAccount, entry, true)
		require.NoError(t, err)
		assert.Equal(t, Hit, res)
		assert.Nil(t, w)
	})
}

func TestAcquire_ConcurrentCallersGetOneWriter(t *testing.T) {
	c := newTestCache(t)
	entry := fileEntry("/hot.bin", `"e"`, 1)

	var (
		writers atomic.Int32
		pending atomic.Int32
		wg      sync.WaitGroup
		mu      sync.Mutex
		opened  []*Writer
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			res, w, err := c.Acquire(context.Background(), testAccount, entry, true)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}

			switch {
			case w != nil:
				writers.Add(1)
				mu.Lock()
				opened = append(opened, w)
				mu.Unlock()
			case res == Pending:
				pending.Add(1)
			}
		}()
	}

	wg.Wait()

	for _, w := range opened {
		w.Close()
	}

	assert.Equal(t, int32(1), writers.Load())
	assert.Equal(t, int32(7), pending.Load())
}

func TestBlobPath(t *testing.T) {
	c := newTestCache(t)
	blobRoot := filepath.Join(c.Dir(), blobDirName)

	a := c.BlobPath(testAccount, davpath.File("/docs/a.txt"))
	assert.Equal(t, a, c.BlobPath(testAccount, davpath.File("/docs/a.txt")), "deterministic")
	assert.Equal(t, a, c.BlobPath(testAccount, davpath.Dir("/docs/a.txt")), "kind-agnostic")
	assert.NotEqual(t, a, c.BlobPath("other", davpath.File("/docs/a.txt")))
	assert.NotEqual(t, a, c.BlobPath(testAccount, davpath.File("/docs/b.txt")))

	for _, hostile := range []string{"/../../etc/passwd", "/a/../../../x", "/..%2f..%2fescape", "/\x00nul"} {
		p := c.BlobPath(testAccount, davpath.File(hostile))
		rel, err := filepath.Rel(blobRoot, p)
		require.NoError(t, err)
		assert.False(t, strings.HasPrefix(rel, ".."), "blob for %q escaped: %s", hostile, p)
		assert.Len(t, strings.Split(rel, string(filepath.Separator)), 3)
	}

	assert.True(t, strings.HasPrefix(a, c.accountDir(testAccount)))
}

func TestRemove(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	entry := fileEntry("/r.bin", `"e"`, 1)
	populate(t, c, entry, []byte("x"))

	require.NoError(t, c.Remove(ctx, testAccount, entry.Path))
	assertNoTrace(t, c, entry.Path)

	require.NoError(t, c.Remove(ctx, testAccount, entry.Path), "removing an absent record is a no-op")
}

func TestRemoveTree(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for _, p := range []string{"/dir/a", "/dir/sub/b", "/dir2/c", "/top"} {
		populate(t, c, fileEntry(p, `"e"`, 1), []byte("x"))
	}

	n, err := c.RemoveTree(ctx, testAccount, davpath.Dir("/dir"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs, err := c.Records(ctx, testAccount)
	require.NoError(t, err)

	var left []string
	for _, r := range recs {
		left = append(left, r.Path.String())
	}

	assert.Equal(t, []string{"/dir2/c", "/top"}, left)

	n, err = c.RemoveTree(ctx, testAccount, davpath.Root())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRemoveAccount(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	entry := fileEntry("/f", `"e"`, 1)

	populate(t, c, entry, []byte("x"))

	other, err := c.BeginPopulation(ctx, "other", entry)
	require.NoError(t, err)
	_, err = other.Write([]byte("y"))
	require.NoError(t, err)
	require.NoError(t, other.Finish(ctx))

	ids, err := c.Accounts(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{testAccount, "other"}, ids)

	require.NoError(t, c.RemoveAccount(ctx, testAccount))

	ids, err = c.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, ids)

	recs, err := c.Records(ctx, testAccount)
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = os.Stat(c.accountDir(testAccount))
	assert.True(t, os.IsNotExist(err))

	res, err := c.Classify(ctx, "other", entry)
	require.NoError(t, err)
	assert.Equal(t, Hit, res)
}

func TestStartupSweep_RemovesEarlierPending(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	entry := fileEntry("/crashed.bin", `"e"`, 10)

	first, err := Open(ctx, Config{Dir: dir}, testLogger(t))
	require.NoError(t, err)

	w, err := first.BeginPopulation(ctx, testAccount, entry)
	require.NoError(t, err)

	_, err = w.Write([]byte("half"))
	require.NoError(t, err)

	blob := first.BlobPath(testAccount, entry.Path)

	// Simulate a crash: the writer is never settled.
	require.NoError(t, w.file.Close())
	require.NoError(t, first.Close())

	metrics := newCountingMetrics()
	second := openTestCache(t, dir, metrics)

	recs, err := second.Records(ctx, testAccount)
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = os.Stat(blob)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 1, metrics.sweptPend)
}

func TestStartupSweep_SkippedWhileAnotherProcessUsesDir(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	entry := fileEntry("/live.bin", `"e"`, 4)

	first := openTestCache(t, dir, nil)

	w, err := first.BeginPopulation(ctx, testAccount, entry)
	require.NoError(t, err)

	second := openTestCache(t, dir, nil)

	res, err := second.Classify(ctx, testAccount, entry)
	require.NoError(t, err)
	assert.Equal(t, Pending, res, "a live population must survive a second open")

	_, err = second.Sweep(ctx)
	require.ErrorIs(t, err, ErrBusy)

	_, err = w.Write([]byte("done"))
	require.NoError(t, err)
	require.NoError(t, w.Finish(ctx))

	res, err = second.Classify(ctx, testAccount, entry)
	require.NoError(t, err)
	assert.Equal(t, Hit, res)
}

func TestSweep_RemovesOrphanBlobs(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	entry := fileEntry("/kept", `"e"`, 1)
	populate(t, c, entry, []byte("k"))

	orphan := c.BlobPath(testAccount, davpath.File("/nobody"))
	require.NoError(t, os.MkdirAll(filepath.Dir(orphan), 0o700))
	require.NoError(t, os.WriteFile(orphan, []byte("junk"), 0o600))

	res, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Pending: 0, Orphans: 1}, res)

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, Hit, classify(t, c, entry))
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.lock("a")

	acquired := make(chan struct{})
	released := make(chan struct{})

	go func() {
		unlock := k.lock("a")
		close(acquired)
		unlock()
		close(released)
	}()

	// A different key is independent.
	k.lock("b")()

	select {
	case <-acquired:
		t.Fatal("second holder of key a acquired it early")
	case <-time.After(50 * time.Millisecond):
	}

	unlockA()
	<-acquired
	<-released

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}

// assertNoTrace checks that neither a record nor a blob exists for p.
func assertNoTrace(t *testing.T, c *Cache, p davpath.Path) {
	t.Helper()

	rec, err := c.lookup(context.Background(), testAccount, p)
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = os.Stat(c.BlobPath(testAccount, p))
	assert.True(t, os.IsNotExist(err), "blob still present")
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "hit", Hit.String())
	assert.Equal(t, "miss", Miss.String())
	assert.Equal(t, "pending", Pending.String())
}
