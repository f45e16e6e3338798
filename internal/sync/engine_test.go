package sync_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	iofs "io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulksync/internal/database"
	"bulksync/internal/fs"
	"bulksync/internal/fs/dircache"
	"bulksync/internal/fs/local"
	"bulksync/internal/fs/memory"
	"bulksync/internal/preprocess"
	syncer "bulksync/internal/sync"
)

const remoteRoot = "/backup"

type harness struct {
	store   *memory.Store
	client  *fs.Client
	local   *local.Adapter
	scratch *preprocess.Scratch
	out     *bytes.Buffer
}

func newHarness(t *testing.T, localDir string, store *memory.Store) *harness {
	t.Helper()
	if store == nil {
		store = memory.New(6)
	}
	scratch, err := preprocess.NewScratch(filepath.Join(t.TempDir(), "scratch"))
	require.NoError(t, err)
	t.Cleanup(func() { scratch.Close() })

	return &harness{
		store:   store,
		client:  fs.NewClient(store, remoteRoot, dircache.New(128, time.Minute), nil),
		local:   local.NewAdapter(localDir),
		scratch: scratch,
		out:     &bytes.Buffer{},
	}
}

func (h *harness) options() *syncer.Options {
	return &syncer.Options{
		Client:       h.client,
		Local:        h.local,
		Preprocessor: preprocess.New(h.scratch, nil),
		Scratch:      h.scratch,
		PollInterval: 10 * time.Millisecond,
		Output:       h.out,
	}
}

func (h *harness) manager(opts *syncer.Options) *syncer.Manager {
	if opts == nil {
		opts = h.options()
	}
	return syncer.NewManager(opts)
}

// basicTree 一个 10000 字节的文件与一个空子目录
func basicTree(t *testing.T) (string, []byte) {
	t.Helper()
	dir := t.TempDir()
	content := bytes.Repeat([]byte("0123456789"), 1000)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.bin"), content, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "empty"), 0755))
	return dir, content
}

func TestUploadFileAndEmptyDir(t *testing.T) {
	dir, content := basicTree(t)
	h := newHarness(t, dir, nil)

	require.NoError(t, h.manager(nil).UploadAll(context.Background()))

	assert.Equal(t, []string{"/backup/empty/", "/backup/file.bin.zst"}, h.store.Keys())

	info, err := h.store.Head(context.Background(), "/backup/file.bin.zst")
	require.NoError(t, err)
	sum := md5.Sum(content)
	assert.Equal(t, base64.StdEncoding.EncodeToString(sum[:]), info.Metadata[fs.MetaOriginalMD5])
	assert.Equal(t, "10000", info.Metadata[fs.MetaUncompressedSize])
	assert.Equal(t, int64(0), h.scratch.Outstanding())
}

func TestRerunSkipsEverything(t *testing.T) {
	dir, _ := basicTree(t)
	h := newHarness(t, dir, nil)
	require.NoError(t, h.manager(nil).UploadAll(context.Background()))
	writes := h.store.Writes()

	// 新的客户端，目录缓存为空
	h2 := newHarness(t, dir, h.store)
	m := h2.manager(nil)
	require.NoError(t, m.UploadAll(context.Background()))

	assert.Equal(t, writes, h.store.Writes())
	st := m.Status()
	assert.Equal(t, int64(1), st.Skipped)
	assert.Equal(t, int64(1), st.Committed)
	assert.Len(t, h.store.Keys(), 2)
}

func TestUploadSymlink(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Symlink("../target", filepath.Join(dir, "link")))
	h := newHarness(t, dir, nil)

	require.NoError(t, h.manager(nil).UploadAll(context.Background()))

	data, ok := h.store.Data("/backup/link")
	require.True(t, ok)
	assert.Equal(t, "../target", string(data))

	res, err := h.client.VerifyLink(context.Background(), "/backup/link", "../target")
	require.NoError(t, err)
	assert.Equal(t, fs.ResultLinkOK, res)

	ok, err = h.manager(nil).VerifyLocal(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, h.out.String(), "LINK_OK")
}

func TestVerifyLocalMissingHeadersAndFix(t *testing.T) {
	dir, _ := basicTree(t)
	h := newHarness(t, dir, nil)
	require.NoError(t, h.manager(nil).UploadAll(context.Background()))

	require.NoError(t, h.store.SetMetadata("/backup/file.bin.zst", map[string]string{
		fs.MetaUncompressedSize: "10000",
	}))

	h.out.Reset()
	ok, err := h.manager(nil).VerifyLocal(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, h.out.String(), "MISSING_HEADERS")
	assert.NotContains(t, h.out.String(), "CHECKSUM_MISMATCH")

	h.out.Reset()
	ok, err = h.manager(nil).VerifyLocal(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, h.out.String(), "FIXED")

	h.out.Reset()
	ok, err = h.manager(nil).VerifyLocal(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotContains(t, h.out.String(), "MISSING_HEADERS")
}

func TestVerifyLocalFixesMissingDirAndLink(t *testing.T) {
	dir, _ := basicTree(t)
	require.NoError(t, os.Symlink("file.bin", filepath.Join(dir, "alias")))
	h := newHarness(t, dir, nil)

	ok, err := h.manager(nil).VerifyLocal(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, h.out.String(), "NOT_FOUND")
	assert.Empty(t, h.store.Keys())

	ok, err = h.manager(nil).VerifyLocal(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"/backup/alias", "/backup/empty/", "/backup/file.bin.zst"}, h.store.Keys())
}

func TestTransientFailureRequeuedOnce(t *testing.T) {
	dir, _ := basicTree(t)
	h := newHarness(t, dir, nil)
	h.store.FailNextPut("/backup/file.bin.zst", 1)

	m := h.manager(nil)
	require.NoError(t, m.UploadAll(context.Background()))

	st := m.Status()
	assert.Equal(t, int64(1), st.Requeued)
	assert.Equal(t, int64(2), st.Committed)
	assert.Equal(t, int64(0), st.Dead)
	assert.Equal(t, int64(1), h.store.Writes())
	assert.Equal(t, []string{"/backup/empty/", "/backup/file.bin.zst"}, h.store.Keys())
}

func TestMaxAttemptsMarksDead(t *testing.T) {
	dir, _ := basicTree(t)
	h := newHarness(t, dir, nil)
	h.store.FailNextPut("/backup/file.bin.zst", 10)

	db, err := database.NewBoltDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer db.Close()

	opts := h.options()
	opts.MaxAttempts = 2
	opts.Journal = db
	m := h.manager(opts)

	err = m.UploadAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrInjected)

	st := m.Status()
	assert.Equal(t, int64(1), st.Dead)
	assert.Equal(t, int64(1), st.Requeued)
	assert.Equal(t, int64(2), st.Done())
	assert.Equal(t, int64(0), h.scratch.Outstanding())

	rec, err := db.Get(database.DeadBucket, "/backup/file.bin.zst")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
	assert.NotEmpty(t, rec.LastError)

	n, err := db.Count(database.CommittedBucket)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// failingProcessor 对指定文件名返回预处理错误，其余交给真实的预处理器
type failingProcessor struct {
	syncer.Processor
	name string
}

func (p *failingProcessor) Process(path string, kind fs.Kind) (*fs.Upload, error) {
	if filepath.Base(path) == p.name {
		return nil, &preprocess.ProcessingError{Op: "open", Path: path, Err: os.ErrPermission}
	}
	return p.Processor.Process(path, kind)
}

func TestPreprocessFailureCountsTowardCompletion(t *testing.T) {
	dir, _ := basicTree(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.bin"), []byte("x"), 0644))
	h := newHarness(t, dir, nil)

	opts := h.options()
	opts.Preprocessor = &failingProcessor{Processor: opts.Preprocessor, name: "secret.bin"}
	m := h.manager(opts)
	err := m.UploadAll(context.Background())
	require.Error(t, err)

	var perr *preprocess.ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, os.ErrPermission)
	st := m.Status()
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(3), st.Done())
	assert.Equal(t, []string{"/backup/empty/", "/backup/file.bin.zst"}, h.store.Keys())
}

func TestAmbiguousLinkNameRejected(t *testing.T) {
	dir, _ := basicTree(t)
	require.NoError(t, os.Symlink("file.bin", filepath.Join(dir, "alias.zst")))
	h := newHarness(t, dir, nil)

	m := h.manager(nil)
	err := m.UploadAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrAmbiguousLink)

	st := m.Status()
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(2), st.Committed)
	assert.Equal(t, int64(3), st.Done())
	assert.Equal(t, int64(0), st.Requeued)
	assert.Equal(t, []string{"/backup/empty/", "/backup/file.bin.zst"}, h.store.Keys())
}

// slowClient 让每次上传变慢，模拟消费者跟不上生产者
type slowClient struct {
	fs.TransferClient
	delay time.Duration
}

func (c *slowClient) Put(ctx context.Context, remotePath string, u *fs.Upload) (fs.PutOutcome, error) {
	time.Sleep(c.delay)
	return c.TransferClient.Put(ctx, remotePath, u)
}

func TestBackpressureBoundsScratchFiles(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("payload!"), 4000)
	for i := 0; i < 40; i++ {
		name := filepath.Join(dir, "f"+string(rune('a'+i%26))+string(rune('a'+i/26))+".bin")
		require.NoError(t, os.WriteFile(name, content, 0644))
	}
	h := newHarness(t, dir, nil)

	opts := h.options()
	opts.Client = &slowClient{TransferClient: h.client, delay: 5 * time.Millisecond}
	opts.Workers = 2
	opts.Preprocessors = 2
	opts.PreloadMultiplier = 1
	m := h.manager(opts)

	require.NoError(t, m.UploadAll(context.Background()))

	preload := int64(opts.PreloadMultiplier * opts.Workers)
	bound := preload + 2*int64(opts.Preprocessors) + int64(opts.Workers)
	assert.LessOrEqual(t, h.scratch.HighWater(), bound)
	assert.Equal(t, int64(40), m.Status().Committed)
	assert.Len(t, h.store.Keys(), 40)
}

// vanishingClient 在上传前删除全部临时文件
type vanishingClient struct {
	fs.TransferClient
	scratch *preprocess.Scratch
}

func (c *vanishingClient) LocalToRemote(localPath, localRoot string, kind fs.Kind) (string, error) {
	if kind == fs.KindFile {
		filepath.WalkDir(c.scratch.Root(), func(p string, d iofs.DirEntry, err error) error {
			if err == nil && d.Type().IsRegular() {
				os.Remove(p)
			}
			return nil
		})
	}
	return c.TransferClient.LocalToRemote(localPath, localRoot, kind)
}

func TestScratchVanishedAbortsRun(t *testing.T) {
	dir, _ := basicTree(t)
	h := newHarness(t, dir, nil)

	opts := h.options()
	opts.Client = &vanishingClient{TransferClient: h.client, scratch: h.scratch}
	err := h.manager(opts).UploadAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncer.ErrScratchVanished))
	assert.NotContains(t, h.store.Keys(), "/backup/file.bin.zst")
}

func TestUploadCancelled(t *testing.T) {
	dir, _ := basicTree(t)
	h := newHarness(t, dir, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.manager(nil).UploadAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatusSnapshot(t *testing.T) {
	dir, _ := basicTree(t)
	h := newHarness(t, dir, nil)
	m := h.manager(nil)

	st := m.Status()
	assert.False(t, st.TotalsFinal)
	assert.Equal(t, int64(0), st.Done())

	require.NoError(t, m.UploadAll(context.Background()))

	st = m.Status()
	assert.Equal(t, "upload", st.Mode)
	assert.True(t, st.TotalsFinal)
	assert.Equal(t, int64(2), st.TotalObjects)
	assert.Equal(t, int64(10000), st.TotalBytes)
	assert.Equal(t, int64(2), st.Done())
	assert.Equal(t, int64(10000), st.BytesDone)
	assert.Equal(t, 0, st.QueueLength)
	assert.GreaterOrEqual(t, st.DirCacheSize, 2)
	assert.Equal(t, int64(0), st.ScratchFiles)
}

// listingModes S3 列表不带元数据，内存后端两种行为都要覆盖
var listingModes = map[string][]memory.Option{
	"full listing": nil,
	"bare listing": {memory.WithBareListing()},
}

var sourceTime = time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)

func TestDownloadRoundTrip(t *testing.T) {
	for name, opts := range listingModes {
		t.Run(name, func(t *testing.T) {
			dir, content := basicTree(t)
			require.NoError(t, os.Symlink("file.bin", filepath.Join(dir, "alias")))
			require.NoError(t, os.Chtimes(filepath.Join(dir, "file.bin"), sourceTime, sourceTime))
			require.NoError(t, os.Chtimes(filepath.Join(dir, "empty"), sourceTime, sourceTime))
			h := newHarness(t, dir, memory.New(6, opts...))
			require.NoError(t, h.manager(nil).UploadAll(context.Background()))

			restore := t.TempDir()
			d := newHarness(t, restore, h.store)
			m := d.manager(nil)
			require.NoError(t, m.DownloadAll(context.Background()))

			got, err := os.ReadFile(filepath.Join(restore, "file.bin"))
			require.NoError(t, err)
			assert.Equal(t, content, got)

			info, err := os.Stat(filepath.Join(restore, "file.bin"))
			require.NoError(t, err)
			assert.True(t, sourceTime.Equal(info.ModTime()), "file mtime %s", info.ModTime())

			target, err := os.Readlink(filepath.Join(restore, "alias"))
			require.NoError(t, err)
			assert.Equal(t, "file.bin", target)

			info, err = os.Stat(filepath.Join(restore, "empty"))
			require.NoError(t, err)
			assert.True(t, info.IsDir())
			assert.True(t, sourceTime.Equal(info.ModTime()), "dir mtime %s", info.ModTime())

			st := m.Status()
			assert.Equal(t, int64(3), st.Committed)
			assert.Equal(t, int64(0), st.Failed)
			// 总量按原始大小统计，链接计目标长度
			assert.Equal(t, int64(len(content)+len("file.bin")), st.TotalBytes)

			// 第二次下载跳过文件与链接，目录只恢复时间
			d2 := newHarness(t, restore, h.store)
			m2 := d2.manager(nil)
			require.NoError(t, m2.DownloadAll(context.Background()))
			st = m2.Status()
			assert.Equal(t, int64(2), st.Skipped)
			assert.Equal(t, int64(1), st.Committed)
			assert.Contains(t, d2.out.String(), "EXISTS")
		})
	}
}

func TestDownloadReportsCorruption(t *testing.T) {
	dir, _ := basicTree(t)
	h := newHarness(t, dir, nil)
	require.NoError(t, h.manager(nil).UploadAll(context.Background()))

	wrong := md5.Sum([]byte("something else"))
	require.NoError(t, h.store.SetMetadata("/backup/file.bin.zst", map[string]string{
		fs.MetaUncompressedSize: "10000",
		fs.MetaOriginalMD5:      base64.StdEncoding.EncodeToString(wrong[:]),
	}))

	restore := t.TempDir()
	m := newHarness(t, restore, h.store).manager(nil)
	err := m.DownloadAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, syncer.ErrVerification)
	assert.Equal(t, int64(1), m.Status().Failed)

	_, statErr := os.Stat(filepath.Join(restore, "file.bin"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestVerifyRemote(t *testing.T) {
	for name, opts := range listingModes {
		t.Run(name, func(t *testing.T) {
			dir, content := basicTree(t)
			require.NoError(t, os.Chtimes(filepath.Join(dir, "file.bin"), sourceTime, sourceTime))
			h := newHarness(t, dir, memory.New(6, opts...))
			require.NoError(t, h.manager(nil).UploadAll(context.Background()))

			ok, err := h.manager(nil).VerifyRemote(context.Background(), false)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Contains(t, h.out.String(), "OK")

			// persist 时写到本地
			restore := t.TempDir()
			p := newHarness(t, restore, h.store)
			ok, err = p.manager(nil).VerifyRemote(context.Background(), true)
			require.NoError(t, err)
			assert.True(t, ok)
			got, err := os.ReadFile(filepath.Join(restore, "file.bin"))
			require.NoError(t, err)
			assert.Equal(t, content, got)
			info, err := os.Stat(filepath.Join(restore, "file.bin"))
			require.NoError(t, err)
			assert.True(t, sourceTime.Equal(info.ModTime()), "file mtime %s", info.ModTime())

			wrong := md5.Sum([]byte("something else"))
			require.NoError(t, h.store.SetMetadata("/backup/file.bin.zst", map[string]string{
				fs.MetaUncompressedSize: "10000",
				fs.MetaOriginalMD5:      base64.StdEncoding.EncodeToString(wrong[:]),
			}))
			h.out.Reset()
			ok, err = h.manager(nil).VerifyRemote(context.Background(), false)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Contains(t, h.out.String(), "CHECKSUM_MISMATCH")
		})
	}
}
