package dedup_test

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"dedup-go/internal/dedup"
	"dedup-go/internal/store"
	"dedup-go/internal/testutil"
)

func newTestUploader(t *testing.T, st dedup.RemoteStore) (*dedup.Uploader, dedup.Index) {
	t.Helper()
	index := testutil.NewTestIndex(t)
	return dedup.NewUploader(index, st, dedup.NewNopLogger(), testutil.FixedClock()), index
}

func storeObject(t *testing.T, st dedup.RemoteStore, remotePath string) []byte {
	t.Helper()
	rc, err := st.Get(context.Background(), remotePath)
	if err != nil {
		t.Fatalf("Get(%s) error: %v", remotePath, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading %s: %v", remotePath, err)
	}
	return data
}

func TestUploadDeduplicatesWithinRun(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"a.txt":   "duplicated content",
		"b/a.txt": "duplicated content",
		"c.txt":   "unique content",
	})

	st := store.NewMemoryStore()
	uploader, index := newTestUploader(t, st)

	// One worker keeps walk order deterministic: a.txt becomes the original.
	summary, err := uploader.Run(context.Background(), dedup.UploadOptions{
		Source:    dir,
		DriveName: "D",
		Workers:   1,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := summary.Counts[dedup.OutcomeUploaded]; got != 2 {
		t.Errorf("uploaded = %d, want 2", got)
	}
	if got := summary.Counts[dedup.OutcomePointed]; got != 1 {
		t.Errorf("pointed = %d, want 1", got)
	}
	if len(summary.Failures) != 0 {
		t.Errorf("unexpected failures: %v", summary.Failures)
	}

	// The original's content and the duplicate's pointer are in the store.
	if got := storeObject(t, st, "D/a.txt"); string(got) != "duplicated content" {
		t.Errorf("D/a.txt content = %q", got)
	}
	p, err := dedup.DecodePointer(storeObject(t, st, "D/b/a.txt"+dedup.PointerExt))
	if err != nil {
		t.Fatalf("decoding pointer: %v", err)
	}
	if p.OriginalPath != "D/a.txt" {
		t.Errorf("pointer original path = %q, want D/a.txt", p.OriginalPath)
	}
	if want := testutil.SHA256Hex([]byte("duplicated content")); p.OriginalHash != want {
		t.Errorf("pointer hash = %q, want %q", p.OriginalHash, want)
	}

	// No full copy was transferred for the duplicate.
	if exists, _ := st.Exists(context.Background(), "D/b/a.txt"); exists {
		t.Error("duplicate was uploaded as full content")
	}
	if st.PutCount() != 3 { // two content objects + one pointer
		t.Errorf("PutCount = %d, want 3", st.PutCount())
	}

	// The index records the original occurrence.
	rec, err := index.Lookup(testutil.SHA256Hex([]byte("duplicated content")))
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if rec == nil {
		t.Fatal("Lookup() returned nil for uploaded content")
	}
	if rec.FilePath != "a.txt" || rec.UploadPath != "D/a.txt" {
		t.Errorf("original record = %+v", rec)
	}
}

func TestUploadIdempotent(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"a.txt":   "dup",
		"b/a.txt": "dup",
		"c.txt":   "unique",
	})

	st := store.NewMemoryStore()
	uploader, _ := newTestUploader(t, st)
	opts := dedup.UploadOptions{Source: dir, DriveName: "D", Workers: 2}

	if _, err := uploader.Run(context.Background(), opts); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	putsAfterFirst := st.PutCount()

	summary, err := uploader.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}

	if got := summary.Counts[dedup.OutcomeSkipped]; got != 3 {
		t.Errorf("skipped = %d, want 3", got)
	}
	if st.PutCount() != putsAfterFirst {
		t.Errorf("second run transferred %d objects, want 0", st.PutCount()-putsAfterFirst)
	}
}

func TestUploadScanOnlyThenUpload(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"a.txt":   "dup",
		"b/a.txt": "dup",
		"c.txt":   "unique",
	})

	index := testutil.NewTestIndex(t)

	// Scan with no store at all: nothing can be transferred.
	scanner := dedup.NewUploader(index, nil, dedup.NewNopLogger(), testutil.FixedClock())
	summary, err := scanner.Run(context.Background(), dedup.UploadOptions{
		Source:    dir,
		DriveName: "D",
		ScanOnly:  true,
		Workers:   1,
	})
	if err != nil {
		t.Fatalf("scan Run() error: %v", err)
	}
	if got := summary.Counts[dedup.OutcomeScanned]; got != 2 {
		t.Errorf("scanned = %d, want 2", got)
	}
	if got := summary.Counts[dedup.OutcomeDupRecorded]; got != 1 {
		t.Errorf("dup-recorded = %d, want 1", got)
	}

	// The scan already decided who the original is.
	rec, err := index.Lookup(testutil.SHA256Hex([]byte("dup")))
	if err != nil || rec == nil {
		t.Fatalf("Lookup() after scan = %v, %v", rec, err)
	}

	// A full run completes the transfers the scan deferred.
	st := store.NewMemoryStore()
	uploader := dedup.NewUploader(index, st, dedup.NewNopLogger(), testutil.FixedClock())
	summary, err = uploader.Run(context.Background(), dedup.UploadOptions{
		Source:    dir,
		DriveName: "D",
		Workers:   2,
	})
	if err != nil {
		t.Fatalf("upload Run() error: %v", err)
	}
	if got := summary.Counts[dedup.OutcomeUploaded]; got != 2 {
		t.Errorf("uploaded = %d, want 2", got)
	}
	if got := summary.Counts[dedup.OutcomePointed]; got != 1 {
		t.Errorf("pointed = %d, want 1", got)
	}
	if st.PutCount() != 3 {
		t.Errorf("PutCount = %d, want 3", st.PutCount())
	}
}

func TestUploadDryRun(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"a.txt":   "dup",
		"b/a.txt": "dup",
		"c.txt":   "unique",
	})

	st := store.NewMemoryStore()
	uploader, index := newTestUploader(t, st)

	t.Run("fresh tree plans uploads and mutates nothing", func(t *testing.T) {
		summary, err := uploader.Run(context.Background(), dedup.UploadOptions{
			Source:    dir,
			DriveName: "D",
			DryRun:    true,
			Workers:   1,
		})
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
		if got := summary.Counts[dedup.OutcomeWouldUpload]; got != 3 {
			t.Errorf("would-upload = %d, want 3", got)
		}
		if st.PutCount() != 0 {
			t.Errorf("dry run transferred %d objects", st.PutCount())
		}
		rec, err := index.Lookup(testutil.SHA256Hex([]byte("dup")))
		if err != nil {
			t.Fatal(err)
		}
		if rec != nil {
			t.Errorf("dry run wrote to the index: %+v", rec)
		}
	})

	t.Run("fully uploaded tree plans nothing", func(t *testing.T) {
		if _, err := uploader.Run(context.Background(), dedup.UploadOptions{
			Source:    dir,
			DriveName: "D",
			Workers:   2,
		}); err != nil {
			t.Fatalf("real Run() error: %v", err)
		}
		puts := st.PutCount()

		summary, err := uploader.Run(context.Background(), dedup.UploadOptions{
			Source:    dir,
			DriveName: "D",
			DryRun:    true,
			Workers:   2,
		})
		if err != nil {
			t.Fatalf("dry Run() error: %v", err)
		}
		if got := summary.Counts[dedup.OutcomeSkipped]; got != 3 {
			t.Errorf("skipped = %d, want 3 (counts: %v)", got, summary.Counts)
		}
		if st.PutCount() != puts {
			t.Error("dry run transferred objects")
		}
	})
}

func TestUploadBackfillsMissingPointer(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"a.txt":   "dup",
		"b/a.txt": "dup",
	})
	hash := testutil.SHA256Hex([]byte("dup"))

	st := store.NewMemoryStore()
	uploader, index := newTestUploader(t, st)

	// Seed the state an older run left behind: original uploaded and claimed,
	// duplicate indexed, but its pointer object never produced.
	if err := st.Put(context.Background(), "D/a.txt", strings.NewReader("dup"), 3); err != nil {
		t.Fatal(err)
	}
	if _, err := index.ClaimOriginal(hash, 3, "D", "a.txt", "D/a.txt"); err != nil {
		t.Fatal(err)
	}
	if err := index.RecordDuplicate(hash, 3, "D", "b/a.txt"); err != nil {
		t.Fatal(err)
	}

	summary, err := uploader.Run(context.Background(), dedup.UploadOptions{
		Source:    dir,
		DriveName: "D",
		Workers:   2,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := summary.Counts[dedup.OutcomeSkipped]; got != 1 {
		t.Errorf("skipped = %d, want 1 (the original)", got)
	}
	if got := summary.Counts[dedup.OutcomePointed]; got != 1 {
		t.Errorf("pointed = %d, want 1 (the backfilled pointer)", got)
	}

	p, err := dedup.DecodePointer(storeObject(t, st, "D/b/a.txt"+dedup.PointerExt))
	if err != nil {
		t.Fatalf("decoding backfilled pointer: %v", err)
	}
	if p.OriginalPath != "D/a.txt" {
		t.Errorf("pointer original path = %q", p.OriginalPath)
	}

	recorded, err := index.HasPointerBeenRecorded(hash, "D", "b/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !recorded {
		t.Error("pointer not flagged as recorded after backfill")
	}
}

func TestUploadResumesAfterInterruptedRun(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"a.txt":   "dup",
		"b/a.txt": "dup",
	})

	st := store.NewMemoryStore()
	uploader, _ := newTestUploader(t, st)

	// A crash between the content transfer and the index claim leaves the
	// object in the store with no record of it.
	if err := st.Put(context.Background(), "D/a.txt", strings.NewReader("dup"), 3); err != nil {
		t.Fatal(err)
	}

	summary, err := uploader.Run(context.Background(), dedup.UploadOptions{
		Source:    dir,
		DriveName: "D",
		Workers:   1,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := summary.Counts[dedup.OutcomeSkipped]; got != 1 {
		t.Errorf("skipped = %d, want 1 (content already present)", got)
	}
	if got := summary.Counts[dedup.OutcomePointed]; got != 1 {
		t.Errorf("pointed = %d, want 1", got)
	}
	// The content object was not transferred again: one pre-seeded put plus
	// one pointer put.
	if st.PutCount() != 2 {
		t.Errorf("PutCount = %d, want 2", st.PutCount())
	}
}

func TestUploadConcurrentSameContent(t *testing.T) {
	dir := t.TempDir()
	files := make(map[string]string, 20)
	for i := 0; i < 20; i++ {
		files[fmt.Sprintf("f%02d.txt", i)] = "the one true content"
	}
	testutil.WriteTree(t, dir, files)

	st := store.NewMemoryStore()
	uploader, index := newTestUploader(t, st)

	summary, err := uploader.Run(context.Background(), dedup.UploadOptions{
		Source:    dir,
		DriveName: "D",
		Workers:   8,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := summary.Counts[dedup.OutcomeUploaded]; got != 1 {
		t.Errorf("uploaded = %d, want exactly 1", got)
	}
	if got := summary.Counts[dedup.OutcomePointed]; got != 19 {
		t.Errorf("pointed = %d, want 19", got)
	}

	var contents, pointers int
	err = st.List(context.Background(), "D", func(obj dedup.ObjectInfo) error {
		if strings.HasSuffix(obj.RemotePath, dedup.PointerExt) {
			pointers++
		} else {
			contents++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if contents != 1 {
		t.Errorf("store holds %d content objects, want 1", contents)
	}
	if pointers != 19 {
		t.Errorf("store holds %d pointers, want 19", pointers)
	}

	rec, err := index.Lookup(testutil.SHA256Hex([]byte("the one true content")))
	if err != nil || rec == nil {
		t.Fatalf("Lookup() = %v, %v", rec, err)
	}
}

func TestUploadDriveRoot(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"photos/2024/a.jpg": "image bytes",
	})

	st := store.NewMemoryStore()
	uploader, _ := newTestUploader(t, st)

	_, err := uploader.Run(context.Background(), dedup.UploadOptions{
		Source:    filepath.Join(dir, "photos", "2024"),
		DriveName: "D",
		DriveRoot: dir,
		Workers:   1,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// The file keeps its position relative to the drive root.
	if exists, _ := st.Exists(context.Background(), "D/photos/2024/a.jpg"); !exists {
		t.Error("object not stored under its drive-root-relative path")
	}
}

func TestUploadOptionValidation(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"a.txt": "x"})
	uploader, _ := newTestUploader(t, store.NewMemoryStore())

	tests := []struct {
		name string
		opts dedup.UploadOptions
	}{
		{name: "missing drive name", opts: dedup.UploadOptions{Source: dir}},
		{name: "missing source", opts: dedup.UploadOptions{Source: filepath.Join(dir, "nope"), DriveName: "D"}},
		{name: "source is a file", opts: dedup.UploadOptions{Source: filepath.Join(dir, "a.txt"), DriveName: "D"}},
		{name: "source outside drive root", opts: dedup.UploadOptions{Source: dir, DriveName: "D", DriveRoot: filepath.Join(dir, "elsewhere")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := uploader.Run(context.Background(), tt.opts); err == nil {
				t.Error("Run() expected error")
			}
		})
	}
}

// failingStore rejects puts for one remote path, to exercise per-file
// failure isolation.
type failingStore struct {
	*store.MemoryStore
	failPath string
}

func (f *failingStore) Put(ctx context.Context, remotePath string, r io.Reader, size int64) error {
	if remotePath == f.failPath {
		return fmt.Errorf("injected put failure")
	}
	return f.MemoryStore.Put(ctx, remotePath, r, size)
}

func TestUploadFailedFileDoesNotAbortRun(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"bad.txt":  "will fail",
		"good.txt": "will succeed",
	})

	st := &failingStore{MemoryStore: store.NewMemoryStore(), failPath: "D/bad.txt"}
	index := testutil.NewTestIndex(t)
	uploader := dedup.NewUploader(index, st, dedup.NewNopLogger(), testutil.FixedClock())

	summary, err := uploader.Run(context.Background(), dedup.UploadOptions{
		Source:    dir,
		DriveName: "D",
		Workers:   1,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := summary.Counts[dedup.OutcomeFailed]; got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
	if got := summary.Counts[dedup.OutcomeUploaded]; got != 1 {
		t.Errorf("uploaded = %d, want 1", got)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].Path != filepath.Join(dir, "bad.txt") {
		t.Errorf("failures = %+v", summary.Failures)
	}
}
