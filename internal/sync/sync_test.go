package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/schaermu/zotsyncd/internal/config"
	"github.com/schaermu/zotsyncd/internal/device"
	"github.com/schaermu/zotsyncd/internal/testutil"
	"github.com/schaermu/zotsyncd/internal/zotero"
)

// fakeLibrary implements zotero.Client for testing.
type fakeLibrary struct {
	collections    []zotero.Collection
	items          map[string][]zotero.Item
	collectionsErr error
	itemsErr       error
}

func (f *fakeLibrary) Collections(_ context.Context, _ int) ([]zotero.Collection, error) {
	return f.collections, f.collectionsErr
}

func (f *fakeLibrary) CollectionItems(_ context.Context, key string) ([]zotero.Item, error) {
	if f.itemsErr != nil {
		return nil, f.itemsErr
	}
	return f.items[key], nil
}

// fakeDevice implements device.Device for testing. Fetch writes artifacts
// into workDir for every name in annotated.
type fakeDevice struct {
	workDir   string
	entries   []string
	annotated map[string][]byte

	checkErr  error
	listErr   error
	putErr    map[string]error
	fetchErr  map[string]error
	removeErr map[string]error

	calls []string
}

func (f *fakeDevice) Check(_ context.Context) error {
	f.calls = append(f.calls, "check")
	return f.checkErr
}

func (f *fakeDevice) List(_ context.Context) ([]device.Entry, error) {
	f.calls = append(f.calls, "list")
	if f.listErr != nil {
		return nil, f.listErr
	}
	return entries(f.entries...), nil
}

func (f *fakeDevice) Put(_ context.Context, name, localPath string) error {
	f.calls = append(f.calls, "put "+name+" <- "+filepath.Base(localPath))
	return f.putErr[name]
}

func (f *fakeDevice) Fetch(_ context.Context, name string) (device.Artifacts, error) {
	f.calls = append(f.calls, "fetch "+name)
	artifacts := device.ArtifactsFor(f.workDir, name)
	if err := os.WriteFile(artifacts.Archive, []byte("zip"), 0644); err != nil {
		return artifacts, err
	}
	if content, ok := f.annotated[name]; ok {
		if err := os.WriteFile(artifacts.Annotated, content, 0644); err != nil {
			return artifacts, err
		}
	}
	return artifacts, f.fetchErr[name]
}

func (f *fakeDevice) Remove(_ context.Context, name string) error {
	f.calls = append(f.calls, "remove "+name)
	return f.removeErr[name]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Zotero: config.ZoteroConfig{
			APIKey:          "key",
			LibraryID:       "42",
			LibraryType:     config.LibraryUser,
			Collection:      "To Read",
			CollectionLimit: config.DefaultCollectionLimit,
		},
		Device: config.DeviceConfig{
			Binary:  "rmapi",
			Folder:  "Papers",
			WorkDir: t.TempDir(),
		},
		Paths: config.PathsConfig{
			StorageRoot: t.TempDir(),
		},
	}
}

// linkedItem builds a linked-file item whose stored path resolves under the
// storage root to rel.
func linkedItem(key, title, rel string) zotero.Item {
	return zotero.Item{
		Key:         key,
		ContentType: zotero.ContentTypePDF,
		LinkMode:    zotero.LinkModeLinkedFile,
		Title:       title,
		Path:        "attachments:" + rel,
	}
}

func library(items ...zotero.Item) *fakeLibrary {
	return &fakeLibrary{
		collections: []zotero.Collection{{Key: "COL1", Name: "Other"}, {Key: "COL2", Name: "To Read"}},
		items:       map[string][]zotero.Item{"COL2": items},
	}
}

func writeSource(t *testing.T, cfg *config.Config, rel, content string) string {
	t.Helper()
	path := filepath.Join(cfg.Paths.StorageRoot, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func TestRun_DryRun(t *testing.T) {
	cfg := testConfig(t)
	src := writeSource(t, cfg, "b.pdf", "original")

	lib := library(
		linkedItem("A", "paperA.pdf", "a.pdf"),
		linkedItem("B", "paperB.pdf", "b.pdf"),
	)
	dev := &fakeDevice{
		workDir:   cfg.Device.WorkDir,
		entries:   []string{"paperB", "paperC"},
		annotated: map[string][]byte{"paperB": []byte("annotated")},
	}

	engine := NewEngine(cfg, lib, dev, testLogger(), true)
	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if diff := cmp.Diff([]string{"check", "list"}, dev.calls); diff != "" {
		t.Errorf("dry-run device calls mismatch (-want +got):\n%s", diff)
	}
	if got := readFile(t, src); got != "original" {
		t.Errorf("source modified in dry-run: %q", got)
	}
	if !report.DryRun {
		t.Error("report should be marked dry-run")
	}
	if len(report.Results) != 0 {
		t.Errorf("dry-run produced %d results, want 0", len(report.Results))
	}
	if report.Plan == nil {
		t.Fatal("dry-run report should carry the plan")
	}
	if got := len(report.Plan.Retrieve) + len(report.Plan.Upload) + len(report.Plan.Delete); got != 3 {
		t.Errorf("plan has %d actions, want 3", got)
	}
}

func TestRun_FullSync(t *testing.T) {
	cfg := testConfig(t)
	srcA := writeSource(t, cfg, "a.pdf", "paper a")
	srcB := writeSource(t, cfg, "sub/b.pdf", "paper b")

	lib := library(
		linkedItem("A", "paperA.pdf", "a.pdf"),
		linkedItem("B", "paperB.pdf", "sub/b.pdf"),
	)
	dev := &fakeDevice{
		workDir:   cfg.Device.WorkDir,
		entries:   []string{"paperB", "paperC"},
		annotated: map[string][]byte{"paperB": []byte("paper b with ink")},
	}

	engine := NewEngine(cfg, lib, dev, testLogger(), false)
	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	wantCalls := []string{"check", "list", "fetch paperB", "put paperA <- a.pdf", "remove paperC"}
	if diff := cmp.Diff(wantCalls, dev.calls); diff != "" {
		t.Errorf("device calls mismatch (-want +got):\n%s", diff)
	}

	if got := readFile(t, srcB); got != "paper b with ink" {
		t.Errorf("source B = %q, want annotated content", got)
	}
	if got := readFile(t, srcA); got != "paper a" {
		t.Errorf("source A = %q, should be untouched", got)
	}

	leftovers, err := os.ReadDir(cfg.Device.WorkDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(leftovers) != 0 {
		t.Errorf("work dir not cleaned up: %d entries left", len(leftovers))
	}

	if report.Found != 2 || report.OnDevice != 2 {
		t.Errorf("Found=%d OnDevice=%d, want 2 and 2", report.Found, report.OnDevice)
	}
	for _, action := range []Action{ActionRetrieve, ActionUpload, ActionDelete} {
		if got := report.Succeeded(action); got != 1 {
			t.Errorf("Succeeded(%s) = %d, want 1", action, got)
		}
	}
	if len(report.Failures()) != 0 {
		t.Errorf("unexpected failures: %v", report.Failures())
	}
	if report.FinishedAt.IsZero() {
		t.Error("FinishedAt not set")
	}
	if got := report.RetrievedPages(); got != 0 {
		t.Errorf("RetrievedPages() = %d, want 0 for an unreadable annotated copy", got)
	}
}

func TestRun_UploadsUnderDocumentName(t *testing.T) {
	cfg := testConfig(t)
	writeSource(t, cfg, "sub/doc.pdf", "content")

	lib := library(linkedItem("D", "Doc Title.pdf", "sub/doc.pdf"))
	dev := &fakeDevice{workDir: cfg.Device.WorkDir}

	engine := NewEngine(cfg, lib, dev, testLogger(), false)
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	wantCalls := []string{"check", "list", "put Doc Title <- doc.pdf"}
	if diff := cmp.Diff(wantCalls, dev.calls); diff != "" {
		t.Errorf("device calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_RecordsRetrievedPages(t *testing.T) {
	cfg := testConfig(t)
	src := writeSource(t, cfg, "inked.pdf", "plain")
	annotated := testutil.MinimalPDF(4)

	lib := library(linkedItem("1", "inked.pdf", "inked.pdf"))
	dev := &fakeDevice{
		workDir:   cfg.Device.WorkDir,
		entries:   []string{"inked"},
		annotated: map[string][]byte{"inked": annotated},
	}

	engine := NewEngine(cfg, lib, dev, testLogger(), false)
	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := []Result{{Action: ActionRetrieve, Name: "inked", Pages: 4, Bytes: int64(len(annotated))}}
	if diff := cmp.Diff(want, report.Results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	if got := report.RetrievedPages(); got != 4 {
		t.Errorf("RetrievedPages() = %d, want 4", got)
	}
	if got := readFile(t, src); got != string(annotated) {
		t.Error("source not replaced by the annotated copy")
	}
}

func TestRun_ContinuesAfterItemFailure(t *testing.T) {
	cfg := testConfig(t)
	writeSource(t, cfg, "one.pdf", "1")
	writeSource(t, cfg, "two.pdf", "2")
	writeSource(t, cfg, "three.pdf", "3")

	lib := library(
		linkedItem("1", "one.pdf", "one.pdf"),
		linkedItem("2", "two.pdf", "two.pdf"),
		linkedItem("3", "three.pdf", "three.pdf"),
	)
	dev := &fakeDevice{
		workDir: cfg.Device.WorkDir,
		entries: []string{"stale1", "stale2"},
		putErr:  map[string]error{"two": errors.New("upload refused")},
		removeErr: map[string]error{
			"stale1": errors.New("remove refused"),
		},
	}

	engine := NewEngine(cfg, lib, dev, testLogger(), false)
	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	wantCalls := []string{
		"check", "list",
		"put one <- one.pdf", "put two <- two.pdf", "put three <- three.pdf",
		"remove stale1", "remove stale2",
	}
	if diff := cmp.Diff(wantCalls, dev.calls); diff != "" {
		t.Errorf("device calls mismatch (-want +got):\n%s", diff)
	}

	failures := report.Failures()
	if len(failures) != 2 {
		t.Fatalf("got %d failures, want 2", len(failures))
	}
	if failures[0].Action != ActionUpload || failures[0].Name != "two" {
		t.Errorf("first failure = %+v, want upload of two", failures[0])
	}
	if failures[1].Action != ActionDelete || failures[1].Name != "stale1" {
		t.Errorf("second failure = %+v, want delete of stale1", failures[1])
	}
	if got := report.Succeeded(ActionUpload); got != 2 {
		t.Errorf("Succeeded(upload) = %d, want 2", got)
	}
}

func TestRun_RetrieveFailures(t *testing.T) {
	cfg := testConfig(t)
	srcNo := writeSource(t, cfg, "plain.pdf", "plain")
	srcErr := writeSource(t, cfg, "broken.pdf", "broken")
	srcOK := writeSource(t, cfg, "inked.pdf", "inked")

	lib := library(
		linkedItem("1", "plain.pdf", "plain.pdf"),
		linkedItem("2", "broken.pdf", "broken.pdf"),
		linkedItem("3", "inked.pdf", "inked.pdf"),
	)
	dev := &fakeDevice{
		workDir: cfg.Device.WorkDir,
		entries: []string{"plain", "broken", "inked"},
		annotated: map[string][]byte{
			"broken": []byte("partial"),
			"inked":  []byte("inked with notes"),
		},
		fetchErr: map[string]error{"broken": errors.New("geta crashed")},
	}

	engine := NewEngine(cfg, lib, dev, testLogger(), false)
	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	failures := report.Failures()
	if len(failures) != 2 {
		t.Fatalf("got %d failures, want 2: %v", len(failures), failures)
	}
	if !errors.Is(failures[0].Err, ErrNoAnnotations) {
		t.Errorf("plain failure = %v, want ErrNoAnnotations", failures[0].Err)
	}
	if failures[1].Name != "broken" {
		t.Errorf("second failure name = %q, want broken", failures[1].Name)
	}

	if got := readFile(t, srcNo); got != "plain" {
		t.Errorf("plain source = %q, should be untouched", got)
	}
	if got := readFile(t, srcErr); got != "broken" {
		t.Errorf("broken source = %q, should be untouched after failed fetch", got)
	}
	if got := readFile(t, srcOK); got != "inked with notes" {
		t.Errorf("inked source = %q, want annotated content", got)
	}

	leftovers, err := os.ReadDir(cfg.Device.WorkDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(leftovers) != 0 {
		t.Errorf("work dir not cleaned up after failures: %d entries left", len(leftovers))
	}
}

func TestRun_SourceMissing(t *testing.T) {
	cfg := testConfig(t)

	lib := library(linkedItem("1", "ghost.pdf", "ghost.pdf"))
	dev := &fakeDevice{workDir: cfg.Device.WorkDir}

	engine := NewEngine(cfg, lib, dev, testLogger(), false)
	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	failures := report.Failures()
	if len(failures) != 1 || !errors.Is(failures[0].Err, ErrSourceMissing) {
		t.Fatalf("failures = %v, want one ErrSourceMissing", failures)
	}
	for _, call := range dev.calls {
		if strings.HasPrefix(call, "put ") {
			t.Error("missing source should not be handed to the device")
		}
	}
}

func TestRun_FatalErrors(t *testing.T) {
	tests := []struct {
		name      string
		lib       *fakeLibrary
		dev       func(workDir string) *fakeDevice
		wantCalls []string
	}{
		{
			name: "device tool unavailable",
			lib:  library(),
			dev: func(workDir string) *fakeDevice {
				return &fakeDevice{workDir: workDir, checkErr: device.ErrBinaryNotFound}
			},
			wantCalls: []string{"check"},
		},
		{
			name: "collection lookup fails",
			lib:  &fakeLibrary{collectionsErr: errors.New("HTTP 403")},
			dev: func(workDir string) *fakeDevice {
				return &fakeDevice{workDir: workDir}
			},
			wantCalls: []string{"check"},
		},
		{
			name: "collection not found",
			lib:  &fakeLibrary{collections: []zotero.Collection{{Key: "X", Name: "Elsewhere"}}},
			dev: func(workDir string) *fakeDevice {
				return &fakeDevice{workDir: workDir}
			},
			wantCalls: []string{"check"},
		},
		{
			name: "item enumeration fails",
			lib: &fakeLibrary{
				collections: []zotero.Collection{{Key: "COL2", Name: "To Read"}},
				itemsErr:    errors.New("connection reset"),
			},
			dev: func(workDir string) *fakeDevice {
				return &fakeDevice{workDir: workDir}
			},
			wantCalls: []string{"check"},
		},
		{
			name: "device listing fails",
			lib:  library(),
			dev: func(workDir string) *fakeDevice {
				return &fakeDevice{workDir: workDir, listErr: errors.New("not logged in")}
			},
			wantCalls: []string{"check", "list"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			dev := tt.dev(cfg.Device.WorkDir)

			engine := NewEngine(cfg, tt.lib, dev, testLogger(), false)
			report, err := engine.Run(context.Background())
			if err == nil {
				t.Fatal("expected fatal error")
			}
			if report == nil {
				t.Fatal("report should never be nil")
			}
			if len(report.Results) != 0 {
				t.Errorf("fatal run should not execute actions, got %d results", len(report.Results))
			}
			if diff := cmp.Diff(tt.wantCalls, dev.calls); diff != "" {
				t.Errorf("device calls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRun_CollectionNotFoundWrapsSentinel(t *testing.T) {
	cfg := testConfig(t)
	lib := &fakeLibrary{}
	dev := &fakeDevice{workDir: cfg.Device.WorkDir}

	_, err := NewEngine(cfg, lib, dev, testLogger(), false).Run(context.Background())
	if !errors.Is(err, zotero.ErrCollectionNotFound) {
		t.Errorf("error = %v, want ErrCollectionNotFound", err)
	}
}

func TestRun_EmptyBothSides(t *testing.T) {
	cfg := testConfig(t)
	dev := &fakeDevice{workDir: cfg.Device.WorkDir}

	report, err := NewEngine(cfg, library(), dev, testLogger(), false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !report.Plan.Empty() {
		t.Errorf("plan should be empty: %+v", report.Plan)
	}
	if diff := cmp.Diff([]string{"check", "list"}, dev.calls); diff != "" {
		t.Errorf("device calls mismatch (-want +got):\n%s", diff)
	}
}

func TestLogPlanDetails(t *testing.T) {
	engine := NewEngine(testConfig(t), &fakeLibrary{}, &fakeDevice{}, testLogger(), true)

	plan := BuildPlan(entries("b", "c"), docs("a", "b"))

	// Should not panic
	engine.logPlanDetails(plan)
	engine.logPlanDetails(BuildPlan(nil, nil))
}

func TestCopyFile(t *testing.T) {
	tmpDir := t.TempDir()

	src := filepath.Join(tmpDir, "source.pdf")
	content := []byte("%PDF-1.4 annotated")
	if err := os.WriteFile(src, content, 0600); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(tmpDir, "dest.pdf")
	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile failed: %v", err)
	}

	if got := readFile(t, dst); got != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestMoveFile(t *testing.T) {
	tmpDir := t.TempDir()

	src := filepath.Join(tmpDir, "work", "paper-annotations.pdf")
	if err := os.MkdirAll(filepath.Dir(src), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(tmpDir, "library", "nested", "paper.pdf")
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := moveFile(src, dst); err != nil {
		t.Fatalf("moveFile failed: %v", err)
	}

	if got := readFile(t, dst); got != "new" {
		t.Errorf("dst = %q, want %q", got, "new")
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("src should be gone, stat err = %v", err)
	}
}
