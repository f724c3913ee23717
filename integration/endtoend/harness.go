//go:build integration

// Package endtoend runs complete syncs against an in-process Zotero API and
// a scripted stand-in for rmapi that keeps the tablet folder on disk.
package endtoend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/schaermu/zotsyncd/internal/config"
	"github.com/schaermu/zotsyncd/internal/zotero"
)

const (
	libraryID     = "4242"
	apiKey        = "integration-key"
	collection    = "Reading"
	collectionKey = "RDNG0001"
	folder        = "Papers"
)

// fakeRMAPI emulates the rmapi subcommands the device client uses. The
// tablet folder is a directory; a "<name>.ink" file next to an entry marks
// it as annotated and holds the annotated PDF.
const fakeRMAPI = `#!/bin/sh
tablet=%q
cmd="$1"
[ $# -gt 0 ] && shift
case "$cmd" in
ls)
  for f in "$tablet"/*; do
    [ -e "$f" ] || continue
    n=$(basename "$f")
    case "$n" in *.ink) continue ;; esac
    printf '[f]\t%%s\n' "$n"
  done
  printf '[d]\tTrash\n'
  ;;
put)
  n=$(basename "$1" .pdf)
  cp "$1" "$tablet/$n"
  ;;
geta)
  n=$(basename "$1")
  [ -e "$tablet/$n" ] || { echo "entry not found: $n" >&2; exit 1; }
  printf 'zip' > "$n.zip"
  if [ -f "$tablet/$n.ink" ]; then cp "$tablet/$n.ink" "$n-annotations.pdf"; fi
  ;;
rm)
  n=$(basename "$1")
  rm "$tablet/$n" 2>/dev/null || { echo "entry not found: $n" >&2; exit 1; }
  rm -f "$tablet/$n.ink"
  ;;
*)
  echo "unknown command: $cmd" >&2
  exit 2
  ;;
esac
`

// Harness wires a fake Zotero library, a fake tablet and a local storage root
type Harness struct {
	t       *testing.T
	Root    string
	Tablet  string
	Storage string
	Binary  string
	Server  *httptest.Server

	mu    sync.Mutex
	items []zotero.Item
}

// NewHarness creates the directories, the rmapi script and the API server
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	root := t.TempDir()
	h := &Harness{
		t:       t,
		Root:    root,
		Tablet:  filepath.Join(root, "tablet"),
		Storage: filepath.Join(root, "storage"),
		Binary:  filepath.Join(root, "bin", "rmapi"),
	}

	for _, dir := range []string{h.Tablet, h.Storage, filepath.Dir(h.Binary)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	if err := os.WriteFile(h.Binary, []byte(fmt.Sprintf(fakeRMAPI, h.Tablet)), 0755); err != nil {
		t.Fatalf("write rmapi script: %v", err)
	}

	h.Server = httptest.NewServer(http.HandlerFunc(h.serveZotero))
	t.Cleanup(h.Server.Close)

	return h
}

// Config returns a validated configuration pointing at the harness
func (h *Harness) Config(journalPath string) *config.Config {
	h.t.Helper()
	cfg := &config.Config{
		Zotero: config.ZoteroConfig{
			APIKey:          apiKey,
			LibraryID:       libraryID,
			LibraryType:     config.LibraryUser,
			Collection:      collection,
			BaseURL:         h.Server.URL,
			CollectionLimit: config.DefaultCollectionLimit,
		},
		Device: config.DeviceConfig{
			Binary:  h.Binary,
			Folder:  folder,
			WorkDir: filepath.Join(h.Root, "work"),
		},
		Paths:   config.PathsConfig{StorageRoot: h.Storage},
		Journal: config.JournalConfig{Path: journalPath},
	}
	if err := cfg.Validate(); err != nil {
		h.t.Fatalf("harness config invalid: %v", err)
	}
	return cfg
}

// SetItems replaces the collection contents
func (h *Harness) SetItems(items ...zotero.Item) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = items
}

// AddLinkedPaper stores a PDF at rel under the storage root and returns a
// linked-file item titled title
func (h *Harness) AddLinkedPaper(key, title, rel, content string) zotero.Item {
	h.t.Helper()
	h.WriteStorage(rel, content)
	return zotero.Item{
		Key:         key,
		ContentType: zotero.ContentTypePDF,
		LinkMode:    zotero.LinkModeLinkedFile,
		Title:       title,
		Path:        "attachments:" + rel,
	}
}

// AddImportedPaper stores a PDF under <storage>/<key>/ and returns its item
func (h *Harness) AddImportedPaper(key, filename, content string) zotero.Item {
	h.t.Helper()
	h.WriteStorage(filepath.Join(key, filename), content)
	return zotero.Item{
		Key:         key,
		ContentType: zotero.ContentTypePDF,
		LinkMode:    zotero.LinkModeImportedURL,
		Title:       "Imported " + filename,
		Filename:    filename,
	}
}

// WriteStorage writes a file relative to the storage root
func (h *Harness) WriteStorage(rel, content string) {
	h.t.Helper()
	p := filepath.Join(h.Storage, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		h.t.Fatal(err)
	}
}

// ReadStorage reads a file relative to the storage root
func (h *Harness) ReadStorage(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.Storage, rel))
	if err != nil {
		h.t.Fatalf("read storage %s: %v", rel, err)
	}
	return string(data)
}

// PutOnTablet places an entry in the tablet folder
func (h *Harness) PutOnTablet(name, content string) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(h.Tablet, name), []byte(content), 0644); err != nil {
		h.t.Fatal(err)
	}
}

// Annotate marks an entry on the tablet as annotated with the given content
func (h *Harness) Annotate(name, content string) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(h.Tablet, name+".ink"), []byte(content), 0644); err != nil {
		h.t.Fatal(err)
	}
}

// TabletEntries lists the documents currently on the tablet, sorted
func (h *Harness) TabletEntries() []string {
	h.t.Helper()
	entries, err := os.ReadDir(h.Tablet)
	if err != nil {
		h.t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".ink") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func (h *Harness) serveZotero(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Zotero-API-Key") != apiKey {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	prefix := "/users/" + libraryID
	switch r.URL.Path {
	case prefix + "/collections":
		writeJSON(w, []map[string]any{
			{"key": "OTHER001", "data": map[string]any{"name": "Archive"}},
			{"key": collectionKey, "data": map[string]any{"name": collection}},
		}, 2)

	case prefix + "/collections/" + collectionKey + "/items":
		h.mu.Lock()
		items := append([]zotero.Item(nil), h.items...)
		h.mu.Unlock()

		envelopes := make([]map[string]any, 0, len(items))
		for _, it := range items {
			envelopes = append(envelopes, map[string]any{"key": it.Key, "data": it})
		}
		writeJSON(w, envelopes, len(envelopes))

	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any, total int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Total-Results", fmt.Sprint(total))
	_ = json.NewEncoder(w).Encode(v)
}
