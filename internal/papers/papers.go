package papers

import (
	"path/filepath"

	"github.com/schaermu/zotsyncd/internal/zotero"
)

// linkMarkerLen is the length of the fixed marker that prefixes the stored
// path of a linked file. Only its length matters, not its content.
const linkMarkerLen = 12

// extensionLen is the length of the ".pdf" suffix removed from display names.
const extensionLen = 4

// Document is a PDF that, according to the collection, should be on the device
type Document struct {
	Name   string // display name, unique key on the device side
	Source string // absolute local path of the PDF content
}

// Enumerate derives the desired documents from collection items. Only PDF
// attachments stored as linked files or imported copies are considered;
// anything whose name or path cannot be resolved is skipped. Input order is
// preserved and duplicate names are kept.
func Enumerate(storageRoot string, items []zotero.Item) []Document {
	docs := make([]Document, 0, len(items))
	for _, item := range items {
		if item.ContentType != zotero.ContentTypePDF {
			continue
		}
		if doc, ok := resolve(storageRoot, item); ok {
			docs = append(docs, doc)
		}
	}
	return docs
}

// resolve maps one item to a Document according to its link mode
func resolve(storageRoot string, item zotero.Item) (Document, bool) {
	var doc Document

	switch item.LinkMode {
	case zotero.LinkModeLinkedFile:
		if len(item.Path) <= linkMarkerLen {
			return doc, false
		}
		doc.Source = filepath.Join(storageRoot, item.Path[linkMarkerLen:])
		doc.Name = StripExtension(item.Title)

	case zotero.LinkModeImportedURL:
		if item.Key == "" || item.Filename == "" {
			return doc, false
		}
		doc.Source = filepath.Join(storageRoot, item.Key, item.Filename)
		doc.Name = StripExtension(filepath.Base(doc.Source))

	default:
		return doc, false
	}

	if doc.Name == "" || doc.Source == "" {
		return doc, false
	}
	return doc, true
}

// StripExtension removes the trailing four characters (the ".pdf" extension)
// from a title or filename. Names of four characters or fewer become empty.
func StripExtension(name string) string {
	r := []rune(name)
	if len(r) <= extensionLen {
		return ""
	}
	return string(r[:len(r)-extensionLen])
}

// Names returns the display names of docs in order
func Names(docs []Document) []string {
	names := make([]string, 0, len(docs))
	for _, d := range docs {
		names = append(names, d.Name)
	}
	return names
}
