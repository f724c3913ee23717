package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/zotsyncd/internal/config"
	"github.com/schaermu/zotsyncd/internal/device"
	"github.com/schaermu/zotsyncd/internal/papers"
	"github.com/schaermu/zotsyncd/internal/pdfinfo"
	"github.com/schaermu/zotsyncd/internal/zotero"
)

var (
	// ErrNoAnnotations is recorded when the device returned no annotated copy.
	ErrNoAnnotations = errors.New("no annotated version available")

	// ErrSourceMissing is recorded when a document's local file does not exist.
	ErrSourceMissing = errors.New("local source file missing")
)

// Engine orchestrates the sync process
type Engine struct {
	cfg     *config.Config
	library zotero.Client
	device  device.Device
	logger  *slog.Logger
	dryRun  bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, library zotero.Client, dev device.Device, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:     cfg,
		library: library,
		device:  dev,
		logger:  logger,
		dryRun:  dryRun,
	}
}

// Run executes one complete sync: capability check, enumeration, inventory,
// then retrieve, upload and delete in that order. Only the first three steps
// can fail the run; per-document failures are collected in the report. The
// returned report is never nil.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	report := newReport(e.cfg.Zotero.Collection, e.cfg.FolderPath(), e.dryRun)
	defer func() {
		report.FinishedAt = time.Now()
	}()

	e.logger.Info("starting sync",
		"collection", e.cfg.Zotero.Collection,
		"folder", e.cfg.FolderPath(),
		"dry_run", e.dryRun)

	if err := e.device.Check(ctx); err != nil {
		return report, fmt.Errorf("device tool not available: %w", err)
	}
	e.logger.Debug("device tool available", "binary", e.cfg.Device.Binary)

	desired, err := e.enumerate(ctx)
	if err != nil {
		return report, err
	}
	report.Found = len(desired)
	e.logger.Info("documents in collection", "count", len(desired), "collection", e.cfg.Zotero.Collection)
	for _, doc := range desired {
		e.logger.Debug("desired document", "name", doc.Name, "source", doc.Source)
	}

	onDevice, err := e.device.List(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list device folder: %w", err)
	}
	report.OnDevice = len(onDevice)
	e.logger.Info("documents on device", "count", len(onDevice), "folder", e.cfg.FolderPath())

	plan := BuildPlan(onDevice, desired)
	report.Plan = plan

	e.logger.Info("sync plan",
		"retrieve", len(plan.Retrieve),
		"upload", len(plan.Upload),
		"delete", len(plan.Delete))

	if e.dryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		return report, nil
	}

	e.retrieve(ctx, plan.Retrieve, report)
	e.upload(ctx, plan.Upload, report)
	e.remove(ctx, plan.Delete, report)

	e.logger.Info("sync completed",
		"retrieved", report.Succeeded(ActionRetrieve),
		"uploaded", report.Succeeded(ActionUpload),
		"deleted", report.Succeeded(ActionDelete),
		"pages_retrieved", report.RetrievedPages(),
		"failures", len(report.Failures()))

	return report, nil
}

// enumerate resolves the collection and derives the desired documents
func (e *Engine) enumerate(ctx context.Context) ([]papers.Document, error) {
	col, err := zotero.FindCollection(ctx, e.library, e.cfg.Zotero.Collection, e.cfg.Zotero.CollectionLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve collection: %w", err)
	}

	items, err := e.library.CollectionItems(ctx, col.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate collection: %w", err)
	}

	return papers.Enumerate(e.cfg.Paths.StorageRoot, items), nil
}

// retrieve pulls the annotated copy of every document back over its source
func (e *Engine) retrieve(ctx context.Context, docs []papers.Document, report *Report) {
	e.logger.Info("retrieving annotated documents", "count", len(docs))
	for _, doc := range docs {
		info, err := e.retrieveOne(ctx, doc)
		if err != nil {
			e.logger.Warn("no file or no annotations", "name", doc.Name, "error", err)
		} else {
			e.logger.Info("retrieved", "name", doc.Name, "dest", doc.Source, "pages", info.Pages, "bytes", info.Size)
		}
		report.Results = append(report.Results, Result{
			Action: ActionRetrieve,
			Name:   doc.Name,
			Err:    err,
			Pages:  info.Pages,
			Bytes:  info.Size,
		})
	}
}

// retrieveOne replaces the source with the annotated copy. The returned info
// is zero when the copy could not be inspected.
func (e *Engine) retrieveOne(ctx context.Context, doc papers.Document) (pdfinfo.Info, error) {
	artifacts, err := e.device.Fetch(ctx, doc.Name)
	defer e.cleanup(artifacts)
	if err != nil {
		return pdfinfo.Info{}, err
	}

	if _, err := os.Stat(artifacts.Annotated); err != nil {
		return pdfinfo.Info{}, fmt.Errorf("%w: %s", ErrNoAnnotations, filepath.Base(artifacts.Annotated))
	}

	info, err := pdfinfo.Inspect(artifacts.Annotated)
	if err != nil {
		e.logger.Warn("could not inspect annotated copy", "name", doc.Name, "error", err)
		info = pdfinfo.Info{}
	}

	if err := moveFile(artifacts.Annotated, doc.Source); err != nil {
		return pdfinfo.Info{}, fmt.Errorf("failed to replace %s: %w", doc.Source, err)
	}
	return info, nil
}

// cleanup removes whatever a fetch left in the work directory
func (e *Engine) cleanup(artifacts device.Artifacts) {
	for _, p := range []string{artifacts.Archive, artifacts.Annotated} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("failed to remove fetch artifact", "path", p, "error", err)
		}
	}
}

// upload pushes every missing document to the device
func (e *Engine) upload(ctx context.Context, docs []papers.Document, report *Report) {
	e.logger.Info("uploading documents", "count", len(docs))
	for _, doc := range docs {
		err := e.uploadOne(ctx, doc)
		if err != nil {
			e.logger.Warn("failed to upload", "name", doc.Name, "source", doc.Source, "error", err)
		} else {
			e.logger.Info("uploaded", "name", doc.Name)
		}
		report.add(ActionUpload, doc.Name, err)
	}
}

func (e *Engine) uploadOne(ctx context.Context, doc papers.Document) error {
	if _, err := os.Stat(doc.Source); err != nil {
		return fmt.Errorf("%w: %s", ErrSourceMissing, doc.Source)
	}
	return e.device.Put(ctx, doc.Name, doc.Source)
}

// remove deletes every undesired document from the device
func (e *Engine) remove(ctx context.Context, names []string, report *Report) {
	e.logger.Info("deleting documents", "count", len(names))
	for _, name := range names {
		err := e.device.Remove(ctx, name)
		if err != nil {
			e.logger.Warn("failed to delete", "name", name, "error", err)
		} else {
			e.logger.Info("deleted", "name", name)
		}
		report.add(ActionDelete, name, err)
	}
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plan *Plan) {
	for _, doc := range plan.Retrieve {
		e.logger.Info("[dry-run] would retrieve", "name", doc.Name, "dest", doc.Source)
	}
	for _, doc := range plan.Upload {
		e.logger.Info("[dry-run] would upload", "name", doc.Name, "source", doc.Source)
	}
	for _, name := range plan.Delete {
		e.logger.Info("[dry-run] would delete", "name", name)
	}
}

// moveFile moves src over dst, falling back to an atomic copy when a plain
// rename is not possible (e.g. across filesystems).
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// copyFile copies a file from src to dst with atomic write
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".zotsyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(srcInfo.Mode()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}
