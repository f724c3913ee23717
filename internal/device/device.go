package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrBinaryNotFound is returned by Check when the device tool cannot be located.
	ErrBinaryNotFound = errors.New("device tool binary not found")

	// ErrInvalidName is returned for document names that cannot be used as a
	// single entry of the folder.
	ErrInvalidName = errors.New("invalid document name")
)

// waitDelay bounds how long a killed invocation may keep its output pipes open
const waitDelay = time.Second

// Listing markers printed by `rmapi ls`
const (
	folderMarker = "[d]\t"
	fileMarker   = "[f]\t"
)

// Entry is a document currently stored in the device folder
type Entry struct {
	Name string
}

// Artifacts are the local files produced by fetching an annotated document.
// Both paths are always set, whether or not the files exist.
type Artifacts struct {
	Annotated string // extracted PDF carrying the annotations
	Archive   string // raw bundle downloaded from the device
}

// Device provides operations on one folder of the document device
type Device interface {
	// Check verifies the device tool can be executed
	Check(ctx context.Context) error
	// List returns the documents in the folder, excluding sub-folders
	List(ctx context.Context) ([]Entry, error)
	// Put uploads a local file into the folder as the entry name
	Put(ctx context.Context, name, localPath string) error
	// Fetch downloads the annotated version of a document
	Fetch(ctx context.Context, name string) (Artifacts, error)
	// Remove deletes a document from the folder
	Remove(ctx context.Context, name string) error
}

// ShellClient implements Device by shelling out to rmapi
type ShellClient struct {
	binary  string
	folder  string
	workDir string
	timeout time.Duration
}

// NewShellClient creates a client for folder. Fetched artifacts land in
// workDir. A zero timeout leaves invocations unbounded.
func NewShellClient(binary, folder, workDir string, timeout time.Duration) *ShellClient {
	return &ShellClient{
		binary:  binary,
		folder:  "/" + strings.Trim(folder, "/"),
		workDir: workDir,
		timeout: timeout,
	}
}

// Check locates the binary and makes sure it can be started. A non-zero exit
// of the check is tolerated; only a missing or non-executable tool fails.
func (c *ShellClient) Check(ctx context.Context) error {
	if _, err := exec.LookPath(c.binary); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, c.binary, err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.ensureWorkDir(); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, c.binary, "ls")
	cmd.Dir = c.workDir
	cmd.WaitDelay = waitDelay
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return fmt.Errorf("%s not executable: %w", c.binary, err)
	}
	return nil
}

// List runs `ls` on the folder and parses its output
func (c *ShellClient) List(ctx context.Context) ([]Entry, error) {
	output, err := c.run(ctx, "ls", c.folder)
	if err != nil {
		return nil, fmt.Errorf("%s ls %s failed: %w", c.binary, c.folder, err)
	}
	return ParseListing(output), nil
}

// Put uploads localPath into the folder as name. rmapi names the entry after
// the file it is given, so the content is staged as "<name>.pdf" in a private
// directory under the work directory first.
func (c *ShellClient) Put(ctx context.Context, name, localPath string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := c.ensureWorkDir(); err != nil {
		return err
	}

	stageDir, err := os.MkdirTemp(c.workDir, "put-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stageDir)
	}()

	staged := filepath.Join(stageDir, name+".pdf")
	if err := stageFile(localPath, staged); err != nil {
		return fmt.Errorf("failed to stage %s: %w", localPath, err)
	}

	if _, err := c.run(ctx, "put", staged, c.folder); err != nil {
		return fmt.Errorf("%s put %q failed: %w", c.binary, name, err)
	}
	return nil
}

// Fetch downloads the annotation bundle of name into the work directory
func (c *ShellClient) Fetch(ctx context.Context, name string) (Artifacts, error) {
	if err := ValidateName(name); err != nil {
		return Artifacts{}, err
	}
	artifacts := ArtifactsFor(c.workDir, name)
	if _, err := c.run(ctx, "geta", c.entryPath(name)); err != nil {
		return artifacts, fmt.Errorf("%s geta %q failed: %w", c.binary, name, err)
	}
	return artifacts, nil
}

// Remove deletes name from the folder
func (c *ShellClient) Remove(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := c.run(ctx, "rm", c.entryPath(name)); err != nil {
		return fmt.Errorf("%s rm %q failed: %w", c.binary, name, err)
	}
	return nil
}

// ValidateName rejects names that would not address exactly one entry of the
// folder, or that would escape the work directory once used as a file name.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

// ArtifactsFor returns where rmapi geta leaves its output for name when run in dir
func ArtifactsFor(dir, name string) Artifacts {
	return Artifacts{
		Annotated: filepath.Join(dir, name+"-annotations.pdf"),
		Archive:   filepath.Join(dir, name+".zip"),
	}
}

// entryPath joins without cleaning so the name is passed through verbatim
func (c *ShellClient) entryPath(name string) string {
	if c.folder == "/" {
		return "/" + name
	}
	return c.folder + "/" + name
}

// stageFile hard-links src to dst, copying when linking is not possible
func stageFile(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// run executes the binary in the work directory and returns its stdout.
// On failure the combined output is folded into the error.
func (c *ShellClient) run(ctx context.Context, args ...string) (string, error) {
	if err := c.ensureWorkDir(); err != nil {
		return "", err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = c.workDir
	cmd.WaitDelay = waitDelay

	var stderr strings.Builder
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("timed out after %s: %w", c.timeout, err)
		}
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)+stderr.String()))
	}
	return string(output), nil
}

func (c *ShellClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

func (c *ShellClient) ensureWorkDir() error {
	if err := os.MkdirAll(c.workDir, 0755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	return nil
}

// ParseListing turns `rmapi ls` output into device entries. Sub-folder lines
// are dropped, the file marker is stripped and blank or unrecognised lines
// are ignored.
func ParseListing(output string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, folderMarker) {
			continue
		}
		name, ok := strings.CutPrefix(line, fileMarker)
		if !ok || name == "" {
			continue
		}
		entries = append(entries, Entry{Name: name})
	}
	return entries
}

// Names returns the entry names in order
func Names(entries []Entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}
