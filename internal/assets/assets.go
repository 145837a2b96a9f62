// Package assets owns the on-disk layout under the data root: doorbell
// snapshots, synthesized TTS audio, in-flight temp audio, agent logs, and
// member photos.
//
// Only five subdirectories are permitted; every write path is validated
// against them and writes are atomic (temp sibling, fsync, rename) so a
// crash never leaves a half-written snapshot or audio file behind. Nothing
// is ever deleted automatically.
package assets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// Permitted subdirectories under the data root.
const (
	DirSnaps   = "snaps"
	DirTTS     = "tts"
	DirTmp     = "tmp"
	DirLogs    = "logs"
	DirMembers = "members"
)

var permittedDirs = []string{DirSnaps, DirTTS, DirTmp, DirLogs, DirMembers}

// Dir manages a single data root.
type Dir struct {
	root string
}

// New creates the data root and its permitted subdirectories if absent.
func New(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("assets: resolve root: %w", err)
	}
	for _, sub := range permittedDirs {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0o755); err != nil {
			return nil, fmt.Errorf("assets: create %s: %w", sub, err)
		}
	}
	return &Dir{root: abs}, nil
}

// Root returns the absolute data root path.
func (d *Dir) Root() string { return d.root }

// Path joins elem under the permitted subdirectory sub and validates that
// the result stays inside it. Traversal segments and unknown subdirectories
// are rejected.
func (d *Dir) Path(sub string, elem ...string) (string, error) {
	if !permitted(sub) {
		return "", fmt.Errorf("assets: subdirectory %q not permitted", sub)
	}
	base := filepath.Join(d.root, sub)
	p := filepath.Join(append([]string{base}, elem...)...)
	if p != base && !strings.HasPrefix(p, base+string(filepath.Separator)) {
		return "", fmt.Errorf("assets: path %q escapes %s/", filepath.Join(elem...), sub)
	}
	return p, nil
}

// WriteFile atomically writes data to the named file under sub, creating
// intermediate directories as needed. The write is durable: the temp file is
// fsynced before the rename.
func (d *Dir) WriteFile(sub string, data []byte, elem ...string) (string, error) {
	p, err := d.Path(sub, elem...)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("assets: create parent: %w", err)
	}

	// renameio handles temp file creation, fsync, atomic rename, and
	// cleanup on error.
	pending, err := renameio.NewPendingFile(p)
	if err != nil {
		return "", fmt.Errorf("assets: create pending file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return "", fmt.Errorf("assets: write data: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("assets: atomically replace: %w", err)
	}
	return p, nil
}

// AppendLog appends one line to <root>/logs/<name>.log, creating the file if
// absent. Log appends are the one non-atomic write: appends are already
// crash-safe at line granularity and audit history must not be replaced.
func (d *Dir) AppendLog(name, line string) error {
	p, err := d.Path(DirLogs, name+".log")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("assets: open log: %w", err)
	}
	defer f.Close()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("assets: append log: %w", err)
	}
	return nil
}

// Rel returns p relative to the data root, with forward slashes, for use in
// API payloads. Paths outside the root are returned unchanged.
func (d *Dir) Rel(p string) string {
	rel, err := filepath.Rel(d.root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return filepath.ToSlash(rel)
}

func permitted(sub string) bool {
	for _, s := range permittedDirs {
		if s == sub {
			return true
		}
	}
	return false
}
