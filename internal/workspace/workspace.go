// Package workspace implements the Workspace Manager (C2): the per-job
// filesystem sandbox that holds uploaded inputs, agent-produced outputs,
// logs, and the packaged result bundle, all rooted under a single
// canonicalized directory so no job can read or write outside its own tree.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"
)

// Category names the four subdirectories every job workspace carries.
const (
	DirInputs  = "inputs"
	DirOutputs = "outputs"
	DirLogs    = "logs"
	DirBundle  = "bundle"
)

// ErrOutsideWorkspace is returned when a resolved path would escape the
// job's workspace directory - the sandboxing invariant this package exists
// to enforce.
var ErrOutsideWorkspace = fmt.Errorf("workspace: path escapes job workspace")

// ErrEmptyFile is returned when an uploaded input has zero bytes.
var ErrEmptyFile = fmt.Errorf("workspace: uploaded file is empty")

// ErrTooLarge is returned when an uploaded input exceeds MaxUploadBytes.
var ErrTooLarge = fmt.Errorf("workspace: uploaded file exceeds the size limit")

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Manager roots every job's workspace under DataRoot and enforces the
// upload size cap on input files.
type Manager struct {
	dataRoot       string
	maxUploadBytes int64
	logger         arbor.ILogger
}

// New returns a Manager rooted at dataRoot (created if absent). If dataRoot
// cannot be created, it falls back to a process-scoped temp directory so the
// daemon can still serve jobs rather than failing to start outright. An
// existing dataRoot is used as is; its writability is not checked.
func New(dataRoot string, maxUploadBytes int64, logger arbor.ILogger) (*Manager, error) {
	abs, err := filepath.Abs(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve data root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		fallback, tmpErr := os.MkdirTemp("", "agentjobs-workspace-*")
		if tmpErr != nil {
			return nil, fmt.Errorf("create data root %s: %w (fallback also failed: %v)", abs, err, tmpErr)
		}
		if logger != nil {
			logger.Warn().Err(err).Str("data_root", abs).Str("fallback", fallback).
				Msg("data root not writable, falling back to a process-scoped workspace root")
		}
		abs = fallback
	}
	return &Manager{dataRoot: abs, maxUploadBytes: maxUploadBytes, logger: logger}, nil
}

// JobDir returns the canonical absolute workspace directory for jobID. It
// does not create anything - call CreateJobWorkspace first.
func (m *Manager) JobDir(jobID string) string {
	return filepath.Join(m.dataRoot, jobID)
}

// CreateJobWorkspace creates the job/{inputs,outputs,logs,bundle} layout
// and returns the job's root directory.
func (m *Manager) CreateJobWorkspace(jobID string) (string, error) {
	root := m.JobDir(jobID)
	for _, sub := range []string{DirInputs, DirOutputs, DirLogs, DirBundle} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return "", fmt.Errorf("create %s: %w", sub, err)
		}
	}
	return root, nil
}

// RemoveJobWorkspace deletes a job's entire workspace tree, used by the
// retention sweep after a terminal job's bundle has aged out.
func (m *Manager) RemoveJobWorkspace(jobID string) error {
	return os.RemoveAll(m.JobDir(jobID))
}

// Resolve canonicalizes relativePath against the job's workspace and
// verifies containment; every filesystem-touching operation in this
// package routes through Resolve so a crafted "../../etc/passwd" path
// can never leave the sandbox.
func (m *Manager) Resolve(jobID, relativePath string) (string, error) {
	root := m.JobDir(jobID)
	joined := filepath.Join(root, relativePath)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if absJoined != absRoot && !strings.HasPrefix(absJoined, absRoot+string(filepath.Separator)) {
		return "", ErrOutsideWorkspace
	}
	return absJoined, nil
}

// SaveInput streams src into the job's inputs/ directory under a
// sanitized, collision-free filename, returning the file's final
// workspace-relative path, size, and sha256. An upload that exceeds
// MaxUploadBytes is rejected and its partial file removed; a zero-byte
// upload is rejected outright.
func (m *Manager) SaveInput(ctx context.Context, jobID, filename string, src io.Reader) (relativePath string, size int64, sha256Hex string, err error) {
	safeName := sanitizeFilename(filename)
	destDir := filepath.Join(m.JobDir(jobID), DirInputs)

	finalName, err := uniqueName(destDir, safeName)
	if err != nil {
		return "", 0, "", err
	}

	relativePath = filepath.Join(DirInputs, finalName)
	absPath, err := m.Resolve(jobID, relativePath)
	if err != nil {
		return "", 0, "", err
	}

	f, err := os.OpenFile(absPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", 0, "", fmt.Errorf("create input file: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	limited := io.LimitReader(src, m.maxUploadBytes+1)
	written, err := io.Copy(io.MultiWriter(f, hasher), limited)
	if err != nil {
		os.Remove(absPath)
		return "", 0, "", fmt.Errorf("write input file: %w", err)
	}

	if written > m.maxUploadBytes {
		os.Remove(absPath)
		return "", 0, "", ErrTooLarge
	}
	if written == 0 {
		os.Remove(absPath)
		return "", 0, "", ErrEmptyFile
	}

	if err := f.Close(); err != nil {
		return "", 0, "", fmt.Errorf("close input file: %w", err)
	}

	return relativePath, written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// HashFile re-reads a workspace file and returns its sha256, used to
// verify an input's integrity (e.g. before packaging) without trusting a
// cached hash.
func (m *Manager) HashFile(jobID, relativePath string) (sha256Hex string, size int64, err error) {
	absPath, err := m.Resolve(jobID, relativePath)
	if err != nil {
		return "", 0, err
	}
	f, err := os.Open(absPath)
	if err != nil {
		return "", 0, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// OpenOutput opens an agent-produced output file under outputs/ for
// reading, canonicalizing and containment-checking the path first.
func (m *Manager) OpenOutput(jobID, relativePath string) (*os.File, error) {
	absPath, err := m.Resolve(jobID, filepath.Join(DirOutputs, filepath.Base(relativePath)))
	if err != nil {
		return nil, err
	}
	return os.Open(absPath)
}

// OpenFile opens any cataloged workspace file (output or bundle) for
// streaming to an HTTP client, canonicalizing and containment-checking
// relativePath first. Unlike OpenOutput it trusts the caller's relativePath
// in full (including subdirectories), since callers resolve it from a
// store-recorded JobFile rather than user input.
func (m *Manager) OpenFile(jobID, relativePath string) (*os.File, error) {
	absPath, err := m.Resolve(jobID, relativePath)
	if err != nil {
		return nil, err
	}
	return os.Open(absPath)
}

// WriteJobFile writes one of the skill-authored planning artifacts
// (request.md, execution-plan.json) under job/, creating the directory on
// first use.
func (m *Manager) WriteJobFile(jobID, relativePath string, data []byte) error {
	absPath, err := m.Resolve(jobID, filepath.Join(DirJob, filepath.Base(relativePath)))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	return os.WriteFile(absPath, data, 0644)
}

// sanitizeFilename strips directory components and replaces any character
// outside [A-Za-z0-9._-] with "_", so an uploaded "../../evil" or
// "weird name!.txt" can never be used to escape or collide unpredictably.
func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = unsafeNameChars.ReplaceAllString(base, "_")
	if base == "" || base == "." || base == ".." {
		base = "upload"
	}
	return base
}

// uniqueName finds a filename in dir that does not already exist, adding
// a numeric suffix ("-2", "-3", ...) before the extension on collision.
func uniqueName(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name

	const maxAttempts = 10000
	for i := 2; i <= maxAttempts; i++ {
		_, err := os.Stat(filepath.Join(dir, candidate))
		if os.IsNotExist(err) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
		candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
	}
	return "", fmt.Errorf("could not find a unique name for %s", name)
}
