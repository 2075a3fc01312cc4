package workspace

import (
	"archive/zip"
	"compress/flate"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	kcompress "github.com/klauspost/compress/flate"
)

// ManifestEntry describes one file packaged into a bundle.
type ManifestEntry struct {
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size_bytes"`
	SHA256       string `json:"sha256"`
}

// Manifest is the bundle's manifest.json: an index of every entry packaged,
// sorted by relative_path so two runs over the same outputs list the same
// entries in the same order. GeneratedAt is the packaging time, so the
// manifest bytes differ from run to run.
type Manifest struct {
	JobID       string          `json:"job_id"`
	SessionID   string          `json:"session_id,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
	Entries     []ManifestEntry `json:"entries"`
}

// DirJob names the subdirectory holding the skill-authored request.md and
// execution-plan.json that accompany every job's bundle.
const DirJob = "job"

// agentLastMessageFile is the one logs/ file PackageBundle includes, when
// the executor wrote it.
const agentLastMessageFile = "agent-last-message.md"

// PackageBundle zips every file under outputs/ and job/, plus
// logs/agent-last-message.md if present, and a manifest.json cataloging
// them (entries sorted by relative_path). It writes the archive to
// bundle/result.zip and returns its workspace-relative path and sha256.
// sessionID may be empty if the job has none recorded yet.
func (m *Manager) PackageBundle(ctx context.Context, jobID, sessionID string) (relativePath, bundleSHA256 string, manifest Manifest, err error) {
	root := m.JobDir(jobID)
	outputsDir := filepath.Join(root, DirOutputs)
	jobDir := filepath.Join(root, DirJob)

	outputPaths, err := walkRelative(outputsDir)
	if err != nil {
		return "", "", Manifest{}, fmt.Errorf("walk outputs: %w", err)
	}
	jobPaths, err := walkRelative(jobDir)
	if err != nil {
		return "", "", Manifest{}, fmt.Errorf("walk job: %w", err)
	}

	logsDir := filepath.Join(root, DirLogs)
	var logPaths []string
	if _, err := os.Stat(filepath.Join(logsDir, agentLastMessageFile)); err == nil {
		logPaths = []string{agentLastMessageFile}
	} else if !os.IsNotExist(err) {
		return "", "", Manifest{}, fmt.Errorf("stat %s: %w", agentLastMessageFile, err)
	}

	manifest = Manifest{JobID: jobID, SessionID: sessionID, GeneratedAt: time.Now().UTC()}
	bundleRelPath := filepath.Join(DirBundle, "result.zip")
	bundleAbsPath, err := m.Resolve(jobID, bundleRelPath)
	if err != nil {
		return "", "", Manifest{}, err
	}

	bundleFile, err := os.Create(bundleAbsPath)
	if err != nil {
		return "", "", Manifest{}, fmt.Errorf("create bundle file: %w", err)
	}
	defer bundleFile.Close()

	hasher := sha256.New()
	zw := zip.NewWriter(io.MultiWriter(bundleFile, hasher))
	// Use klauspost/compress's deflate implementation instead of the
	// stdlib's for the zip stream - faster with a comparable ratio.
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return kcompress.NewWriter(w, flate.BestSpeed)
	})

	sections := []struct {
		dir      string
		category string
		paths    []string
	}{
		{outputsDir, DirOutputs, outputPaths},
		{jobDir, DirJob, jobPaths},
		{logsDir, DirLogs, logPaths},
	}

	for _, section := range sections {
		for _, rel := range section.paths {
			select {
			case <-ctx.Done():
				zw.Close()
				return "", "", Manifest{}, ctx.Err()
			default:
			}

			entry, err := m.addFileToZip(zw, section.dir, section.category, rel)
			if err != nil {
				zw.Close()
				return "", "", Manifest{}, err
			}
			manifest.Entries = append(manifest.Entries, entry)
		}
	}

	sort.Slice(manifest.Entries, func(i, j int) bool {
		return manifest.Entries[i].RelativePath < manifest.Entries[j].RelativePath
	})

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		zw.Close()
		return "", "", Manifest{}, fmt.Errorf("marshal manifest: %w", err)
	}
	mw, err := zw.Create("manifest.json")
	if err != nil {
		zw.Close()
		return "", "", Manifest{}, fmt.Errorf("create manifest entry: %w", err)
	}
	if _, err := mw.Write(manifestJSON); err != nil {
		zw.Close()
		return "", "", Manifest{}, fmt.Errorf("write manifest entry: %w", err)
	}

	if err := zw.Close(); err != nil {
		return "", "", Manifest{}, fmt.Errorf("close zip writer: %w", err)
	}
	if err := bundleFile.Close(); err != nil {
		return "", "", Manifest{}, fmt.Errorf("close bundle file: %w", err)
	}

	return bundleRelPath, hex.EncodeToString(hasher.Sum(nil)), manifest, nil
}

func (m *Manager) addFileToZip(zw *zip.Writer, sectionDir, category, rel string) (ManifestEntry, error) {
	absPath := filepath.Join(sectionDir, rel)
	f, err := os.Open(absPath)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	// entryName uses forward slashes regardless of host OS, per the zip spec.
	entryName := filepath.ToSlash(filepath.Join(category, rel))
	w, err := zw.Create(entryName)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("create zip entry %s: %w", entryName, err)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(w, hasher), f)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("write zip entry %s: %w", entryName, err)
	}

	return ManifestEntry{
		RelativePath: entryName,
		Size:         written,
		SHA256:       hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// walkRelative lists every regular file under dir, relative to dir, in
// sorted order. A missing dir (e.g. a job with no job/ files yet) yields an
// empty list rather than an error.
func walkRelative(dir string) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}
