package loader

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/quantfabric/etl-core/internal/core"
)

// Archive is the file-based backend. Exports are organized by scope and date
// under the root path; each export is a directory of gzip JSONL parts with a
// sidecar metadata file carrying the DataVersion fields. A HEAD pointer file
// per scope names the current export, and swaps are atomic via rename.
type Archive struct {
	root      string
	batchSize int
	logger    *slog.Logger
}

// ArchiveConfig holds file archive settings.
type ArchiveConfig struct {
	Root      string
	BatchSize int
	Logger    *slog.Logger
}

const (
	archiveMetaFile = "meta.json"
	archiveHeadFile = "HEAD"
)

// NewArchive creates the archive backend rooted at cfg.Root.
func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	if cfg.Root == "" {
		return nil, core.Errorf(core.CodeConfigInvalid, false, "archive: root path is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("create archive root: %w", err))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		root:      cfg.Root,
		batchSize: cfg.BatchSize,
		logger:    logger.With("backend", "archive"),
	}, nil
}

// Name identifies the backend.
func (a *Archive) Name() string { return "archive" }

// Validate checks the root path is writable.
func (a *Archive) Validate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe := filepath.Join(a.root, ".probe-"+uuid.NewString())
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("archive root not writable: %w", err))
	}
	return os.Remove(probe)
}

// Close is a no-op for the file archive.
func (a *Archive) Close() error { return nil }

// Load applies the strategy against the current export and writes a new one
// when the content changed.
func (a *Archive) Load(ctx context.Context, req *LoadRequest) (*LoadResult, error) {
	if req.BatchSize <= 0 {
		req.BatchSize = a.batchSize
	}
	return runSetLoad(ctx, a.Name(), a, req)
}

// Version returns the scope's current export version.
func (a *Archive) Version(ctx context.Context, scope core.Scope) (*core.DataVersion, error) {
	return a.headVersion(ctx, scope)
}

func (a *Archive) scopeDir(scope core.Scope) string {
	return filepath.Join(a.root, scope.Dataset, scope.Partition)
}

func (a *Archive) headVersion(ctx context.Context, scope core.Scope) (*core.DataVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	head, err := os.ReadFile(filepath.Join(a.scopeDir(scope), archiveHeadFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("read HEAD: %w", err))
	}

	exportDir := filepath.Join(a.scopeDir(scope), strings.TrimSpace(string(head)))
	data, err := os.ReadFile(filepath.Join(exportDir, archiveMetaFile))
	if err != nil {
		return nil, core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("read export metadata: %w", err))
	}
	var version core.DataVersion
	if err := json.Unmarshal(data, &version); err != nil {
		return nil, fmt.Errorf("decode export metadata: %w", err)
	}
	return &version, nil
}

func (a *Archive) readSet(ctx context.Context, scope core.Scope) ([]core.TransformedRecord, error) {
	head, err := a.headVersion(ctx, scope)
	if err != nil || head == nil {
		return nil, err
	}

	exportDir := filepath.Join(a.scopeDir(scope), head.ID)
	parts, err := filepath.Glob(filepath.Join(exportDir, "part-*.jsonl.gz"))
	if err != nil {
		return nil, err
	}
	sort.Strings(parts)

	var records []core.TransformedRecord
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := readPart(part)
		if err != nil {
			return nil, err
		}
		records = append(records, chunk...)
	}
	return records, nil
}

func readPart(path string) ([]core.TransformedRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("open part: %w", err))
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip reader for %s: %w", filepath.Base(path), err)
	}
	defer zr.Close()

	var records []core.TransformedRecord
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record core.TransformedRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("decode record in %s: %w", filepath.Base(path), err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", filepath.Base(path), err)
	}
	return records, nil
}

// writeSet stages the export under a temp directory, renames it into place,
// then swaps the HEAD pointer.
func (a *Archive) writeSet(ctx context.Context, scope core.Scope, records []core.TransformedRecord, version *core.DataVersion, batchSize int) error {
	scopeDir := a.scopeDir(scope)
	if err := os.MkdirAll(scopeDir, 0o755); err != nil {
		return core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("create scope dir: %w", err))
	}

	tmpDir := filepath.Join(scopeDir, ".tmp-"+uuid.NewString())
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("create export dir: %w", err))
	}
	defer os.RemoveAll(tmpDir)

	for i, chunk := range Chunk(records, batchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := filepath.Join(tmpDir, fmt.Sprintf("part-%06d.jsonl.gz", i))
		if err := writePart(name, chunk); err != nil {
			return err
		}
	}

	meta, err := json.MarshalIndent(version, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal export metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, archiveMetaFile), meta, 0o644); err != nil {
		return core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("write export metadata: %w", err))
	}

	exportDir := filepath.Join(scopeDir, version.ID)
	if err := os.Rename(tmpDir, exportDir); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Same content was exported before; reuse the prior export.
			return a.writeHead(scopeDir, version.ID)
		}
		return core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("publish export: %w", err))
	}
	return a.writeHead(scopeDir, version.ID)
}

// writeHead atomically updates the HEAD pointer.
func (a *Archive) writeHead(scopeDir, versionID string) error {
	tmp := filepath.Join(scopeDir, ".head-"+uuid.NewString())
	if err := os.WriteFile(tmp, []byte(versionID+"\n"), 0o644); err != nil {
		return core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("write HEAD: %w", err))
	}
	if err := os.Rename(tmp, filepath.Join(scopeDir, archiveHeadFile)); err != nil {
		os.Remove(tmp)
		return core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("swap HEAD: %w", err))
	}
	return nil
}

func writePart(path string, records []core.TransformedRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("create part: %w", err))
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	w := bufio.NewWriter(zw)
	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", RecordKey(record), err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("write part: %w", err))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Close()
}
