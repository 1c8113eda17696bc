// Package backupstore implements the content-addressable local blob layout
// the Backup/Delete Executor writes into and the Restore Engine reads from:
// <vault>/backups/<operation_id>/<sanitized_key>.<ext>.
package backupstore

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/s3refgc/s3refgc/errtag"
)

const maxSanitizedNameBytes = 200

// Store manages backup blobs rooted at a vault directory.
type Store struct {
	vaultPath string
}

func New(vaultPath string) *Store {
	return &Store{vaultPath: vaultPath}
}

func (s *Store) backupsDir() string {
	return filepath.Join(s.vaultPath, "backups")
}

// SanitizeName maps an arbitrary storage key to a filesystem-safe name. Path
// separators and reserved characters become '_'; if the result exceeds 200
// bytes, the tail is kept and an 8-hex-nibble hash of the original key is
// appended so distinct long keys are unlikely (but not guaranteed — see
// RecordDeletion's backup_path uniqueness constraint) to collide.
func SanitizeName(key string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_",
		":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
	)
	sanitized := replacer.Replace(key)

	if len(sanitized) <= maxSanitizedNameBytes {
		return sanitized
	}

	sum := sha256.Sum256([]byte(key))
	suffix := hex.EncodeToString(sum[:])[:8]
	tail := sanitized[len(sanitized)-190:]

	return tail + "_" + suffix
}

// BlobPath returns the path an operation's backup of key would live at,
// given the object's extension (including the leading dot, e.g. ".jpg").
func (s *Store) BlobPath(operationID, key, ext string) string {
	return filepath.Join(s.backupsDir(), operationID, SanitizeName(key)+ext)
}

// Write atomically writes data to path: write to "<path>.tmp", fsync,
// rename over the final name. Rename-over-existing is idempotent on crash
// replay because operation IDs are unique per cycle.
func (s *Store) Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errtag.Backupf("write_mkdir", err, map[string]any{"path": path})
	}

	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errtag.Backupf("write_open_tmp", err, map[string]any{"path": path})
	}

	if _, err := f.Write(data); err != nil {
		f.Close()

		return errtag.Backupf("write_data", err, map[string]any{"path": path})
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return errtag.Backupf("write_fsync", err, map[string]any{"path": path})
	}

	if err := f.Close(); err != nil {
		return errtag.Backupf("write_close", err, map[string]any{"path": path})
	}

	if err := os.Rename(tmp, path); err != nil {
		return errtag.Backupf("write_rename", err, map[string]any{"path": path})
	}

	return nil
}

// Read returns the raw (compressed) bytes of a backup blob.
func (s *Store) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errtag.Backupf("read", err, map[string]any{"path": path})
	}

	return data, nil
}

// Hash returns the hex sha256 of a backup blob's bytes.
func (s *Store) Hash(path string) (string, error) {
	data, err := s.Read(path)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), nil
}

// VerifyIntegrity reports whether the blob at path's sha256 matches
// wantHash.
func (s *Store) VerifyIntegrity(path, wantHash string) (bool, error) {
	got, err := s.Hash(path)
	if err != nil {
		return false, err
	}

	return got == wantHash, nil
}

// PruneOldBackups removes backup blobs older than maxAge (by modification
// time), then removes any operation directory left empty. If dryRun, no
// files are removed but the list of candidates is still returned.
func (s *Store) PruneOldBackups(maxAge time.Duration, dryRun bool) ([]string, error) {
	cutoff := time.Now().Add(-maxAge)

	var removed []string

	entries, err := os.ReadDir(s.backupsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, errtag.Backupf("prune_read_dir", err, nil)
	}

	for _, opDir := range entries {
		if !opDir.IsDir() {
			continue
		}

		opPath := filepath.Join(s.backupsDir(), opDir.Name())

		blobs, err := os.ReadDir(opPath)
		if err != nil {
			return removed, errtag.Backupf("prune_read_op_dir", err, map[string]any{"path": opPath})
		}

		remaining := 0

		for _, blob := range blobs {
			if blob.IsDir() {
				continue
			}

			info, err := blob.Info()
			if err != nil {
				continue
			}

			if info.ModTime().After(cutoff) {
				remaining++

				continue
			}

			blobPath := filepath.Join(opPath, blob.Name())
			removed = append(removed, blobPath)

			if !dryRun {
				if err := os.Remove(blobPath); err != nil {
					return removed, errtag.Backupf("prune_remove", err, map[string]any{"path": blobPath})
				}
			}
		}

		if remaining == 0 && !dryRun {
			_ = os.Remove(opPath) // best-effort: leave the dir if something else races into it
		}
	}

	return removed, nil
}

// ExportTarball bundles every blob under <vault>/backups/<operationID> into
// a gzip-compressed tarball at archives/op_<operationID>.tar.gz.
func (s *Store) ExportTarball(operationID string) (string, error) {
	archiveDir := filepath.Join(s.vaultPath, "archives")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", errtag.Backupf("export_mkdir", err, nil)
	}

	archivePath := filepath.Join(archiveDir, fmt.Sprintf("op_%s.tar.gz", operationID))

	f, err := os.Create(archivePath)
	if err != nil {
		return "", errtag.Backupf("export_create", err, map[string]any{"path": archivePath})
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	opDir := filepath.Join(s.backupsDir(), operationID)

	entries, err := os.ReadDir(opDir)
	if err != nil {
		return "", errtag.Backupf("export_read_dir", err, map[string]any{"path": opDir})
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if err := addFileToTar(tw, opDir, entry.Name()); err != nil {
			return "", errtag.Backupf("export_add_file", err, map[string]any{"file": entry.Name()})
		}
	}

	return archivePath, nil
}

func addFileToTar(tw *tar.Writer, dir, name string) error {
	path := filepath.Join(dir, name)

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}

	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)

	return err
}

// ImportTarball extracts a tarball previously written by ExportTarball back
// into <vault>/backups/<operationID>, rejecting any member that would
// escape that directory (zip-slip).
func (s *Store) ImportTarball(archivePath, operationID string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errtag.Backupf("import_open", err, map[string]any{"path": archivePath})
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errtag.Backupf("import_gzip", err, nil)
	}
	defer gz.Close()

	destDir := filepath.Join(s.backupsDir(), operationID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errtag.Backupf("import_mkdir", err, nil)
	}

	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return errtag.Backupf("import_read_header", err, nil)
		}

		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return errtag.Backupf("import_path_traversal", fmt.Errorf("unsafe tar member %q", hdr.Name), nil)
		}

		destPath := filepath.Join(destDir, cleanName)

		out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return errtag.Backupf("import_create", err, map[string]any{"path": destPath})
		}

		if _, err := io.Copy(out, tr); err != nil { //nolint:gosec // member names are validated above
			out.Close()

			return errtag.Backupf("import_copy", err, map[string]any{"path": destPath})
		}

		out.Close()
	}

	return nil
}
