package batch

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"correo/internal/logging"
	"correo/internal/types"
)

// archive bundles every completed artifact of a session into one zip
// next to the documents, plus a manifest listing what went in.
func (o *Orchestrator) archive(sessionID, dir string) (string, error) {
	records, err := o.store.RecordsBySession(sessionID)
	if err != nil {
		return "", err
	}

	zipPath := filepath.Join(dir, fmt.Sprintf("documentos_%s.zip", sessionID))
	tmp := zipPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	added := 0
	manifest := fmt.Sprintf("session: %s\n\n", sessionID)

	for i := range records {
		rec := &records[i]
		if rec.State != types.RecordCompleted || rec.ArtifactPath == "" {
			manifest += fmt.Sprintf("%4d  %-20s %s\n", rec.Position+1, rec.Account, rec.State)
			continue
		}
		if err := addFile(zw, rec.ArtifactPath, filepath.Base(rec.ArtifactPath)); err != nil {
			zw.Close()
			os.Remove(tmp)
			return "", err
		}
		added++
		manifest += fmt.Sprintf("%4d  %-20s %s  %s  sha256=%s\n",
			rec.Position+1, rec.Account, rec.State, filepath.Base(rec.ArtifactPath), rec.ArtifactHash)
	}

	mw, err := zw.Create("manifest.txt")
	if err != nil {
		zw.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to add manifest: %w", err)
	}
	if _, err := mw.Write([]byte(manifest)); err != nil {
		zw.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := zw.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, zipPath); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}

	logging.Batch("Archived session %s: %d documents -> %s", sessionID, added, zipPath)
	return zipPath, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open artifact %s: %w", path, err)
	}
	defer src.Close()

	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("failed to copy %s into archive: %w", name, err)
	}
	return nil
}
