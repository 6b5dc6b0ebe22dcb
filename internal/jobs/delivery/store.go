package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/platform/logger"
	"github.com/yungbote/batchd/internal/repos"
)

// Store owns the node's deliverable repository. Capture moves a payload
// file into it and records the Deliverable row; the row is only written once
// the file is durably in place, so a failed move leaves no trace.
type Store struct {
	root string
	repo repos.DeliverableRepo
	log  *logger.Logger
}

func NewStore(root string, repo repos.DeliverableRepo, baseLog *logger.Logger) *Store {
	return &Store{
		root: root,
		repo: repo,
		log:  baseLog.With("component", "DeliverableStore"),
	}
}

func (s *Store) Capture(ctx context.Context, instanceID int64, srcPath, label string) (*domain.Deliverable, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, fmt.Errorf("deliverable source %s: %w", srcPath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("deliverable source %s is a directory", srcPath)
	}

	destDir := filepath.Join(s.root, strconv.FormatInt(instanceID, 10))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("deliverable dir: %w", err)
	}
	dest := filepath.Join(destDir, filepath.Base(srcPath))
	if _, err := os.Stat(dest); err == nil {
		dest = filepath.Join(destDir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(srcPath)))
	}

	if err := moveFile(srcPath, dest); err != nil {
		return nil, fmt.Errorf("deliverable move: %w", err)
	}
	hash, size, err := hashFile(dest)
	if err != nil {
		return nil, fmt.Errorf("deliverable hash: %w", err)
	}

	d := &domain.Deliverable{
		InstanceID: instanceID,
		FilePath:   dest,
		Label:      label,
		FileHash:   hash,
		SizeBytes:  size,
		CreatedAt:  time.Now(),
	}
	created, err := s.repo.Create(ctx, nil, d)
	if err != nil {
		// The file is in the store but unreferenced; leave it for manual
		// cleanup rather than risking data loss by deleting.
		s.log.Error("Deliverable row insert failed after move", "instance_id", instanceID, "path", dest, "error", err)
		return nil, err
	}
	return created, nil
}

// moveFile renames when possible and falls back to copy+fsync+rename for
// cross-device moves.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	tmp := dest + ".part"
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
