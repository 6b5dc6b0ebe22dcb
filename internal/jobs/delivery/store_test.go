package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/platform/logger"
	"github.com/yungbote/batchd/internal/repos"
)

func newStore(t *testing.T) (*Store, repos.DeliverableRepo, string) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := gdb.AutoMigrate(&domain.Deliverable{}); err != nil {
		t.Fatal(err)
	}
	repo := repos.NewDeliverableRepo(gdb, logger.NewNop())
	root := t.TempDir()
	return NewStore(root, repo, logger.NewNop()), repo, root
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCaptureMovesFileAndRecordsRow(t *testing.T) {
	store, repo, root := newStore(t)
	ctx := context.Background()
	src := writeFile(t, t.TempDir(), "report.csv", "a,b,c\n1,2,3\n")

	d, err := store.Capture(ctx, 42, src, "report")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	// The source is gone: capture moves, never copies.
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source file should have been moved away")
	}
	if _, err := os.Stat(d.FilePath); err != nil {
		t.Fatalf("destination missing: %v", err)
	}
	if filepath.Dir(d.FilePath) != filepath.Join(root, "42") {
		t.Fatalf("destination dir: got %s", d.FilePath)
	}

	sum := sha256.Sum256([]byte("a,b,c\n1,2,3\n"))
	if d.FileHash != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash mismatch: got %s", d.FileHash)
	}
	if d.SizeBytes != int64(len("a,b,c\n1,2,3\n")) {
		t.Fatalf("size: got %d", d.SizeBytes)
	}

	rows, err := repo.ListByInstance(ctx, nil, 42)
	if err != nil || len(rows) != 1 {
		t.Fatalf("row: %v (%d)", err, len(rows))
	}
	if rows[0].Label != "report" {
		t.Fatalf("label: got %q", rows[0].Label)
	}
}

func TestCaptureNameCollision(t *testing.T) {
	store, repo, _ := newStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	first := writeFile(t, dir, "out.txt", "first")
	if _, err := store.Capture(ctx, 7, first, "out"); err != nil {
		t.Fatal(err)
	}
	second := writeFile(t, dir, "out.txt", "second")
	d2, err := store.Capture(ctx, 7, second, "out")
	if err != nil {
		t.Fatalf("second capture: %v", err)
	}

	rows, err := repo.ListByInstance(ctx, nil, 7)
	if err != nil || len(rows) != 2 {
		t.Fatalf("rows: %v (%d)", err, len(rows))
	}
	if rows[0].FilePath == rows[1].FilePath {
		t.Fatal("collision should produce distinct destination paths")
	}
	raw, err := os.ReadFile(d2.FilePath)
	if err != nil || string(raw) != "second" {
		t.Fatalf("second content: %q %v", raw, err)
	}
}

func TestCaptureRejectsMissingAndDir(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	if _, err := store.Capture(ctx, 1, filepath.Join(t.TempDir(), "absent"), ""); err == nil {
		t.Fatal("expected error for missing source")
	}
	if _, err := store.Capture(ctx, 1, t.TempDir(), ""); err == nil {
		t.Fatal("expected error for directory source")
	}
}
