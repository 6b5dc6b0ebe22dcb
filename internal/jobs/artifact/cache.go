package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/batchd/internal/platform/logger"
)

// ErrUnavailable marks a deployable that cannot be fetched. The runner turns
// it into a CRASHED instance without restart, since retrying a missing
// artifact is a configuration problem, not a transient one.
var ErrUnavailable = errors.New("artifact unavailable")

// Cache is the node's content-addressed artifact store, shared by all
// runners on the node. Reads are lock-free once a file is cached; a fetch
// holds a per-artifact mutex so there is a single writer per key.
type Cache struct {
	root   string
	log    *logger.Logger
	client *http.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCache(root string, baseLog *logger.Logger) *Cache {
	return &Cache{
		root:   root,
		log:    baseLog.With("component", "ArtifactCache"),
		client: &http.Client{Timeout: 2 * time.Minute},
		locks:  make(map[string]*sync.Mutex),
	}
}

func (c *Cache) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// Ensure returns the local path of the cached artifact, fetching it on a
// cache miss. artifactPath may be an http(s) URL, a file:// URL or a plain
// filesystem path.
func (c *Cache) Ensure(ctx context.Context, artifactPath string) (string, error) {
	if strings.TrimSpace(artifactPath) == "" {
		return "", fmt.Errorf("empty artifact path: %w", ErrUnavailable)
	}
	sum := sha256.Sum256([]byte(artifactPath))
	key := hex.EncodeToString(sum[:8])
	dest := filepath.Join(c.root, key+"-"+filepath.Base(strings.TrimSuffix(artifactPath, "/")))

	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	l := c.keyLock(key)
	l.Lock()
	defer l.Unlock()

	// Another runner may have fetched while we waited on the lock.
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return "", err
	}

	tmp := dest + ".part"
	var fetchErr error
	switch {
	case strings.HasPrefix(artifactPath, "http://"), strings.HasPrefix(artifactPath, "https://"):
		fetchErr = c.fetchHTTP(ctx, artifactPath, tmp)
	default:
		src := strings.TrimPrefix(artifactPath, "file://")
		fetchErr = copyLocal(src, tmp)
	}
	if fetchErr != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("fetch %s: %w: %v", artifactPath, ErrUnavailable, fetchErr)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	c.log.Info("Artifact cached", "artifact", artifactPath, "path", dest)
	return dest, nil
}

func (c *Cache) fetchHTTP(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyLocal(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
