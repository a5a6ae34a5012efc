package skills

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/jingkaihe/skillbox/pkg/db"
	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/security"
	"github.com/pkg/errors"
	"github.com/rogpeppe/go-internal/lockedfile"
)

// mtimeTolerance is how far, in seconds, a cached mtime may drift from the
// live SKILL.md before the entry is considered stale.
const mtimeTolerance = 0.001

var requiredCacheKeys = []string{"name", "description", "path", "hash", "mtime"}

// MetadataCache persists descriptors as JSON files named after a hash of the
// skill root. The SKILL.md file stays authoritative: entries whose recorded
// mtime no longer matches are dropped on read.
type MetadataCache struct {
	dir string
}

// DefaultCacheDir returns ~/.skillbox/cache, honouring SKILLBOX_BASE_PATH.
func DefaultCacheDir() (string, error) {
	base, err := db.BasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "cache"), nil
}

// NewMetadataCache creates dir if needed and returns a cache stored in it.
func NewMetadataCache(dir string) (*MetadataCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create cache directory")
	}
	return &MetadataCache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *MetadataCache) Dir() string {
	return c.dir
}

// Key returns the sha256 hex digest of the canonical form of root.
func Key(root string) string {
	canonical, err := canonicalRoot(root)
	if err != nil {
		canonical = filepath.Clean(root)
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func (c *MetadataCache) entryPath(root string) string {
	return filepath.Join(c.dir, Key(root)+".json")
}

// Get returns the cached descriptor for root. Corrupt or stale entries are
// deleted and reported as misses.
func (c *MetadataCache) Get(ctx context.Context, root string) (*Descriptor, bool) {
	log := logger.G(ctx).WithField("skill_root", root)
	path := c.entryPath(root)

	data, err := lockedfile.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Debug("failed to read cache entry")
		}
		return nil, false
	}

	descriptor, err := decodeEntry(data)
	if err != nil {
		log.WithError(err).Debug("dropping corrupt cache entry")
		c.remove(ctx, path)
		return nil, false
	}

	info, err := os.Stat(filepath.Join(root, SkillFileName))
	if err != nil {
		log.WithError(err).Debug("skill file gone, dropping cache entry")
		c.remove(ctx, path)
		return nil, false
	}
	if math.Abs(modTime(info)-descriptor.MTime) > mtimeTolerance {
		log.Debug("skill file changed, dropping cache entry")
		c.remove(ctx, path)
		return nil, false
	}

	return descriptor, true
}

// Put stores d. Failures are logged and otherwise ignored.
func (c *MetadataCache) Put(ctx context.Context, d *Descriptor) {
	log := logger.G(ctx).WithField("skill", d.Name)

	data, err := json.Marshal(d)
	if err != nil {
		log.WithError(err).Debug("failed to encode cache entry")
		return
	}
	if err := lockedfile.Write(c.entryPath(d.Path), bytes.NewReader(data), 0o644); err != nil {
		log.WithError(err).Debug("failed to write cache entry")
	}
}

// Invalidate deletes the entry for root, if any.
func (c *MetadataCache) Invalidate(ctx context.Context, root string) error {
	return c.remove(ctx, c.entryPath(root))
}

// Clear deletes every cache entry.
func (c *MetadataCache) Clear(ctx context.Context) error {
	entries, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return errors.Wrap(err, "failed to list cache entries")
	}

	var result *multierror.Error
	for _, entry := range entries {
		if err := c.remove(ctx, entry); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (c *MetadataCache) remove(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.G(ctx).WithError(err).WithField("path", path).Debug("failed to remove cache entry")
		return errors.Wrapf(err, "failed to remove cache entry %s", path)
	}
	return nil
}

func decodeEntry(data []byte) (*Descriptor, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrap(err, "invalid json")
	}
	for _, key := range requiredCacheKeys {
		if _, ok := fields[key]; !ok {
			return nil, errors.Errorf("missing key %q", key)
		}
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(err, "invalid descriptor")
	}
	return &d, nil
}

func canonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve skill root")
	}
	return security.Canonicalize(abs)
}
