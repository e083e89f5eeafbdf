// Package respack hydrates the instructor resource tree from object
// storage. Problems reference their testcase inputs and arranged files
// by paths relative to RESOURCE_PATH; on hosts provisioned from scratch
// the tree is pulled once at boot as a zstd-compressed tar.
package respack

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"kadai/internal/common/cache"
	"kadai/internal/common/storage"
	appErr "kadai/pkg/errors"
	"kadai/pkg/utils/logger"
)

const (
	hydrateLockKey     = "judge:respack:lock"
	defaultLockTTL     = 5 * time.Minute
	extractDirMode     = 0o755
	extractFileMask    = 0o777
	defaultExtractMode = 0o644
)

// Options names the pack to hydrate and where to put it.
type Options struct {
	Bucket  string
	Object  string
	SHA256  string // expected hex digest of the compressed pack; empty skips verification
	DestDir string
}

// Hydrator downloads and unpacks resource packs. The locker is optional;
// when present it keeps concurrent judge instances from unpacking into
// the same shared directory at once.
type Hydrator struct {
	storage storage.ObjectStorage
	locker  cache.Cache
	lockTTL time.Duration
}

// NewHydrator creates a hydrator. store may be nil, which disables
// hydration entirely.
func NewHydrator(store storage.ObjectStorage, locker cache.Cache) *Hydrator {
	return &Hydrator{storage: store, locker: locker, lockTTL: defaultLockTTL}
}

// Hydrate downloads the pack, verifies its digest, and unpacks it into
// DestDir. When another instance holds the hydration lock the call is
// skipped; that instance is already writing the same tree.
func (h *Hydrator) Hydrate(ctx context.Context, opts Options) error {
	if h == nil || h.storage == nil {
		return nil
	}
	if opts.Bucket == "" || opts.Object == "" || opts.DestDir == "" {
		return appErr.ValidationError("respack", "bucket, object and destDir are required")
	}

	if h.locker != nil {
		acquired, err := h.locker.TryLock(ctx, hydrateLockKey, h.lockTTL)
		if err != nil {
			return appErr.Wrapf(err, appErr.LockFailed, "acquire hydrate lock failed")
		}
		if !acquired {
			logger.Info(ctx, "resource pack hydration already in progress, skipping",
				zap.String("object", opts.Object))
			return nil
		}
		defer func() {
			if err := h.locker.Unlock(context.WithoutCancel(ctx), hydrateLockKey); err != nil {
				logger.Warn(ctx, "release hydrate lock failed", zap.Error(err))
			}
		}()
	}

	stat, err := h.storage.StatObject(ctx, opts.Bucket, opts.Object)
	if err != nil {
		return appErr.Wrapf(err, appErr.ObjectNotFound, "stat resource pack %s failed", opts.Object)
	}
	logger.Info(ctx, "downloading resource pack",
		zap.String("object", opts.Object), zap.Int64("size_bytes", stat.SizeBytes))

	packFile, digest, err := h.download(ctx, opts.Bucket, opts.Object)
	if err != nil {
		return err
	}
	defer func() {
		packFile.Close()
		os.Remove(packFile.Name())
	}()

	if opts.SHA256 != "" && !strings.EqualFold(digest, opts.SHA256) {
		return appErr.Newf(appErr.PackVerifyFailed, "resource pack digest mismatch: got %s, want %s", digest, opts.SHA256)
	}

	if err := extract(ctx, packFile, opts.DestDir); err != nil {
		return err
	}
	logger.Info(ctx, "resource pack hydrated",
		zap.String("object", opts.Object), zap.String("dest", opts.DestDir))
	return nil
}

// download spools the object to a temp file while hashing it, so the
// digest check happens before anything touches DestDir.
func (h *Hydrator) download(ctx context.Context, bucket, object string) (*os.File, string, error) {
	obj, err := h.storage.GetObject(ctx, bucket, object)
	if err != nil {
		return nil, "", appErr.Wrapf(err, appErr.StorageError, "download resource pack %s failed", object)
	}
	defer obj.Close()

	tmp, err := os.CreateTemp("", "respack-*.tar.zst")
	if err != nil {
		return nil, "", appErr.Wrapf(err, appErr.StorageError, "create pack temp file failed")
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), obj); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, "", appErr.Wrapf(err, appErr.StorageError, "read resource pack %s failed", object)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, "", appErr.Wrapf(err, appErr.StorageError, "rewind pack temp file failed")
	}
	return tmp, hex.EncodeToString(hasher.Sum(nil)), nil
}

func extract(ctx context.Context, pack io.Reader, destDir string) error {
	dec, err := zstd.NewReader(pack)
	if err != nil {
		return appErr.Wrapf(err, appErr.PackExtractFailed, "open zstd stream failed")
	}
	defer dec.Close()

	if err := os.MkdirAll(destDir, extractDirMode); err != nil {
		return appErr.Wrapf(err, appErr.PackExtractFailed, "create %s failed", destDir)
	}

	tr := tar.NewReader(dec)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.PackExtractFailed, "read pack entry failed")
		}
		target, err := entryPath(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, extractDirMode); err != nil {
				return appErr.Wrapf(err, appErr.PackExtractFailed, "create dir %s failed", header.Name)
			}
		case tar.TypeReg:
			if err := writeEntry(target, header, tr); err != nil {
				return err
			}
		default:
			// Symlinks and specials are never part of a resource pack.
			logger.Warn(ctx, "skipping unsupported pack entry",
				zap.String("name", header.Name), zap.Int32("type", int32(header.Typeflag)))
		}
	}
}

func writeEntry(target string, header *tar.Header, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), extractDirMode); err != nil {
		return appErr.Wrapf(err, appErr.PackExtractFailed, "create parent of %s failed", header.Name)
	}
	mode := fs.FileMode(header.Mode) & extractFileMask
	if mode == 0 {
		mode = defaultExtractMode
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return appErr.Wrapf(err, appErr.PackExtractFailed, "create file %s failed", header.Name)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return appErr.Wrapf(err, appErr.PackExtractFailed, "write file %s failed", header.Name)
	}
	return f.Close()
}

// entryPath joins an archive entry name onto destDir and rejects names
// that would land outside it.
func entryPath(destDir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", appErr.Newf(appErr.PackExtractFailed, "absolute path in pack: %s", name)
	}
	cleanDest := filepath.Clean(destDir)
	target := filepath.Join(cleanDest, name)
	if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
		return "", appErr.Newf(appErr.PackExtractFailed, "path escapes destination: %s", name)
	}
	return target, nil
}
