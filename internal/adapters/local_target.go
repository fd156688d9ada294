// SPDX-License-Identifier: MIT

package adapters

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// LocalTarget delivers artifacts into a directory tree on a mounted
// filesystem (local disk or NFS). Writes are atomic: the file appears at its
// final path only once fully copied, so a crashed delivery never leaves a
// half-written artifact that Exists would mistake for a finished one.
type LocalTarget struct {
	name string
	root string
}

// NewLocalTarget roots a target at dir.
func NewLocalTarget(name, dir string) *LocalTarget {
	return &LocalTarget{name: name, root: dir}
}

func (t *LocalTarget) Name() string { return t.name }

func (t *LocalTarget) resolve(remotePath string) (string, error) {
	clean := filepath.Clean("/" + remotePath)
	full := filepath.Join(t.root, clean)
	if !strings.HasPrefix(full, filepath.Clean(t.root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("delivery target %s: path escapes root: %q", t.name, remotePath)
	}
	return full, nil
}

func (t *LocalTarget) Store(ctx context.Context, localPath, remotePath string) error {
	dst, err := t.resolve(remotePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("delivery target %s: mkdir: %w", t.name, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("delivery target %s: open source: %w", t.name, err)
	}
	defer func() { _ = src.Close() }()

	pf, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o640))
	if err != nil {
		return fmt.Errorf("delivery target %s: stage: %w", t.name, err)
	}
	defer func() { _ = pf.Cleanup() }()

	buf := make([]byte, 1<<20)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := pf.Write(buf[:n]); werr != nil {
				return fmt.Errorf("delivery target %s: write: %w", t.name, werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("delivery target %s: read: %w", t.name, rerr)
		}
	}

	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("delivery target %s: finalize: %w", t.name, err)
	}
	return nil
}

func (t *LocalTarget) Exists(_ context.Context, remotePath string) (bool, error) {
	dst, err := t.resolve(remotePath)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(dst)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

var _ DeliveryTarget = (*LocalTarget)(nil)
