package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// TempDir creates a private, uuid-named directory under root. An empty root
// means os.TempDir(). The caller owns the directory and must CleanupFiles it.
func TempDir(root string) (string, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "ctfcheck-"+uuid.New().String())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// CleanupFiles removes dir and everything below it.
func CleanupFiles(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

// CopyFile copies src to dst, creating parent directories of dst as needed.
// Permission bits and modification time are carried over from src.
func CopyFile(src, dst string) (retErr error) {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("copy %s: not a regular file", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("prepare destination: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && retErr == nil {
			retErr = fmt.Errorf("close destination: %w", closeErr)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	// OpenFile applies the umask, so set the mode explicitly.
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod destination: %w", err)
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// AddOwnerExec sets the owner execute bit on path, keeping the other bits.
func AddOwnerExec(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, info.Mode().Perm()|0o100)
}
