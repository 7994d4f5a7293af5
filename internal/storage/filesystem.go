package storage

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
)

// CopyFile copies srcPath to destPath and flushes the copy to stable storage.
func CopyFile(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	if _, err := destFile.ReadFrom(srcFile); err != nil {
		destFile.Close()
		os.Remove(destPath)
		return err
	}
	if err := destFile.Sync(); err != nil {
		destFile.Close()
		os.Remove(destPath)
		return err
	}
	return destFile.Close()
}

// LinkOrCopyFile creates destPath with the content of srcPath, preferring a
// hard link. destPath must not exist.
func LinkOrCopyFile(srcPath string, destPath string) error {
	if srcPath == destPath {
		return nil
	}

	// Attempt to create a hard link from src to dest. If that succeeds, we're
	// done and haven't touched any file contents.
	if err := os.Link(srcPath, destPath); err == nil {
		return nil
	}

	return CopyFile(srcPath, destPath)
}

// MoveFile renames srcPath to destPath, replacing destPath atomically.
func MoveFile(srcPath string, destPath string) error {
	if err := os.Rename(srcPath, destPath); err != nil {

		// If the source file lives on a different filesystem, fall back to
		// copying its contents next to the destination and renaming that.
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			staged := destPath + ".moving"
			if copyErr := CopyFile(srcPath, staged); copyErr != nil {
				return copyErr
			}
			if err := os.Rename(staged, destPath); err != nil {
				os.Remove(staged)
				return err
			}

			// Best-effort cleanup of the source file; ignore ENOENT in case
			// it was moved or removed it.
			if rmErr := os.Remove(srcPath); rmErr != nil && !os.IsNotExist(rmErr) {
				return rmErr
			}
			return nil
		}
		return err
	}

	return nil
}

// syncDir flushes directory entries so a completed rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}
