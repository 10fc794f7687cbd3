package rclone

import (
	"fmt"
	"path"
	"strings"
)

// ImageExtensions lists the file extensions accepted by image-facing
// operations.
var ImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// ValidatePath checks a remote-relative path at the public boundary.
func ValidatePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if len(p) < 3 {
		return fmt.Errorf("%w: path too short: %q", ErrInvalidPath, p)
	}
	if strings.Contains(p, "..") {
		return fmt.Errorf("%w: path traversal in %q", ErrInvalidPath, p)
	}
	if strings.Contains(p, "\\") {
		return fmt.Errorf("%w: backslash in %q", ErrInvalidPath, p)
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: leading slash in %q", ErrInvalidPath, p)
	}
	return nil
}

// ValidateImagePath applies ValidatePath and additionally requires an
// allowed image extension.
func ValidateImagePath(p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	ext := strings.ToLower(path.Ext(p))
	if !ImageExtensions[ext] {
		return fmt.Errorf("%w: extension %q not allowed", ErrInvalidPath, ext)
	}
	return nil
}
