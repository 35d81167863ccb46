package service

import (
	"errors"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	maxFilenameLen = 255
	// longer "extensions" are just part of the name
	maxExtLen = 32
)

// sanitizeFilename strips directory components and limits length to
// maxFilenameLen bytes without splitting a UTF-8 sequence.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")

	// Take only the base name
	name = path.Base(name)

	// Limit length
	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > maxExtLen {
			ext = ""
		}
		stem := strings.TrimSuffix(name, ext)
		name = truncateRunes(stem, maxFilenameLen-len(ext)) + ext
	}

	if name == "" || name == "." || name == "/" || name == ".." {
		name = "file"
	}

	return name
}

// truncateRunes cuts s to at most n bytes on a rune boundary.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// cleanRelDir normalizes a client-declared directory inside a share to a
// slash-separated local path. "" is the share root.
func cleanRelDir(dir string) (string, bool) {
	dir = strings.ReplaceAll(dir, "\\", "/")
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return "", true
	}
	dir = path.Clean(dir)
	if dir == "." {
		return "", true
	}
	if !filepath.IsLocal(filepath.FromSlash(dir)) {
		return "", false
	}
	return dir, true
}

func detectType(name, declared string) string {
	if declared != "" {
		return declared
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func hashPassword(password string) (*string, error) {
	if password == "" {
		return nil, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	h := string(hash)
	return &h, nil
}

func checkPassword(hash *string, password string) error {
	if hash == nil {
		return nil
	}
	if password == "" {
		return ErrPasswordRequired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidPassword
		}
		return fmt.Errorf("failed to check password: %w", err)
	}
	return nil
}
