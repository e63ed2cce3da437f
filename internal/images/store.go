package images

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Stored describes one persisted image file.
type Stored struct {
	Filename string
	SHA256   string
	MIME     string
	Size     int
}

// Store persists images content-addressed as {unix_ts}_{sha256[:12]}.{ext}.
// Identical bytes resolve to one file regardless of when they arrive; files
// are written once and never mutated. Retention is an operator concern.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Save writes the image and returns its filename. A file already holding the
// same content hash is reused.
func (s *Store) Save(data []byte) (Stored, error) {
	sum := sha256.Sum256(data)
	fullHash := hex.EncodeToString(sum[:])
	prefix := fullHash[:12]
	mime, ext := SniffMIME(data)

	st := Stored{SHA256: fullHash, MIME: mime, Size: len(data)}

	// Same hash means same bytes; reuse the existing file.
	matches, _ := filepath.Glob(filepath.Join(s.dir, "*_"+prefix+"."+ext))
	if len(matches) > 0 {
		st.Filename = filepath.Base(matches[0])
		return st, nil
	}

	st.Filename = fmt.Sprintf("%d_%s.%s", time.Now().Unix(), prefix, ext)
	tmp := filepath.Join(s.dir, "."+st.Filename+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Stored{}, fmt.Errorf("write image: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, st.Filename)); err != nil {
		_ = os.Remove(tmp)
		return Stored{}, fmt.Errorf("place image: %w", err)
	}
	return st, nil
}

var filenameRe = regexp.MustCompile(`^[0-9]+_[0-9a-f]{12}\.(png|jpg|webp|svg)$`)

// ValidFilename guards the static-serve path against traversal.
func ValidFilename(name string) bool {
	return filenameRe.MatchString(name)
}

// Path returns the absolute path for a previously validated filename.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// SniffMIME detects the image type from magic bytes. The mock backend emits
// SVG, which http.DetectContentType reports as generic XML, so check for it
// first.
func SniffMIME(data []byte) (mime, ext string) {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("<?xml")) || bytes.HasPrefix(trimmed, []byte("<svg")) {
		return "image/svg+xml", "svg"
	}
	switch ct := http.DetectContentType(head); {
	case ct == "image/png":
		return "image/png", "png"
	case ct == "image/jpeg":
		return "image/jpeg", "jpg"
	case ct == "image/webp":
		return "image/webp", "webp"
	case strings.Contains(ct, "xml"), strings.Contains(ct, "svg"):
		return "image/svg+xml", "svg"
	default:
		return "image/png", "png"
	}
}
