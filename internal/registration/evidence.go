package registration

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EvidenceStore keeps page snapshots of every registration attempt.
type EvidenceStore struct {
	dir string
}

// NewEvidenceStore creates a store rooted at dir.
func NewEvidenceStore(dir string) (*EvidenceStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating evidence directory: %w", err)
	}
	return &EvidenceStore{dir: dir}, nil
}

// Save writes a snapshot and returns its reference, relative to the store root.
// Pages are saved as .html; failures without a page are saved as a .txt note.
func (s *EvidenceStore) Save(eventID string, attempt int, phase string, page *Page, note string) (string, error) {
	ext, content := ".txt", note
	if page != nil {
		ext = ".html"
		content = fmt.Sprintf("<!-- %s %s -->\n%s", page.URL, note, page.HTML)
	}

	name := fmt.Sprintf("%02d-%s%s", attempt, sanitize(phase), ext)
	ref := filepath.Join(sanitize(eventID), name)

	path := filepath.Join(s.dir, ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating evidence directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing evidence: %w", err)
	}
	return filepath.ToSlash(ref), nil
}

// Path resolves a reference returned by Save.
func (s *EvidenceStore) Path(ref string) string {
	return filepath.Join(s.dir, filepath.FromSlash(ref))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
