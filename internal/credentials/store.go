package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"convoy/internal/proxyerr"
)

var domainPattern = regexp.MustCompile(`^[A-Za-z0-9.\-:]+$`)

// Store loads per-domain credential files from a directory, rejecting any
// domain that could escape it.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir. dir is resolved to an absolute
// path once so every later resolution can be checked against it.
func NewStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials dir: %w", err)
	}
	return &Store{dir: abs}, nil
}

// ResolvePath validates domain and returns the absolute path to its
// credential file. Domains must match [A-Za-z0-9.\-:]+ and must not contain
// "..", "/", or "\\"; the resulting path must be a descendant of the store's
// directory.
func (s *Store) ResolvePath(domain string) (string, error) {
	if !domainPattern.MatchString(domain) {
		return "", &proxyerr.ValidationError{Message: "invalid domain"}
	}
	if strings.Contains(domain, "..") || strings.Contains(domain, "/") || strings.Contains(domain, "\\") {
		return "", &proxyerr.ValidationError{Message: "invalid domain"}
	}

	path := filepath.Join(s.dir, domain+".credentials.json")
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve credential path: %w", err)
	}
	rel, err := filepath.Rel(s.dir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", &proxyerr.ValidationError{Message: "credential path escapes credentials directory"}
	}
	return abs, nil
}

// Load reads and parses the credential file for domain.
func (s *Store) Load(domain string) (Credential, error) {
	path, err := s.ResolvePath(domain)
	if err != nil {
		return Credential{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, fmt.Errorf("read credential file: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return Credential{}, fmt.Errorf("parse credential file: %w", err)
	}
	return cred, nil
}
