// Package identstore provides hpfeeds.Identifier implementations backed by
// memory or a YAML file.
package identstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	hpfeeds "github.com/d1str0/go-hpfeeds"
)

// File is the on-disk layout read by Load.
type File struct {
	Identities []hpfeeds.Identity `yaml:"identities"`
}

// Store is a concurrency safe set of identities keyed by ident.
type Store struct {
	mu     sync.RWMutex
	path   string
	idents map[string]hpfeeds.Identity
}

// New returns a Store holding ids.
func New(ids ...hpfeeds.Identity) (*Store, error) {
	s := &Store{}
	if err := s.replace(ids); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads identities from the YAML file at path.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file the store was loaded from. On error the current
// identities are kept.
func (s *Store) Reload() error {
	if s.path == "" {
		return errors.New("identstore: store has no backing file")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read identities: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse identities %s: %w", s.path, err)
	}
	return s.replace(f.Identities)
}

func (s *Store) replace(ids []hpfeeds.Identity) error {
	idents := make(map[string]hpfeeds.Identity, len(ids))
	var errs []error
	for i, id := range ids {
		if err := validate(id); err != nil {
			errs = append(errs, fmt.Errorf("identity %d: %w", i, err))
			continue
		}
		if _, dup := idents[id.Ident]; dup {
			errs = append(errs, fmt.Errorf("identity %d: duplicate ident %q", i, id.Ident))
			continue
		}
		idents[id.Ident] = id
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	s.idents = idents
	s.mu.Unlock()
	return nil
}

func validate(id hpfeeds.Identity) error {
	switch {
	case id.Ident == "":
		return errors.New("ident is required")
	case len(id.Ident) > hpfeeds.MaxFieldLen:
		return fmt.Errorf("ident %q longer than %d bytes", id.Ident, hpfeeds.MaxFieldLen)
	case id.Secret == "":
		return fmt.Errorf("ident %q: secret is required", id.Ident)
	}
	return nil
}

// Add inserts or replaces an identity.
func (s *Store) Add(id hpfeeds.Identity) error {
	if err := validate(id); err != nil {
		return err
	}
	s.mu.Lock()
	if s.idents == nil {
		s.idents = make(map[string]hpfeeds.Identity)
	}
	s.idents[id.Ident] = id
	s.mu.Unlock()
	return nil
}

// Remove deletes ident. Sessions already authenticated keep their cached
// identity.
func (s *Store) Remove(ident string) {
	s.mu.Lock()
	delete(s.idents, ident)
	s.mu.Unlock()
}

// Len returns the number of identities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idents)
}

// Identify implements hpfeeds.Identifier. The returned Identity is a copy.
func (s *Store) Identify(ctx context.Context, ident string) (*hpfeeds.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	id, ok := s.idents[ident]
	s.mu.RUnlock()
	if !ok {
		return nil, hpfeeds.ErrUnknownIdent
	}
	id.SubChannels = append([]string(nil), id.SubChannels...)
	id.PubChannels = append([]string(nil), id.PubChannels...)
	return &id, nil
}
