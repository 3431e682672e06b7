package worktree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is the persisted mapping from ticket id to its worktree's
// filesystem path, branch name, and creation timestamp.
type Record struct {
	TicketID  int       `json:"ticketId"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"createdAt"`
}

// registryDocument is the on-disk shape of the registry file: a single
// JSON document keyed by ticket id, per spec §4.6/§6.
type registryDocument struct {
	Worktrees map[string]*Record `json:"worktrees"`
}

// Store is a write-through JSON-file registry of worktree records, one
// document per repository, living at "<project>/.orch/worktrees.json".
// Every mutation is written to disk immediately: the registry is the sole
// record of which worktrees exist, so the document must never lag the
// filesystem state it describes.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore opens (without yet reading) the registry file at the given
// path, creating its parent directory if necessary.
func NewStore(registryPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(registryPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	return &Store{path: registryPath}, nil
}

// RegistryPath returns "<repoPath>/.orch/worktrees.json", the conventional
// registry location for a repository.
func RegistryPath(repoPath string) string {
	return filepath.Join(repoPath, ".orch", "worktrees.json")
}

func (s *Store) load() (*registryDocument, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &registryDocument{Worktrees: make(map[string]*Record)}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return &registryDocument{Worktrees: make(map[string]*Record)}, nil
	}

	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse worktree registry: %w", err)
	}
	if doc.Worktrees == nil {
		doc.Worktrees = make(map[string]*Record)
	}
	return &doc, nil
}

func (s *Store) save(doc *registryDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Get returns the registry entry for a ticket, if one exists.
func (s *Store) Get(ticketID int) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, false, err
	}
	rec, ok := doc.Worktrees[key(ticketID)]
	return rec, ok, nil
}

// Put writes through a new or updated registry entry.
func (s *Store) Put(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.Worktrees[key(rec.TicketID)] = rec
	return s.save(doc)
}

// Delete removes a ticket's registry entry. Deleting an absent entry is
// not an error: removal is idempotent.
func (s *Store) Delete(ticketID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Worktrees[key(ticketID)]; !ok {
		return nil
	}
	delete(doc.Worktrees, key(ticketID))
	return s.save(doc)
}

// List returns every registry entry, for reconciliation/cleanup commands.
func (s *Store) List() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(doc.Worktrees))
	for _, rec := range doc.Worktrees {
		records = append(records, rec)
	}
	return records, nil
}

func key(ticketID int) string {
	return fmt.Sprintf("%d", ticketID)
}
