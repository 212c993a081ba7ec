// Package persistence implements workflow checkpointing (spec §4.7):
// a single JSON document written before every transition's side
// effect, so a crash or reboot between persistence and reporting is
// recovered by re-deriving state on restart.
//
// Writes use the same write-temp/fsync/rename idiom as
// pkg/trust.WriteAtomically, via google/renameio, so the on-disk file
// is never observed half-written.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/renameio/v2"
	"k8s.io/klog/v2"

	"github.com/device-update/agent-core/pkg/apis/workflow"
)

// Store persists a single workflow.Status to a well-known path.
// Safe for concurrent use, though the workflow engine only ever calls
// it from the single worker goroutine (§5 ordering guarantee).
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a Store that reads from and writes to path.
func New(path string) *Store {
	return &Store{path: path}
}

// Serialize writes status to the store's path via fsync+rename. The
// caller must not perform the transition's side effect (handler call,
// cloud report) until Serialize returns nil -- that ordering is the
// durability guarantee invariant 2 of spec §3 depends on.
func (s *Store) Serialize(status workflow.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("persistence: marshal status: %w", err)
	}
	if err := renameio.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("persistence: writing %s: %w", s.path, err)
	}
	return nil
}

// Deserialize reads the persisted status. ok is false if no
// persistence file exists (first boot, or a prior terminal Delete),
// in which case the caller should start from workflow.Idle.
func (s *Store) Deserialize() (status workflow.Status, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, readErr := os.ReadFile(s.path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return workflow.Status{WorkflowStep: workflow.Idle}, false, nil
		}
		return workflow.Status{}, false, fmt.Errorf("persistence: reading %s: %w", s.path, readErr)
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return workflow.Status{}, false, fmt.Errorf("persistence: parsing %s: %w", s.path, err)
	}
	return status, true, nil
}

// Delete removes the persistence file on a terminal transition (§4.7).
// A missing file is not an error: Delete is idempotent.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("persistence: removing %s: %w", s.path, err)
	}
	klog.V(4).Infof("persistence: removed %s", s.path)
	return nil
}
