package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/stepwise/model"
)

// snapshot is an immutable collection of wizards indexed by ID.
type snapshot struct {
	wizards  map[string]model.WizardDefinition
	sources  map[string]string
	checksum string
}

// Registry is a read-optimized, thread-safe store of all loaded wizards.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given files.
func NewRegistry(files []model.WizardFile) *Registry {
	r := &Registry{}
	r.Replace(files)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given files. A wizard declared twice keeps the later declaration.
func (r *Registry) Replace(files []model.WizardFile) {
	s := &snapshot{
		wizards: make(map[string]model.WizardDefinition),
		sources: make(map[string]string),
	}

	var checksumParts []string
	for _, f := range files {
		checksumParts = append(checksumParts, f.Checksum)
		for _, w := range f.Wizards {
			s.wizards[w.ID] = w
			s.sources[w.ID] = f.SourceFile
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetWizard returns the wizard definition with the given ID.
func (r *Registry) GetWizard(id string) (model.WizardDefinition, bool) {
	w, ok := r.current().wizards[id]
	return w, ok
}

// SourceFile returns the file a wizard was loaded from.
func (r *Registry) SourceFile(id string) string {
	return r.current().sources[id]
}

// WizardIDs returns all wizard IDs, sorted.
func (r *Registry) WizardIDs() []string {
	s := r.current()
	ids := make([]string, 0, len(s.wizards))
	for id := range s.wizards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Checksum returns the combined checksum of all loaded files.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
