package rubric

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/gabcoyne/call-coach/internal/domain/analysis"
)

// Store resolves versioned rubric documents from a directory laid out
// as <dir>/<category>/<version>.yaml. Documents are treated as
// immutable: content changes ship under a new version file.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Lookup loads one rubric version. A missing version is a permanent
// failure: no retry will make the document appear.
func (s *Store) Lookup(ctx context.Context, category, version string) (*analysis.Rubric, error) {
	path := filepath.Join(s.dir, category, version+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, analysis.Permanent(fmt.Errorf("rubric %s version %s not found", category, version))
		}
		return nil, analysis.Transient(fmt.Errorf("reading rubric %s/%s: %w", category, version, err))
	}

	var r analysis.Rubric
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, analysis.Permanent(fmt.Errorf("parsing rubric %s/%s: %w", category, version, err))
	}
	if len(r.Criteria) == 0 {
		return nil, analysis.Permanent(fmt.Errorf("rubric %s/%s has no criteria", category, version))
	}
	// the directory layout is authoritative for identity
	r.Category = category
	r.Version = version
	return &r, nil
}
