// Package geo canonicalizes free-text localities onto canonical region
// identifiers using a static alias table.
package geo

import (
	_ "embed"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// RegionID is a canonical region identifier (e.g. a county or independent city).
type RegionID string

//go:embed aliases.yaml
var defaultAliases []byte

// tableFile is the on-disk YAML layout of an alias table.
type tableFile struct {
	Regions []struct {
		ID         string   `yaml:"id"`
		Localities []string `yaml:"localities"`
	} `yaml:"regions"`
	Aliases map[string][]string `yaml:"aliases"`
}

// Table is an immutable locality lookup. Build it once per process with
// LoadTable or DefaultTable and share it read-only.
type Table struct {
	localities map[string]RegionID
	aliases    map[string][]RegionID
	regions    map[RegionID]struct{}
}

// DefaultTable parses the embedded alias table.
func DefaultTable() (*Table, error) {
	return ParseTable(defaultAliases)
}

// LoadTable reads an alias table from path. An empty path yields the
// embedded default.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return DefaultTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geo: read alias file %s", path)
	}
	return ParseTable(data)
}

// ParseTable builds a Table from YAML. Duplicate localities and aliases
// expanding to unknown regions are rejected.
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "geo: parse alias table")
	}

	t := &Table{
		localities: make(map[string]RegionID),
		aliases:    make(map[string][]RegionID, len(f.Aliases)),
		regions:    make(map[RegionID]struct{}, len(f.Regions)),
	}

	for _, r := range f.Regions {
		id := RegionID(strings.TrimSpace(r.ID))
		if id == "" {
			return nil, eris.New("geo: region with empty id")
		}
		if _, dup := t.regions[id]; dup {
			return nil, eris.Errorf("geo: duplicate region %q", id)
		}
		t.regions[id] = struct{}{}

		// A canonical name always resolves to itself.
		names := append([]string{string(id)}, r.Localities...)
		for _, name := range names {
			key := foldKey(name)
			if key == "" {
				continue
			}
			if prev, dup := t.localities[key]; dup && prev != id {
				return nil, eris.Errorf("geo: locality %q maps to both %q and %q", name, prev, id)
			}
			t.localities[key] = id
		}
	}

	for alias, members := range f.Aliases {
		key := foldKey(alias)
		if key == "" {
			continue
		}
		seen := make(map[RegionID]struct{}, len(members))
		expansion := make([]RegionID, 0, len(members))
		for _, m := range members {
			id := RegionID(strings.TrimSpace(m))
			if _, ok := t.regions[id]; !ok {
				return nil, eris.Errorf("geo: alias %q references unknown region %q", alias, id)
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			expansion = append(expansion, id)
		}
		sort.Slice(expansion, func(i, j int) bool { return expansion[i] < expansion[j] })
		t.aliases[key] = expansion
	}

	return t, nil
}

// Regions returns the number of canonical regions in the table.
func (t *Table) Regions() int {
	return len(t.regions)
}

// foldKey case-folds, trims and collapses internal whitespace.
func foldKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
