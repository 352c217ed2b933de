package sysroot

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/bootkit-org/bootkit/models"
)

// Index is the persisted deployment record set plus the serial counter.
// It is read as a consistent snapshot (single file, atomically replaced)
// and only written under the root lock.
type Index struct {
	Serial      uint64               `json:"serial"`
	Deployments []*models.Deployment `json:"deployments"`
}

func (s *Sysroot) LoadIndex() (*Index, error) {
	data, err := os.ReadFile(s.path(indexFile))
	if os.IsNotExist(err) {
		return &Index{}, nil
	}
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, models.Corruptf("unreadable deployment index: %s", err)
	}
	idx.sort()
	return &idx, nil
}

func (s *Sysroot) SaveIndex(idx *Index) error {
	idx.sort()
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path(indexFile), append(data, '\n'), 0o644)
}

// sort keeps the authoritative ordering: newest serial first. This is the
// order the external bootloader-entry writer consumes.
func (i *Index) sort() {
	sort.SliceStable(i.Deployments, func(a, b int) bool {
		return i.Deployments[a].Serial > i.Deployments[b].Serial
	})
}

// Check validates the record-set invariants. A violation means the store
// was corrupted by something outside this subsystem; mutation must be
// refused until it is externally resolved.
func (i *Index) Check() error {
	var booted, staged int
	seen := map[uint64]bool{}
	for _, d := range i.Deployments {
		if seen[d.Serial] {
			return models.Corruptf("duplicate deployment serial %d", d.Serial)
		}
		seen[d.Serial] = true
		if d.Serial > i.Serial {
			return models.Corruptf("deployment %s has serial beyond counter %d", d.ID(), i.Serial)
		}
		switch d.State {
		case models.StateBooted:
			booted++
		case models.StateStaged:
			staged++
		case models.StateRollback, models.StatePendingGC:
		default:
			return models.Corruptf("deployment %s has unknown state %q", d.ID(), d.State)
		}
	}
	if booted > 1 {
		return models.Corruptf("%d deployments marked booted", booted)
	}
	if staged > 1 {
		return models.Corruptf("%d deployments marked staged", staged)
	}
	return nil
}

func (i *Index) Booted() *models.Deployment { return i.first(models.StateBooted) }
func (i *Index) Staged() *models.Deployment { return i.first(models.StateStaged) }

// DesignatedRollback is the newest rollback-state record; older rollback
// entries are prunable history.
func (i *Index) DesignatedRollback() *models.Deployment {
	i.sort()
	return i.first(models.StateRollback)
}

func (i *Index) first(st models.DeploymentState) *models.Deployment {
	for _, d := range i.Deployments {
		if d.State == st {
			return d
		}
	}
	return nil
}

func (i *Index) NextSerial() uint64 {
	i.Serial++
	return i.Serial
}

func (i *Index) Remove(serial uint64) {
	out := i.Deployments[:0]
	for _, d := range i.Deployments {
		if d.Serial != serial {
			out = append(out, d)
		}
	}
	i.Deployments = out
}

// LiveCommits returns the commit hashes anchored by the live set.
func (i *Index) LiveCommits() map[string]bool {
	live := map[string]bool{}
	for _, d := range i.Deployments {
		if d.Live() {
			live[d.Commit] = true
		}
	}
	return live
}

func (i *Index) String() string {
	return fmt.Sprintf("index{serial=%d, deployments=%d}", i.Serial, len(i.Deployments))
}
