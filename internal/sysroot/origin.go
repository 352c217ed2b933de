package sysroot

import (
	"encoding/json"
	"os"

	"github.com/bootkit-org/bootkit/models"
)

const originsDir = "origins"

// WriteOrigin persists a deployment's stage-time record as a standalone
// origin file. index.json stays authoritative; the origin survives as
// per-deployment provenance (image ref, digest, karg overlay, bound image
// declarations and their drop-in paths) that external tooling can read
// without parsing the whole index.
func (s *Sysroot) WriteOrigin(d *models.Deployment) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path(originsDir, d.ID()+".origin"), append(data, '\n'), 0o644)
}

func (s *Sysroot) ReadOrigin(id string) (*models.Deployment, error) {
	data, err := os.ReadFile(s.path(originsDir, id+".origin"))
	if err != nil {
		return nil, err
	}
	var d models.Deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, models.Corruptf("unreadable origin for %s: %s", id, err)
	}
	return &d, nil
}

func (s *Sysroot) HasOrigin(id string) bool {
	_, err := os.Stat(s.path(originsDir, id+".origin"))
	return err == nil
}

func (s *Sysroot) RemoveOrigin(id string) error {
	err := os.Remove(s.path(originsDir, id+".origin"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
