package generator

import (
	"os"
	"path/filepath"
)

const reconcileUnitName = "bootkit-bound-images.service"

// reconcileUnit defers bound-image pulls to after the network is up. The
// generator itself never performs network work.
const reconcileUnit = `# Generated by bootkitd-generator. Do not edit.
[Unit]
Description=Pull bound images for bootkit deployments
DefaultDependencies=no
Wants=network-online.target
After=network-online.target sysroot.mount
Before=multi-user.target

[Service]
Type=oneshot
ExecStart=/usr/bin/bootkitd reconcile --best-effort
`

func emitReconcileUnit(normalDir string) error {
	if err := os.MkdirAll(normalDir, 0o755); err != nil {
		return err
	}
	unit := filepath.Join(normalDir, reconcileUnitName)
	if err := writeIfChanged(unit, []byte(reconcileUnit)); err != nil {
		return err
	}

	wants := filepath.Join(normalDir, "multi-user.target.wants")
	if err := os.MkdirAll(wants, 0o755); err != nil {
		return err
	}
	link := filepath.Join(wants, reconcileUnitName)
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	return os.Symlink(filepath.Join("..", reconcileUnitName), link)
}

// writeIfChanged keeps repeated invocations byte-stable and avoids
// touching mtimes when nothing changed.
func writeIfChanged(path string, content []byte) error {
	if cur, err := os.ReadFile(path); err == nil && string(cur) == string(content) {
		return nil
	}
	return os.WriteFile(path, content, 0o644)
}
