// Package procmaps builds module maps from /proc/<pid>/maps for targets
// reachable from the host, such as local processes or an adb shell run as
// root.
package procmaps

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"

	"fdhook/ghidra"
)

func perms(p *procfs.ProcMapPermissions) string {
	if p == nil {
		return "---"
	}
	b := []byte("---")
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Execute {
		b[2] = 'x'
	}
	return string(b)
}

func fileBacked(path string) bool {
	return strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "/dev/")
}

// FromMaps groups file backed mappings by path into modules. Every mapping
// is kept as a range.
func FromMaps(maps []*procfs.ProcMap) *ghidra.ModuleMap {
	var (
		modules []ghidra.Module
		ranges  []ghidra.Range
		index   = map[string]int{}
	)
	for _, m := range maps {
		start, end := uint64(m.StartAddr), uint64(m.EndAddr)
		ranges = append(ranges, ghidra.Range{
			Base:       start,
			Size:       end - start,
			Protection: perms(m.Perms),
			File:       m.Pathname,
		})
		if !fileBacked(m.Pathname) {
			continue
		}
		i, ok := index[m.Pathname]
		if !ok {
			index[m.Pathname] = len(modules)
			modules = append(modules, ghidra.Module{
				Name: filepath.Base(m.Pathname),
				Path: m.Pathname,
				Base: start,
				Size: end - start,
			})
			continue
		}
		mod := &modules[i]
		top := mod.Base + mod.Size
		if start < mod.Base {
			mod.Base = start
		}
		if end > top {
			top = end
		}
		mod.Size = top - mod.Base
	}
	return ghidra.NewModuleMap(modules, ranges)
}

// Load reads the maps of pid from the proc filesystem mounted at mount
// (procfs.DefaultMountPoint when empty).
func Load(mount string, pid int) (*ghidra.ModuleMap, error) {
	if mount == "" {
		mount = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mount)
	if err != nil {
		return nil, errors.Wrap(err, "open procfs")
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "pid %d", pid)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, errors.Wrapf(err, "read maps of %d", pid)
	}
	return FromMaps(maps), nil
}
