package ghidra

import (
	"fmt"
	"sort"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

type Arch string

const (
	ArchArm   Arch = "arm"
	ArchArm64 Arch = "arm64"
	ArchIA32  Arch = "ia32"
)

var ErrUnsupportedArch = errors.New("unsupported arch")

// DefaultBase returns the image base Ghidra uses for a freshly imported
// ELF of the given architecture.
func DefaultBase(arch Arch) (uint64, error) {
	switch arch {
	case ArchArm:
		return 0x10000, nil
	case ArchArm64:
		return 0x100000, nil
	case ArchIA32:
		return 0x400000, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedArch, "%q", string(arch))
}

// PointerSize of the target for arch, 0 when unknown.
func PointerSize(arch Arch) int {
	switch arch {
	case ArchArm, ArchIA32:
		return 4
	case ArchArm64, "x64":
		return 8
	}
	return 0
}

type Symbol struct {
	GhidraOffset uint64 `yaml:"ghidra_offset" json:"ghidraOffset"`
}

type ModuleInfo struct {
	GhidraBase *uint64           `yaml:"ghidra_base,omitempty" json:"ghidraBase,omitempty"`
	BuildID    string            `yaml:"build_id,omitempty" json:"buildId,omitempty"`
	Symbols    map[string]Symbol `yaml:"symbols,omitempty" json:"symbols,omitempty"`
}

type ModuleInfos map[string]ModuleInfo

type Module struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Base uint64 `json:"base"`
	Size uint64 `json:"size"`
}

func (m *Module) Contains(p uint64) bool {
	return p >= m.Base && p-m.Base < m.Size
}

type Range struct {
	Base       uint64 `json:"base"`
	Size       uint64 `json:"size"`
	Protection string `json:"protection"`
	File       string `json:"file,omitempty"`
}

func (r *Range) Contains(p uint64) bool {
	return p >= r.Base && p-r.Base < r.Size
}

func (r Range) String() string {
	s := fmt.Sprintf("0x%x-0x%x %s", r.Base, r.Base+r.Size, r.Protection)
	if r.File != "" {
		s += " " + r.File
	}
	return s
}

type Resolver interface {
	FindModuleByName(name string) *Module
	FindModuleByAddress(p uint64) *Module
	FindRangeByAddress(p uint64) *Range
}

// ModuleMap is a point-in-time view of the target's modules and ranges.
type ModuleMap struct {
	Modules []Module
	Ranges  []Range
}

func NewModuleMap(modules []Module, ranges []Range) *ModuleMap {
	m := &ModuleMap{
		Modules: append([]Module(nil), modules...),
		Ranges:  append([]Range(nil), ranges...),
	}
	sort.Slice(m.Modules, func(i, j int) bool { return m.Modules[i].Base < m.Modules[j].Base })
	sort.Slice(m.Ranges, func(i, j int) bool { return m.Ranges[i].Base < m.Ranges[j].Base })
	return m
}

func (m *ModuleMap) FindModuleByName(name string) *Module {
	for i := range m.Modules {
		if m.Modules[i].Name == name {
			return &m.Modules[i]
		}
	}
	return nil
}

func (m *ModuleMap) FindModuleByAddress(p uint64) *Module {
	i := sort.Search(len(m.Modules), func(i int) bool { return m.Modules[i].Base > p })
	if i == 0 {
		return nil
	}
	if mod := &m.Modules[i-1]; mod.Contains(p) {
		return mod
	}
	return nil
}

// FindRangeByAddress returns the range holding p, or failing that the
// closest range below p.
func (m *ModuleMap) FindRangeByAddress(p uint64) *Range {
	i := sort.Search(len(m.Ranges), func(i int) bool { return m.Ranges[i].Base > p })
	if i == 0 {
		return nil
	}
	return &m.Ranges[i-1]
}

type ModuleNotFoundError struct {
	Name    string
	Address uint64
}

func (e *ModuleNotFoundError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("cannot find a module named %s", e.Name)
	}
	return fmt.Sprintf("cannot find a module containing 0x%x", e.Address)
}

// Translator converts between runtime addresses and Ghidra offsets.
type Translator struct {
	Arch     Arch
	Infos    ModuleInfos
	Resolver Resolver
	Log      log.Interface
}

func NewTranslator(arch Arch, infos ModuleInfos, resolver Resolver) *Translator {
	return &Translator{
		Arch:     arch,
		Infos:    infos,
		Resolver: resolver,
		Log:      log.Log,
	}
}

func (t *Translator) base(moduleName string) (uint64, error) {
	base, err := DefaultBase(t.Arch)
	if err != nil {
		return 0, err
	}
	if info, ok := t.Infos[moduleName]; ok && moduleName != "" {
		if info.GhidraBase != nil {
			return *info.GhidraBase, nil
		}
		return base, nil
	}
	if t.Log != nil {
		t.Log.WithFields(log.Fields{
			"module": moduleName,
			"base":   fmt.Sprintf("0x%x", base),
		}).Warn("using default ghidra base")
	}
	return base, nil
}

// ToGhidra maps p to its Ghidra offset. The owning module is looked up by
// moduleName when set, by p otherwise.
func (t *Translator) ToGhidra(p uint64, moduleName string) (uint64, error) {
	base, err := t.base(moduleName)
	if err != nil {
		return 0, err
	}
	var m *Module
	if moduleName != "" {
		m = t.Resolver.FindModuleByName(moduleName)
	} else {
		m = t.Resolver.FindModuleByAddress(p)
	}
	if m == nil {
		return 0, &ModuleNotFoundError{Name: moduleName, Address: p}
	}
	return p - m.Base + base, nil
}

// ToRuntime maps a Ghidra offset inside soname back to a live address.
func (t *Translator) ToRuntime(soname string, off uint64) (uint64, error) {
	base, err := DefaultBase(t.Arch)
	if err != nil {
		return 0, err
	}
	if info, ok := t.Infos[soname]; ok && info.GhidraBase != nil {
		base = *info.GhidraBase
	}
	m := t.Resolver.FindModuleByName(soname)
	if m == nil {
		return 0, &ModuleNotFoundError{Name: soname}
	}
	return off + m.Base - base, nil
}

// Symbol resolves a symbol recorded in the module's info table.
func (t *Translator) Symbol(soname, name string) (uint64, error) {
	info, ok := t.Infos[soname]
	if !ok {
		return 0, errors.Errorf("no module info for %s", soname)
	}
	sym, ok := info.Symbols[name]
	if !ok {
		return 0, errors.Errorf("symbol %s not recorded for %s", name, soname)
	}
	return t.ToRuntime(soname, sym.GhidraOffset)
}
