// Package profile holds the declarative side of a hooking session: which
// library to wait for, what is known about its modules, which hook tables
// exist and which native calls run once the library is up.
package profile

import (
	"bytes"
	"embed"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"fdhook/ghidra"
	"fdhook/hooks"
)

//go:embed profiles/*.yaml
var profiles embed.FS

const DefaultName = "libgame"

type CallArg struct {
	Type  string      `yaml:"type" json:"type"`
	Value interface{} `yaml:"value,omitempty" json:"value,omitempty"`
}

const (
	PhaseBefore = "before"
	PhaseAfter  = "after"
)

// NativeCall is a function invoked inside the target through a guarded
// call. Calls of the before phase run ahead of hook installation, the
// after phase once hooks and the patch module are in place.
type NativeCall struct {
	Name         string `yaml:"name,omitempty"`
	hooks.Target `yaml:",inline"`
	Ret          string    `yaml:"ret,omitempty"`
	Args         []CallArg `yaml:"args,omitempty"`
	Phase        string    `yaml:"phase,omitempty"`
}

// StartupCalls returns the startup calls of one phase in profile order.
func (p *Profile) StartupCalls(phase string) []NativeCall {
	var calls []NativeCall
	for _, c := range p.Startup {
		ph := c.Phase
		if ph == "" {
			ph = PhaseBefore
		}
		if ph == phase {
			calls = append(calls, c)
		}
	}
	return calls
}

type Patch struct {
	Path    string   `yaml:"path"`
	Deps    []string `yaml:"deps,omitempty"`
	Init    string   `yaml:"init,omitempty"`
	RunInit bool     `yaml:"run_init,omitempty"`
}

type Group struct {
	Name    string        `yaml:"name"`
	Enabled bool          `yaml:"enabled"`
	Hooks   []hooks.Entry `yaml:"hooks"`
}

type Profile struct {
	Soname  string             `yaml:"soname"`
	Modules ghidra.ModuleInfos `yaml:"modules,omitempty"`
	Patch   *Patch             `yaml:"patch,omitempty"`
	Startup []NativeCall       `yaml:"startup,omitempty"`
	Groups  []Group            `yaml:"groups,omitempty"`
}

func Parse(data []byte) (*Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, errors.Wrap(err, "decode profile")
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) validate() error {
	if p.Soname == "" {
		return errors.New("profile has no soname")
	}
	seen := map[string]bool{}
	for _, g := range p.Groups {
		if g.Name == "" {
			return errors.New("profile has an unnamed group")
		}
		if seen[g.Name] {
			return errors.Errorf("duplicate group %s", g.Name)
		}
		seen[g.Name] = true
		for i, e := range g.Hooks {
			if e.Export == "" && e.Ghidra == nil {
				return errors.Errorf("group %s: hook %d has neither export nor ghidra offset", g.Name, i)
			}
		}
	}
	for _, c := range p.Startup {
		if c.Export == "" && c.Ghidra == nil {
			return errors.Errorf("startup call %s has neither export nor ghidra offset", c.Name)
		}
		if c.Phase != "" && c.Phase != PhaseBefore && c.Phase != PhaseAfter {
			return errors.Errorf("startup call %s: unknown phase %s", c.Name, c.Phase)
		}
	}
	return nil
}

func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return p, nil
}

// Builtin returns one of the profiles compiled into the binary.
func Builtin(name string) (*Profile, error) {
	data, err := profiles.ReadFile("profiles/" + name + ".yaml")
	if err != nil {
		return nil, errors.Errorf("no builtin profile %s", name)
	}
	return Parse(data)
}

func Default() (*Profile, error) {
	return Builtin(DefaultName)
}

// Open loads path, or the default builtin profile when path is empty.
func Open(path string) (*Profile, error) {
	if path == "" {
		return Default()
	}
	return Load(path)
}

func (p *Profile) GroupNames() []string {
	names := make([]string, 0, len(p.Groups))
	for _, g := range p.Groups {
		names = append(names, g.Name)
	}
	sort.Strings(names)
	return names
}

// Entries collects the hook rows of the named groups, "all" selects every
// group. Without names the groups marked enabled are used.
func (p *Profile) Entries(names ...string) ([]hooks.Entry, error) {
	want := map[string]bool{}
	all := false
	for _, n := range names {
		if n == "all" {
			all = true
		}
		want[n] = true
	}
	var entries []hooks.Entry
	for _, g := range p.Groups {
		use := g.Enabled
		if len(names) > 0 {
			use = all || want[g.Name]
		}
		delete(want, g.Name)
		if use {
			entries = append(entries, g.Hooks...)
		}
	}
	delete(want, "all")
	for n := range want {
		return nil, errors.Errorf("unknown hook group %s", n)
	}
	return entries, nil
}

func (p *Profile) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return err
	}
	return enc.Close()
}
