// Package elfnote reads identification notes from a local copy of a shared
// library.
package elfnote

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
)

var ErrNoNotes = errors.New("no identification notes")

const (
	noteGNUBuildID     = 3
	noteAndroidIdent   = 1
	sectionBuildID     = ".note.gnu.build-id"
	sectionAndroidNote = ".note.android.ident"
)

type Info struct {
	Path        string `json:"path"`
	Arch        string `json:"arch"`
	BuildID     string `json:"buildId,omitempty"`
	AndroidAPI  uint32 `json:"androidApi,omitempty"`
	NDKVersion  string `json:"ndkVersion,omitempty"`
	NDKBuildNum string `json:"ndkBuildNumber,omitempty"`
}

// Note is one entry of an ELF note section.
type Note struct {
	Name string
	Type uint32
	Desc []byte
}

// ParseNotes splits the raw contents of a note section.
func ParseNotes(data []byte, order binary.ByteOrder) ([]Note, error) {
	var notes []Note
	for len(data) > 0 {
		if len(data) < 12 {
			return notes, errors.New("truncated note header")
		}
		namesz := order.Uint32(data[0:])
		descsz := order.Uint32(data[4:])
		typ := order.Uint32(data[8:])
		data = data[12:]
		nameEnd := align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if uint64(len(data)) < descEnd {
			return notes, errors.New("truncated note")
		}
		name := string(bytes.TrimRight(data[:namesz], "\x00"))
		notes = append(notes, Note{Name: name, Type: typ, Desc: data[nameEnd : nameEnd+uint64(descsz)]})
		data = data[descEnd:]
	}
	return notes, nil
}

func align4(n uint32) uint64 {
	return (uint64(n) + 3) &^ 3
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// apply fills info from the GNU build id and the Android ident notes.
func (info *Info) apply(notes []Note, order binary.ByteOrder) {
	for _, n := range notes {
		switch {
		case n.Name == "GNU" && n.Type == noteGNUBuildID:
			info.BuildID = hex.EncodeToString(n.Desc)
		case n.Name == "Android" && n.Type == noteAndroidIdent:
			if len(n.Desc) >= 4 {
				info.AndroidAPI = order.Uint32(n.Desc)
			}
			// ndk_version and ndk_build_number are 64 byte fields, r14 and later
			if len(n.Desc) >= 4+64 {
				info.NDKVersion = cstring(n.Desc[4 : 4+64])
			}
			if len(n.Desc) >= 4+128 {
				info.NDKBuildNum = cstring(n.Desc[4+64 : 4+128])
			}
		}
	}
}

func Read(path string) (*Info, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	defer f.Close()

	info := &Info{Path: path, Arch: f.Machine.String()}
	found := false
	for _, name := range []string{sectionBuildID, sectionAndroidNote} {
		s := f.Section(name)
		if s == nil {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", name)
		}
		notes, err := ParseNotes(data, f.ByteOrder)
		if err != nil {
			return nil, errors.Wrapf(err, "%s %s", path, name)
		}
		info.apply(notes, f.ByteOrder)
		found = true
	}
	if !found {
		// stripped section headers, fall back to PT_NOTE segments
		for _, p := range f.Progs {
			if p.Type != elf.PT_NOTE {
				continue
			}
			data := make([]byte, p.Filesz)
			if _, err := p.ReadAt(data, 0); err != nil {
				return nil, errors.Wrap(err, "reading PT_NOTE")
			}
			notes, err := ParseNotes(data, f.ByteOrder)
			if err != nil {
				continue
			}
			info.apply(notes, f.ByteOrder)
			found = true
		}
	}
	if !found {
		return info, ErrNoNotes
	}
	return info, nil
}
