package cache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

type Kind string

const (
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
)

var ErrGenerationName = errors.New("invalid cache generation name")

// GenerationName formats "<prefix>-<kind>-v<version>".
func GenerationName(prefix string, kind Kind, v *semver.Version) string {
	return fmt.Sprintf("%s-%s-v%s", prefix, kind, v.String())
}

// ParseGeneration splits a generation name into its prefix, kind and version.
func ParseGeneration(name string) (string, Kind, *semver.Version, error) {
	i := strings.LastIndex(name, "-v")
	if i <= 0 {
		return "", "", nil, fmt.Errorf("%w: %q", ErrGenerationName, name)
	}
	v, err := semver.StrictNewVersion(name[i+2:])
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: %q: %v", ErrGenerationName, name, err)
	}
	head := name[:i]
	j := strings.LastIndex(head, "-")
	if j <= 0 || j == len(head)-1 {
		return "", "", nil, fmt.Errorf("%w: %q", ErrGenerationName, name)
	}
	return head[:j], Kind(head[j+1:]), v, nil
}

// Generations names the two live cache generations of one release.
type Generations struct {
	Static  string
	Dynamic string
}

func NewGenerations(prefix, version string) (Generations, error) {
	if prefix == "" {
		return Generations{}, fmt.Errorf("%w: empty prefix", ErrGenerationName)
	}
	v, err := semver.StrictNewVersion(strings.TrimPrefix(version, "v"))
	if err != nil {
		return Generations{}, fmt.Errorf("cache version %q: %w", version, err)
	}
	return Generations{
		Static:  GenerationName(prefix, KindStatic, v),
		Dynamic: GenerationName(prefix, KindDynamic, v),
	}, nil
}

// Live reports whether name is one of the designated generations.
func (g Generations) Live(name string) bool {
	return name == g.Static || name == g.Dynamic
}
