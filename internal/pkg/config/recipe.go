// Package config decodes and validates a rootbox recipe: the YAML document
// mapping container names to their setup steps (spec §3, §6). Grounded on
// the teacher's use of YAML for bundle/e2e fixtures and, more directly, on
// the original_source vagga.yaml examples; decoded with gopkg.in/yaml.v3,
// the same library the rest of the pack (and original_source's Cargo
// dependency on serde_yaml) reaches for.
package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/rootbox/rootbox/internal/pkg/buildengine"
	"github.com/rootbox/rootbox/internal/pkg/idalloc"
)

// Recipe is the whole parsed configuration file: containers plus the
// command shortcuts exposed through the CLI.
type Recipe struct {
	Containers map[string]*Container
	Commands   map[string]*Command
}

// Container is one entry under the top-level `containers` key.
type Container struct {
	Setup          []buildengine.Step
	UIDs           []idalloc.Range
	GIDs           []idalloc.Range
	AutoClean      bool
	Environ        map[string]string
	Shell          []string
	DefaultCommand []string
}

// Command is one entry under the top-level `commands` key: either a simple
// shortcut binding a container and an argv prefix, or (when Children is
// non-empty) a supervise group binding several named children each to
// their own container, per spec §4.8 "a single entry lists multiple named
// children". Grounded on original_source's config/command.rs main::Command
// vs main::Supervise variants, collapsed into one struct since Go has no
// sum-typed YAML decode as convenient as serde's externally-tagged enum.
type Command struct {
	Container   string
	Run         []string
	Description string

	Children map[string]SuperviseChild
}

// IsSupervise reports whether this command is a supervise group rather
// than a single-container shortcut.
func (c *Command) IsSupervise() bool { return len(c.Children) > 0 }

// SuperviseChild is one named process within a supervise group, grounded
// on original_source's config/command.rs child::Command variant.
type SuperviseChild struct {
	Container  string
	Run        []string
	ForceStart bool
}

// Load reads and validates the recipe at path.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read recipe %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates recipe bytes already read from disk.
func Parse(data []byte) (*Recipe, error) {
	var doc rawRecipe
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse recipe YAML")
	}

	r := &Recipe{
		Containers: make(map[string]*Container, len(doc.Containers)),
		Commands:   make(map[string]*Command, len(doc.Commands)),
	}

	for name, raw := range doc.Containers {
		if name == "" {
			return nil, fmt.Errorf("recipe: container name must not be empty")
		}
		c, err := raw.toContainer()
		if err != nil {
			return nil, fmt.Errorf("recipe: container %q: %w", name, err)
		}
		r.Containers[name] = c
	}

	for name, raw := range doc.Commands {
		cmd := &Command{
			Container:   raw.Container,
			Run:         raw.Run,
			Description: raw.Description,
		}
		if len(raw.Children) > 0 {
			cmd.Children = make(map[string]SuperviseChild, len(raw.Children))
			for childName, rc := range raw.Children {
				cmd.Children[childName] = SuperviseChild{
					Container:  rc.Container,
					Run:        rc.Run,
					ForceStart: rc.ForceStart,
				}
			}
		}
		r.Commands[name] = cmd
	}

	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// HasContainer reports whether name is a defined container, used by
// coordinator's orphan cleanup to tell a live container apart from a
// leftover committed root for one dropped from the recipe.
func (r *Recipe) HasContainer(name string) bool {
	_, ok := r.Containers[name]
	return ok
}

func (r *Recipe) validate() error {
	if len(r.Containers) == 0 {
		return fmt.Errorf("recipe: no containers defined")
	}
	for name, c := range r.Containers {
		if err := validateRanges("uids", c.UIDs); err != nil {
			return fmt.Errorf("recipe: container %q: %w", name, err)
		}
		if err := validateRanges("gids", c.GIDs); err != nil {
			return fmt.Errorf("recipe: container %q: %w", name, err)
		}
	}
	for name, cmd := range r.Commands {
		if cmd.IsSupervise() {
			for childName, child := range cmd.Children {
				if _, ok := r.Containers[child.Container]; !ok {
					return fmt.Errorf("recipe: command %q child %q references unknown container %q", name, childName, child.Container)
				}
			}
			continue
		}
		if _, ok := r.Containers[cmd.Container]; !ok {
			return fmt.Errorf("recipe: command %q references unknown container %q", name, cmd.Container)
		}
	}
	return nil
}

// validateRanges enforces spec §3's "ranges are closed and non-overlapping
// within a list" invariant.
func validateRanges(field string, ranges []idalloc.Range) error {
	sorted := make([]idalloc.Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start <= sorted[i-1].End() {
			return fmt.Errorf("%s ranges overlap: %s and %s", field, sorted[i-1], sorted[i])
		}
	}
	return nil
}

type rawRecipe struct {
	Containers map[string]rawContainer `yaml:"containers"`
	Commands   map[string]rawCommand   `yaml:"commands"`
}

type rawContainer struct {
	Setup          []rawStep         `yaml:"setup"`
	UIDs           []rawRange        `yaml:"uids"`
	GIDs           []rawRange        `yaml:"gids"`
	AutoClean      bool              `yaml:"auto_clean"`
	Environ        map[string]string `yaml:"environ"`
	Shell          []string          `yaml:"shell"`
	DefaultCommand []string          `yaml:"default_command"`
}

type rawCommand struct {
	Container   string                      `yaml:"container"`
	Run         []string                    `yaml:"run"`
	Description string                      `yaml:"description"`
	Children    map[string]rawSuperviseChild `yaml:"children"`
}

type rawSuperviseChild struct {
	Container  string   `yaml:"container"`
	Run        []string `yaml:"run"`
	ForceStart bool     `yaml:"force_start"`
}

// rawRange decodes either a two-element `[start, end]` sequence or a
// `{start, end}` mapping into a half-open-free idalloc.Range.
type rawRange struct {
	Start uint32
	End   uint32
}

func (r *rawRange) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		var pair [2]uint32
		if err := value.Decode(&pair); err != nil {
			return err
		}
		r.Start, r.End = pair[0], pair[1]
		return nil
	}
	var m struct {
		Start uint32 `yaml:"start"`
		End   uint32 `yaml:"end"`
	}
	if err := value.Decode(&m); err != nil {
		return err
	}
	r.Start, r.End = m.Start, m.End
	return nil
}

// rawStep decodes one setup-list entry: a single-key mapping whose key
// selects the variant and whose value supplies its parameters (spec §6).
type rawStep struct {
	key   string
	value yaml.Node
}

func (rs *rawStep) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode || len(value.Content) != 2 {
		return fmt.Errorf("setup step must be a single-key mapping, got %v", value.Tag)
	}
	rs.key = value.Content[0].Value
	rs.value = *value.Content[1]
	return nil
}

func (rs *rawStep) toStep() (buildengine.Step, error) {
	return buildengine.DecodeStep(rs.key, &rs.value)
}

func (raw *rawContainer) toContainer() (*Container, error) {
	steps := make([]buildengine.Step, 0, len(raw.Setup))
	for i, rs := range raw.Setup {
		step, err := rs.toStep()
		if err != nil {
			return nil, fmt.Errorf("setup[%d]: %w", i, err)
		}
		steps = append(steps, step)
	}

	uids := toRanges(raw.UIDs)
	if len(uids) == 0 {
		uids = []idalloc.Range{{Start: 0, Count: 65536}}
	}
	gids := toRanges(raw.GIDs)
	if len(gids) == 0 {
		gids = []idalloc.Range{{Start: 0, Count: 65536}}
	}

	return &Container{
		Setup:          steps,
		UIDs:           uids,
		GIDs:           gids,
		AutoClean:      raw.AutoClean,
		Environ:        raw.Environ,
		Shell:          raw.Shell,
		DefaultCommand: raw.DefaultCommand,
	}, nil
}

func toRanges(raw []rawRange) []idalloc.Range {
	out := make([]idalloc.Range, len(raw))
	for i, r := range raw {
		out[i] = idalloc.Range{Start: r.Start, Count: r.End - r.Start + 1}
	}
	return out
}
