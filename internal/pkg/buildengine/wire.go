package buildengine

import (
	"encoding/json"
	"fmt"
)

// WireStep is the JSON-safe envelope used to hand a decoded setup list
// from the coordinator (which parses the recipe's YAML) across the
// spawn/buildchild reexec boundary to the builder process: the step's Go
// type name plus its JSON-encoded fields. A second encoding rather than
// reusing the YAML tagged-union shape, since by the time the coordinator
// marshals this the steps are already concrete Go values. ContainerStep/
// SubConfig Setup and BuiltRoot cross as they are, which for recipe steps
// is empty; a non-empty Setup does not survive FromWire, because
// encoding/json cannot unmarshal into the Step interface.
type WireStep struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ToWire encodes steps for transport to the builder child.
func ToWire(steps []Step) ([]WireStep, error) {
	out := make([]WireStep, len(steps))
	for i, s := range steps {
		data, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encoding step %d (%s): %w", i, s.String(), err)
		}
		out[i] = WireStep{Type: typeName(s), Data: data}
	}
	return out, nil
}

// FromWire decodes steps received from the coordinator.
func FromWire(wire []WireStep) ([]Step, error) {
	out := make([]Step, len(wire))
	for i, w := range wire {
		step, err := newByTypeName(w.Type)
		if err != nil {
			return nil, fmt.Errorf("decoding step %d: %w", i, err)
		}
		if err := json.Unmarshal(w.Data, step); err != nil {
			return nil, fmt.Errorf("decoding step %d (%s): %w", i, w.Type, err)
		}
		out[i] = step
	}
	return out, nil
}

func typeName(s Step) string {
	switch s.(type) {
	case *Install:
		return "Install"
	case *BuildDeps:
		return "BuildDeps"
	case *UbuntuStep:
		return "Ubuntu"
	case *AlpineStep:
		return "Alpine"
	case *UbuntuRepo:
		return "UbuntuRepo"
	case *UbuntuUniverse:
		return "UbuntuUniverse"
	case *Sh:
		return "Sh"
	case *Cmd:
		return "Cmd"
	case *Env:
		return "Env"
	case *Remove:
		return "Remove"
	case *EmptyDir:
		return "EmptyDir"
	case *EnsureDir:
		return "EnsureDir"
	case *CacheDirs:
		return "CacheDirs"
	case *Depends:
		return "Depends"
	case *Text:
		return "Text"
	case *PipConfig:
		return "PipConfig"
	case *Py3Install:
		return "Py3Install"
	case *Py3Requirements:
		return "Py3Requirements"
	case *NpmInstall:
		return "NpmInstall"
	case *Git:
		return "Git"
	case *GitInstall:
		return "GitInstall"
	case *Tar:
		return "Tar"
	case *TarInstall:
		return "TarInstall"
	case *ContainerStep:
		return "Container"
	case *SubConfig:
		return "SubConfig"
	default:
		return fmt.Sprintf("%T", s)
	}
}

func newByTypeName(name string) (Step, error) {
	switch name {
	case "Install":
		return &Install{}, nil
	case "BuildDeps":
		return &BuildDeps{}, nil
	case "Ubuntu":
		return &UbuntuStep{}, nil
	case "Alpine":
		return &AlpineStep{}, nil
	case "UbuntuRepo":
		return &UbuntuRepo{}, nil
	case "UbuntuUniverse":
		return &UbuntuUniverse{}, nil
	case "Sh":
		return &Sh{}, nil
	case "Cmd":
		return &Cmd{}, nil
	case "Env":
		return &Env{}, nil
	case "Remove":
		return &Remove{}, nil
	case "EmptyDir":
		return &EmptyDir{}, nil
	case "EnsureDir":
		return &EnsureDir{}, nil
	case "CacheDirs":
		return &CacheDirs{}, nil
	case "Depends":
		return &Depends{}, nil
	case "Text":
		return &Text{}, nil
	case "PipConfig":
		return &PipConfig{}, nil
	case "Py3Install":
		return &Py3Install{}, nil
	case "Py3Requirements":
		return &Py3Requirements{}, nil
	case "NpmInstall":
		return &NpmInstall{}, nil
	case "Git":
		return &Git{}, nil
	case "GitInstall":
		return &GitInstall{}, nil
	case "Tar":
		return &Tar{}, nil
	case "TarInstall":
		return &TarInstall{}, nil
	case "Container":
		return &ContainerStep{}, nil
	case "SubConfig":
		return &SubConfig{}, nil
	default:
		return nil, fmt.Errorf("unknown wire step type %q", name)
	}
}
