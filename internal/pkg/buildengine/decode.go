package buildengine

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// DecodeStep builds the Step named by key from its YAML parameter node,
// the tagged-union decode spec §6 describes: "each step object, a
// single-key mapping whose key selects the variant and whose value
// supplies parameters". Lives in buildengine (rather than config) so the
// step variants' own field shapes are defined once, next to their
// Hash/Execute implementations.
func DecodeStep(key string, value *yaml.Node) (Step, error) {
	switch key {
	case "Install":
		var pkgs []string
		if err := decodeStringOrList(value, &pkgs); err != nil {
			return nil, err
		}
		return &Install{Packages: pkgs}, nil

	case "BuildDeps":
		var pkgs []string
		if err := decodeStringOrList(value, &pkgs); err != nil {
			return nil, err
		}
		return &BuildDeps{Packages: pkgs}, nil

	case "Ubuntu", "UbuntuRelease":
		var codename string
		if err := value.Decode(&codename); err != nil {
			return nil, err
		}
		return &UbuntuStep{Codename: codename}, nil

	case "Alpine":
		var ver string
		if err := value.Decode(&ver); err != nil {
			return nil, err
		}
		return &AlpineStep{Version: ver}, nil

	case "UbuntuRepo":
		var r struct {
			URL       string `yaml:"url"`
			Codename  string `yaml:"codename"`
			Component string `yaml:"component"`
		}
		if err := value.Decode(&r); err != nil {
			return nil, err
		}
		return &UbuntuRepo{URL: r.URL, Codename: r.Codename, Component: r.Component}, nil

	case "UbuntuUniverse":
		return &UbuntuUniverse{}, nil

	case "Sh":
		var text string
		if err := value.Decode(&text); err != nil {
			return nil, err
		}
		return &Sh{Text: text}, nil

	case "Cmd":
		var argv []string
		if err := decodeStringOrList(value, &argv); err != nil {
			return nil, err
		}
		return &Cmd{Argv: argv}, nil

	case "Env":
		var vars map[string]string
		if err := value.Decode(&vars); err != nil {
			return nil, err
		}
		return &Env{Vars: vars}, nil

	case "Remove":
		var p string
		if err := value.Decode(&p); err != nil {
			return nil, err
		}
		return &Remove{Path: p}, nil

	case "EmptyDir":
		var p string
		if err := value.Decode(&p); err != nil {
			return nil, err
		}
		return &EmptyDir{Path: p}, nil

	case "EnsureDir":
		var p string
		if err := value.Decode(&p); err != nil {
			return nil, err
		}
		return &EnsureDir{Path: p}, nil

	case "CacheDirs":
		var dirs map[string]string
		if err := value.Decode(&dirs); err != nil {
			return nil, err
		}
		return &CacheDirs{Dirs: dirs}, nil

	case "Depends":
		var p string
		if err := value.Decode(&p); err != nil {
			return nil, err
		}
		return &Depends{Path: p}, nil

	case "Text":
		var files map[string]string
		if err := value.Decode(&files); err != nil {
			return nil, err
		}
		return &Text{Files: files}, nil

	case "PipConfig":
		var r struct {
			IndexURL    string   `yaml:"index_url"`
			FindLinks   []string `yaml:"find_links"`
			NoDeps      bool     `yaml:"no_deps"`
			TrustedHost []string `yaml:"trusted_host"`
		}
		if err := value.Decode(&r); err != nil {
			return nil, err
		}
		return &PipConfig{IndexURL: r.IndexURL, FindLinks: r.FindLinks, NoDeps: r.NoDeps, TrustedHost: r.TrustedHost}, nil

	case "Py2Install", "Py3Install":
		var pkgs []string
		if err := decodeStringOrList(value, &pkgs); err != nil {
			return nil, err
		}
		return &Py3Install{Packages: pkgs}, nil

	case "Py2Requirements", "Py3Requirements":
		var p string
		if err := value.Decode(&p); err != nil {
			return nil, err
		}
		return &Py3Requirements{Path: p}, nil

	case "NpmInstall":
		var pkgs []string
		if err := decodeStringOrList(value, &pkgs); err != nil {
			return nil, err
		}
		return &NpmInstall{Packages: pkgs}, nil

	case "Git":
		var r struct {
			URL      string `yaml:"url"`
			Revision string `yaml:"revision"`
			Dest     string `yaml:"dest"`
		}
		if err := value.Decode(&r); err != nil {
			return nil, err
		}
		return &Git{URL: r.URL, Revision: r.Revision, Dest: r.Dest}, nil

	case "GitInstall":
		var r struct {
			URL        string   `yaml:"url"`
			Revision   string   `yaml:"revision"`
			Dest       string   `yaml:"dest"`
			InstallCmd []string `yaml:"install_cmd"`
		}
		if err := value.Decode(&r); err != nil {
			return nil, err
		}
		return &GitInstall{URL: r.URL, Revision: r.Revision, Dest: r.Dest, InstallCmd: r.InstallCmd}, nil

	case "Tar":
		var r struct {
			Source string `yaml:"source"`
			Dest   string `yaml:"dest"`
			SHA256 string `yaml:"sha256"`
		}
		if err := value.Decode(&r); err != nil {
			return nil, err
		}
		return &Tar{Source: r.Source, Dest: r.Dest, SHA256: r.SHA256}, nil

	case "TarInstall":
		var r struct {
			Source     string   `yaml:"source"`
			Dest       string   `yaml:"dest"`
			SHA256     string   `yaml:"sha256"`
			InstallCmd []string `yaml:"install_cmd"`
		}
		if err := value.Decode(&r); err != nil {
			return nil, err
		}
		return &TarInstall{Source: r.Source, Dest: r.Dest, SHA256: r.SHA256, InstallCmd: r.InstallCmd}, nil

	case "Container":
		var name string
		if err := value.Decode(&name); err != nil {
			return nil, err
		}
		// Setup/BuiltRoot stay empty: nothing fills them in after decode,
		// so a real build of this step fails with "has not been built yet".
		return &ContainerStep{Name: name}, nil

	case "SubConfig":
		var r struct {
			Source string `yaml:"source"`
			Path   string `yaml:"path"`
		}
		if err := value.Decode(&r); err != nil {
			return nil, err
		}
		if r.Source == "git" {
			return nil, fmt.Errorf("SubConfig{source: git} is not supported; resolve the checkout with a Git step and use source: work instead")
		}
		return &SubConfig{Source: r.Source, Path: r.Path}, nil

	default:
		return nil, fmt.Errorf("unknown setup step variant %q", key)
	}
}

// decodeStringOrList accepts either a bare scalar (one package/argv token)
// or a sequence, matching how the original recipe format is forgiving
// about single- vs multi-value step parameters.
func decodeStringOrList(value *yaml.Node, out *[]string) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*out = []string{s}
		return nil
	}
	return value.Decode(out)
}
