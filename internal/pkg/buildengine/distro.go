package buildengine

import "fmt"

// DistroKind tags which base distribution a Context has been bootstrapped
// into (spec §3: "distro identity (variant: unknown / Ubuntu{codename} /
// Alpine{version})").
type DistroKind int

const (
	DistroUnknown DistroKind = iota
	DistroUbuntu
	DistroAlpine
)

func (k DistroKind) String() string {
	switch k {
	case DistroUbuntu:
		return "ubuntu"
	case DistroAlpine:
		return "alpine"
	default:
		return "unknown"
	}
}

// Distro is the tagged distro variant plus its version identifier
// (codename for Ubuntu, release number for Alpine).
type Distro struct {
	Kind    DistroKind
	Version string

	universe bool // Ubuntu-only: whether the universe component is enabled
}

// installCommand returns the argv used to install pkgs under this distro,
// the "install" leg of spec §4.6's distro trait.
func (d *Distro) installCommand(pkgs []string) ([]string, error) {
	switch d.Kind {
	case DistroUbuntu:
		args := append([]string{"apt-get", "install", "-y", "--no-install-recommends"}, pkgs...)
		return args, nil
	case DistroAlpine:
		args := append([]string{"apk", "add"}, pkgs...)
		return args, nil
	default:
		return nil, fmt.Errorf("no distro selected yet; add an Ubuntu/Alpine step before Install")
	}
}

// bootstrapCommand returns the argv that seeds package metadata right
// after a base distro step runs (e.g. `apt-get update`).
func (d *Distro) bootstrapCommand() []string {
	switch d.Kind {
	case DistroUbuntu:
		return []string{"apt-get", "update"}
	case DistroAlpine:
		return []string{"apk", "update"}
	default:
		return nil
	}
}

// finishCommand returns the argv that lists the installed packages
// (`dpkg --get-selections` / `apk info -v`). Engine.Finish runs it with
// the build's stdout, so the listing is printed, not saved into the
// rootfs, and no package database is flushed.
func (d *Distro) finishCommand() []string {
	switch d.Kind {
	case DistroUbuntu:
		return []string{"dpkg", "--get-selections"}
	case DistroAlpine:
		return []string{"apk", "info", "-v"}
	default:
		return nil
	}
}

// npmConfigureCommand installs the node/npm toolchain appropriate to this
// distro, used by NpmInstall's configure leg.
func (d *Distro) npmConfigureCommand() []string {
	switch d.Kind {
	case DistroUbuntu:
		return []string{"apt-get", "install", "-y", "nodejs", "npm"}
	case DistroAlpine:
		return []string{"apk", "add", "nodejs", "npm"}
	default:
		return nil
	}
}

// enableUniverse marks the Ubuntu-only universe component as active; a
// no-op on non-Ubuntu distros.
func (d *Distro) enableUniverse() {
	if d.Kind != DistroUbuntu {
		return
	}
	d.universe = true
}

// repoLine is the APT source-list line UbuntuRepo appends, the Ubuntu
// "specific<T>(f)" escape hatch spec §4.6 names.
func repoLine(url, codename, component string) string {
	return fmt.Sprintf("deb %s %s %s", url, codename, component)
}
