// Package netns implements `_create_netns` (spec §6, component list):
// a one-shot, sudo-assisted setup of a bridge + veth pair and a persistent
// network namespace later container runs can join, so only this one
// subcommand needs elevated privilege rather than the whole toolchain.
// Grounded on original_source's src/launcher/network.rs: same fixed
// interface name, CIDR pool, and `sudo ip`/`sudo iptables` invocations,
// adapted to shell out via os/exec instead of linking a netlink library
// (spec §1 scopes networking to hand-off only).
package netns

import (
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"

	"github.com/rootbox/rootbox/internal/pkg/nsutil"
	"github.com/rootbox/rootbox/internal/pkg/sylog"
)

const (
	interfaceName = "rootbox"
	guestVeth     = "rootbox_guest"
	network       = "172.18.255.0/30"
	hostIPNet     = "172.18.255.1/30"
	hostIP        = "172.18.255.1"
	guestIP       = "172.18.255.2/30"
)

// Options configures one Create invocation.
type Options struct {
	DryRun      bool
	NoIPTables  bool
}

// runtimeDir is where the persistent netns/userns bind-mount files live,
// matching original_source's $XDG_RUNTIME_DIR/vagga fallback.
func runtimeDir() (string, error) {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "rootbox"), nil
	}
	u, err := user()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/tmp/rootbox-%s", u), nil
}

func user() (string, error) {
	if u := os.Getenv("USER"); u != "" {
		return u, nil
	}
	return fmt.Sprintf("%d", os.Getuid()), nil
}

// Create sets up the bridge/veth pair and persists the resulting net/user
// namespaces under runtimeDir, so the privileged setup need not be
// repeated. Nothing in rootbox joins these namespaces at present; `_run`
// has no network option.
func Create(opts Options) error {
	dir, err := runtimeDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, "creating runtime dir %s", dir)
	}

	netnsFile := filepath.Join(dir, "netns")
	usernsFile := filepath.Join(dir, "userns")
	if fileExists(netnsFile) || fileExists(usernsFile) {
		return fmt.Errorf("network namespaces already created (remove %s to redo)", dir)
	}

	pid, err := holderPID(opts.DryRun)
	if err != nil {
		return err
	}

	fmt.Println("We will run network setup commands with sudo.")
	fmt.Println("You may need to enter your password.")

	commands := buildSetupCommands(pid)
	forward, err := ipForwardEnabled()
	if err != nil {
		sylog.Warningf("could not read ip_forward sysctl: %v", err)
	} else if !forward {
		commands = append(commands, exec.Command("sudo", "sysctl", "net.ipv4.ip_forward=1"))
	}

	if !opts.DryRun {
		if err := touch(netnsFile); err != nil {
			return err
		}
		if err := touch(usernsFile); err != nil {
			return err
		}
	}
	commands = append(commands,
		exec.Command("sudo", "mount", "--bind", fmt.Sprintf("/proc/%d/ns/net", pid), netnsFile),
		exec.Command("sudo", "mount", "--bind", fmt.Sprintf("/proc/%d/ns/user", pid), usernsFile),
	)

	fmt.Println()
	fmt.Println("The following commands will be run:")
	for _, cmd := range commands {
		fmt.Printf("    %s\n", strings.Join(cmd.Args, " "))
	}

	if !opts.DryRun {
		for _, cmd := range commands {
			cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
			if err := cmd.Run(); err != nil {
				return errors.Wrapf(err, "running %q", strings.Join(cmd.Args, " "))
			}
		}
	}

	if !opts.NoIPTables {
		if err := ensureMasquerade(opts.DryRun); err != nil {
			return err
		}
	}
	return nil
}

// holderPID starts the long-lived network-namespace holder process that
// owns the net/user namespace files get bind-mounted from. A dry run
// fabricates a placeholder pid so the printed plan stays representative
// without actually unsharing anything.
func holderPID(dryRun bool) (int, error) {
	if dryRun {
		return 123456, nil
	}
	// The holder is this same binary, re-invoked to sit in a fresh network
	// namespace until killed; cmd/rootbox wires the reexec arg. A plain
	// `sleep` would do as well, but reusing rootbox keeps every reexec
	// entrypoint in one binary.
	cmd := exec.Command("/proc/self/exe", HolderReexecArg)
	cmd.SysProcAttr = netnsHolderSysProcAttr()
	if err := cmd.Start(); err != nil {
		return 0, errors.Wrap(err, "starting network namespace holder")
	}
	return cmd.Process.Pid, nil
}

func netnsHolderSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Cloneflags: uintptr(nsutil.CloneFlags([]nsutil.Namespace{nsutil.NamespaceNet, nsutil.NamespaceUser})),
	}
}

func buildSetupCommands(pid int) []*exec.Cmd {
	return []*exec.Cmd{
		exec.Command("sudo", "ip", "link", "add", guestVeth, "type", "veth", "peer", "name", interfaceName),
		exec.Command("sudo", "ip", "link", "set", guestVeth, "netns", fmt.Sprintf("%d", pid)),
		exec.Command("sudo", "ip", "addr", "add", hostIPNet, "dev", interfaceName),
	}
}

func ensureMasquerade(dryRun bool) error {
	fmt.Println()
	fmt.Println("Checking firewall rules:")
	check := exec.Command("sudo", "iptables", "-t", "nat", "-C", "POSTROUTING", "-s", network, "-j", "MASQUERADE")
	fmt.Printf("    %s\n", strings.Join(check.Args, " "))
	err := check.Run()
	if err == nil {
		fmt.Println("Already setup. Skipping...")
		return nil
	}
	var exitErr *exec.ExitError
	if !stderrors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		return errors.Wrap(err, "checking iptables rule")
	}

	add := exec.Command("sudo", "iptables", "-t", "nat", "-A", "POSTROUTING", "-s", network, "-j", "MASQUERADE")
	fmt.Println("Not existent, creating:")
	fmt.Printf("    %s\n", strings.Join(add.Args, " "))
	if dryRun {
		return nil
	}
	add.Stdout, add.Stderr = os.Stdout, os.Stderr
	if err := add.Run(); err != nil {
		return errors.Wrap(err, "setting up iptables MASQUERADE rule")
	}
	return nil
}

func ipForwardEnabled() (bool, error) {
	data, err := os.ReadFile("/proc/sys/net/ipv4/ip_forward")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(data)) != "0", nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	return f.Close()
}

// HolderReexecArg is the hidden argv[1] cmd/rootbox recognizes to
// dispatch into HolderMain instead of cobra.
const HolderReexecArg = "__rootbox_netns_holder__"

// IsHolderReexec reports whether argv requests the holder entrypoint.
func IsHolderReexec(argv []string) bool {
	return len(argv) > 1 && argv[1] == HolderReexecArg
}

// HolderMain is the body of the long-lived process Create starts to own
// the net/user namespace pair: the clone flags on its own exec.Cmd already
// placed it in fresh namespaces at start time, so all it does is block
// until a terminating signal arrives, keeping those namespaces alive for
// /proc/<pid>/ns/{net,user} to be bind-mounted from.
func HolderMain() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	os.Exit(0)
}
