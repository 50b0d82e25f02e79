package runner

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/rootbox/rootbox/internal/pkg/coordinator"
	"github.com/rootbox/rootbox/internal/pkg/spawn"
	"github.com/rootbox/rootbox/internal/pkg/sylog"
)

// Supervise runs a command's named children simultaneously, stopping the
// whole group the moment a non-force-start child exits with a nonzero code
// or a wait error (spec §4.8
// "Supervise mode"). Each child is built if necessary, then spawned into
// its own namespace set exactly like a plain Run, and the group is watched
// with a stop-on-failure/signal-forwarding/grace-period-kill policy built
// directly over already-started spawn.Handles rather than not-yet-started
// *exec.Cmds, since every supervised child needs its mount/pivot setup
// done before monitoring can begin (spawn.Spawn both starts the process
// and sets that up).
func (r *Runner) Supervise(coord *coordinator.Coordinator, commandName string) (int, error) {
	cmd, ok := r.Recipe.Commands[commandName]
	if !ok {
		return 0, errors.Errorf("no such command %q", commandName)
	}
	if !cmd.IsSupervise() {
		return 0, errors.Errorf("command %q is not a supervise group", commandName)
	}

	type running struct {
		name       string
		handle     *spawn.Handle
		forceStart bool
	}
	var children []running

	built := map[string]bool{}
	for childName, child := range cmd.Children {
		if !built[child.Container] {
			if _, err := coord.Build(child.Container); err != nil {
				return 0, errors.Wrapf(err, "building %q for child %q", child.Container, childName)
			}
			built[child.Container] = true
		}

		root, err := r.Project.ResolveContainerRoot(child.Container)
		if err != nil {
			return 0, err
		}
		argv := child.Run
		if len(argv) == 0 {
			argv = r.Recipe.Containers[child.Container].DefaultCommand
		}
		handle, err := r.spawnChild(commandName+"."+childName, root, argv, r.Recipe.Containers[child.Container].Environ)
		if err != nil {
			for _, c := range children {
				_ = c.handle.Signal(syscall.SIGTERM)
			}
			return 0, errors.Wrapf(err, "spawning child %q", childName)
		}
		children = append(children, running{name: childName, handle: handle, forceStart: child.ForceStart})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	type exit struct {
		name       string
		err        error
		forceStart bool
	}
	done := make(chan exit, len(children))
	for _, c := range children {
		c := c
		go func() {
			err := c.handle.Wait()
			done <- exit{name: c.name, err: err, forceStart: c.forceStart}
		}()
	}

	stopAll := func(sig syscall.Signal) {
		for _, c := range children {
			_ = c.handle.Signal(sig)
		}
		go func() {
			time.Sleep(10 * time.Second)
			for _, c := range children {
				_ = c.handle.Signal(syscall.SIGKILL)
			}
		}()
	}

	remaining := len(children)
	var triggerCode int
	stopped := false

	for remaining > 0 {
		select {
		case sig := <-sigCh:
			sylog.Infof("received %s, forwarding to supervised group", sig)
			stopAll(sig.(syscall.Signal))
			stopped = true

		case e := <-done:
			remaining--
			code, err := exitCodeOf(e.err)
			if err != nil {
				sylog.Errorf("%q: %v", e.name, err)
			}
			if (code != 0 || err != nil) && !e.forceStart {
				sylog.Errorf("%q exited with code %d", e.name, code)
				if !stopped {
					triggerCode = code
					if triggerCode == 0 {
						triggerCode = 1
					}
					stopAll(syscall.SIGTERM)
					stopped = true
				}
			} else if e.forceStart && (code != 0 || err != nil) {
				sylog.Warningf("%q exited (force-start, ignored): code %d", e.name, code)
			} else {
				sylog.Debugf("%q exited cleanly", e.name)
			}
		}
	}

	return triggerCode, nil
}

func exitCodeOf(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	type exitCoder interface{ ExitCode() int }
	if ec, ok := err.(exitCoder); ok {
		return ec.ExitCode(), nil
	}
	return 0, err
}
