package workspace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Invocation is a workspace-relative process launch request. Dir may be a
// host path under the workspace root, a path inside the workspace, or empty
// for the workspace root.
type Invocation struct {
	Program string
	Args    []string
	Dir     string
	Env     map[string]string
}

// Command is the fully resolved host invocation that realizes an Invocation
// for one workspace. For container workspaces the name/args wrap the
// original program in a namespace join; the caller spawns it verbatim.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// ExecContext resolves how processes launch for one workspace. Host
// workspaces spawn directly; container workspaces are entered, never
// re-created, per spawn. Every process destined for a container workspace
// must be resolved through this interface so nothing executes unwrapped on
// the host.
type ExecContext interface {
	WorkspaceID() string
	Kind() Kind
	Resolve(ctx context.Context, inv Invocation) (Command, error)
}

type hostContext struct {
	ws *Workspace
}

func (h *hostContext) WorkspaceID() string { return h.ws.ID }
func (h *hostContext) Kind() Kind          { return KindHost }

func (h *hostContext) Resolve(_ context.Context, inv Invocation) (Command, error) {
	if strings.TrimSpace(inv.Program) == "" {
		return Command{}, errors.New("program is required")
	}

	dir := strings.TrimSpace(inv.Dir)
	switch {
	case dir == "":
		dir = h.ws.Root
	case !filepath.IsAbs(dir):
		dir = filepath.Join(h.ws.Root, dir)
	}

	return Command{
		Name: inv.Program,
		Args: inv.Args,
		Dir:  dir,
		Env:  flattenEnv(h.ws.Env, inv.Env),
	}, nil
}

type containerContext struct {
	ws       *Workspace
	runner   CommandRunner
	lookPath func(file string) (string, error)
}

func (c *containerContext) WorkspaceID() string { return c.ws.ID }
func (c *containerContext) Kind() Kind          { return KindContainer }

// Resolve wraps the invocation so it executes inside the machine's
// namespaces. A running machine is joined through its leader pid; otherwise
// the command runs in an ephemeral systemd-nspawn that must not register
// with the init system because the container has no init of its own.
func (c *containerContext) Resolve(ctx context.Context, inv Invocation) (Command, error) {
	if strings.TrimSpace(inv.Program) == "" {
		return Command{}, errors.New("program is required")
	}

	env := mergeEnv(defaultContainerEnv(), c.ws.Env, inv.Env)
	dir := containerPath(c.ws.Root, inv.Dir)

	if leader, err := c.leaderPID(ctx); err == nil && leader > 0 {
		return c.nsenterCommand(leader, inv, dir, env), nil
	}

	return c.nspawnCommand(inv, dir, env)
}

// leaderPID resolves the pid of the machine's leader process, or 0 when the
// machine is not running.
func (c *containerContext) leaderPID(ctx context.Context) (int, error) {
	out, err := c.runner.Run(ctx, "machinectl", "show", c.ws.MachineName, "--property=Leader", "--value")
	if err != nil {
		return 0, err
	}
	value := strings.TrimSpace(string(out))
	if value == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(value)
	if err != nil || pid <= 0 {
		return 0, nil
	}
	return pid, nil
}

// nsenterCommand joins the running machine's namespaces. nsenter does not
// carry environment across the join, so vars are exported inside the shell
// line instead of on the spawned process.
func (c *containerContext) nsenterCommand(leader int, inv Invocation, dir string, env map[string]string) Command {
	var script strings.Builder
	for _, key := range sortedKeys(env) {
		script.WriteString(fmt.Sprintf("export %s=%s; ", key, shellQuote(env[key])))
	}
	script.WriteString(fmt.Sprintf("cd %s && exec %s", shellQuote(dir), shellQuote(inv.Program)))
	for _, arg := range inv.Args {
		script.WriteString(" ")
		script.WriteString(shellQuote(arg))
	}

	return Command{
		Name: "nsenter",
		Args: []string{
			"--target", strconv.Itoa(leader),
			"--mount", "--uts", "--ipc", "--net", "--pid",
			"/bin/sh", "-lc", script.String(),
		},
	}
}

func (c *containerContext) nspawnCommand(inv Invocation, dir string, env map[string]string) (Command, error) {
	if _, err := c.lookPath("systemd-nspawn"); err != nil {
		return Command{}, &ContainerUnavailableError{
			Tool:   "systemd-nspawn",
			Reason: "not found on PATH. Install systemd-container on the host",
		}
	}

	args := []string{
		"--directory", c.ws.Root,
		"--machine", c.ws.MachineName,
		"--quiet",
		"--register=no",
		"--keep-unit",
		"--console=pipe",
		"--chdir", dir,
	}
	for _, key := range sortedKeys(env) {
		args = append(args, fmt.Sprintf("--setenv=%s=%s", key, env[key]))
	}
	args = append(args, "--bind-ro=/etc/resolv.conf")
	for _, bind := range c.ws.Binds {
		flag := "--bind"
		if bind.ReadOnly {
			flag = "--bind-ro"
		}
		if bind.Target != "" && bind.Target != bind.Source {
			args = append(args, fmt.Sprintf("%s=%s:%s", flag, bind.Source, bind.Target))
		} else {
			args = append(args, fmt.Sprintf("%s=%s", flag, bind.Source))
		}
	}
	args = append(args, inv.Program)
	args = append(args, inv.Args...)

	return Command{Name: "systemd-nspawn", Args: args}, nil
}

// containerPath maps a host path under the workspace root to its view inside
// the chroot. Paths already inside the container pass through unchanged.
func containerPath(root, path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !filepath.IsAbs(path) {
		return "/" + filepath.ToSlash(path)
	}
	root = filepath.Clean(root)
	cleaned := filepath.Clean(path)
	if cleaned == root {
		return "/"
	}
	if rel, err := filepath.Rel(root, cleaned); err == nil && !strings.HasPrefix(rel, "..") {
		return "/" + filepath.ToSlash(rel)
	}
	return cleaned
}

func defaultContainerEnv() map[string]string {
	return map[string]string{
		"HOME":            "/root",
		"XDG_CONFIG_HOME": "/root/.config",
		"XDG_CACHE_HOME":  "/root/.cache",
		"XDG_DATA_HOME":   "/root/.local/share",
		"PATH":            "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	}
}

func mergeEnv(layers ...map[string]string) map[string]string {
	merged := map[string]string{}
	for _, layer := range layers {
		for key, value := range layer {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			merged[key] = value
		}
	}
	return merged
}

func flattenEnv(layers ...map[string]string) []string {
	merged := mergeEnv(layers...)
	out := make([]string, 0, len(merged))
	for _, key := range sortedKeys(merged) {
		out = append(out, key+"="+merged[key])
	}
	return out
}

func sortedKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", "'\"'\"'") + "'"
}

var (
	_ ExecContext = (*hostContext)(nil)
	_ ExecContext = (*containerContext)(nil)
)
