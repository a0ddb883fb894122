// Package ssh runs instance commands over SSH.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"podagent/internal/remote"
)

// Config holds SSH connection settings.
type Config struct {
	User           string
	KeyPath        string
	KnownHostsPath string
	DialTimeout    time.Duration
	// StopTimeout bounds the session used to stop a cancelled command.
	StopTimeout time.Duration
}

// Executor implements remote.Executor over SSH. The address comes from the
// instance (RunPod exposes a public IP and a mapped port 22).
type Executor struct {
	config Config
	client *ssh.ClientConfig
}

// NewExecutor loads the private key and host key policy.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 20 * time.Second
	}
	if cfg.KeyPath == "" {
		return nil, errors.New("ssh key path is required")
	}

	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	// Pods are ephemeral and their host keys are not known in advance.
	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKeys, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	return &Executor{
		config: cfg,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         cfg.DialTimeout,
		},
	}, nil
}

// Address returns host:port for inst.
func Address(inst remote.InstanceInfo) (string, error) {
	if inst.Address != "" {
		return inst.Address, nil
	}
	host := inst.Metadata["ssh_host"]
	if host == "" {
		return "", fmt.Errorf("instance %s: %w: no ssh address", inst.ID, remote.ErrNotReady)
	}
	port := inst.Metadata["ssh_port"]
	if port == "" {
		port = "22"
	}
	return net.JoinHostPort(host, port), nil
}

// pidFile is where the wrapper script records the command's pid.
func pidFile(inst remote.InstanceInfo, runID string) string {
	return "/tmp/podagent-" + inst.ID + "-" + runID + ".pid"
}

// wrapScript exports env, changes into the work dir and records the shell pid
// so a later session can find and stop the command.
func wrapScript(cmd remote.Command, pid string) string {
	var b strings.Builder
	keys := make([]string, 0, len(cmd.Env))
	for k := range cmd.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, remote.Quote(cmd.Env[k]))
	}
	workDir := cmd.WorkDir
	if workDir == "" {
		workDir = "/workspace"
	}
	fmt.Fprintf(&b, "mkdir -p %s && cd %s || exit 1\n", remote.Quote(workDir), remote.Quote(workDir))
	fmt.Fprintf(&b, "echo $$ > %s\n", remote.Quote(pid))
	fmt.Fprintf(&b, "trap 'rm -f %s' EXIT\n", remote.Quote(pid))
	b.WriteString(cmd.Script)
	b.WriteString("\n")
	return b.String()
}

// stopScript kills the recorded process tree and exits 0 only when it is gone.
func stopScript(pid string) string {
	f := remote.Quote(pid)
	return `pid=$(cat ` + f + ` 2>/dev/null) || exit 0
pkill -TERM -P "$pid" 2>/dev/null
kill -TERM "$pid" 2>/dev/null
for i in 1 2 3 4 5; do kill -0 "$pid" 2>/dev/null || exit 0; sleep 1; done
pkill -KILL -P "$pid" 2>/dev/null
kill -KILL "$pid" 2>/dev/null
sleep 1
kill -0 "$pid" 2>/dev/null && exit 1
exit 0
`
}

func (e *Executor) dial(ctx context.Context, addr string) (*ssh.Client, error) {
	d := net.Dialer{Timeout: e.config.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &remote.ConnectError{Op: "ssh dial " + addr, Err: err}
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, e.client)
	if err != nil {
		conn.Close()
		return nil, &remote.ConnectError{Op: "ssh handshake " + addr, Err: err}
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Run implements remote.Executor.
func (e *Executor) Run(ctx context.Context, inst remote.InstanceInfo, cmd remote.Command) (remote.CommandResult, error) {
	addr, err := Address(inst)
	if err != nil {
		return remote.CommandResult{}, err
	}

	client, err := e.dial(ctx, addr)
	if err != nil {
		return remote.CommandResult{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return remote.CommandResult{}, &remote.ConnectError{Op: "ssh session", Err: err}
	}
	defer session.Close()

	pid := pidFile(inst, fmt.Sprintf("%d", time.Now().UnixNano()))
	out := &remote.TailBuffer{}
	session.Stdout = out
	session.Stderr = out
	session.Stdin = strings.NewReader(wrapScript(cmd, pid))

	if err := session.Start("/bin/sh -s"); err != nil {
		return remote.CommandResult{}, &remote.ConnectError{Op: "ssh start", Err: err}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- session.Wait() }()

	select {
	case err := <-waitCh:
		if err == nil {
			return remote.CommandResult{ExitCode: 0, Output: out.String()}, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return remote.CommandResult{}, &remote.ExitError{Code: exitErr.ExitStatus(), Output: out.String()}
		}
		// The connection dropped mid-command; the remote process state is unknown.
		return remote.CommandResult{}, fmt.Errorf("ssh session: %w", err)
	case <-ctx.Done():
		return remote.CommandResult{Output: out.String()}, e.stop(ctx, addr, pid)
	}
}

// stop opens a fresh connection and kills the command recorded in pid.
func (e *Executor) stop(ctx context.Context, addr, pid string) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), e.config.StopTimeout)
	defer cancel()

	client, err := e.dial(stopCtx, addr)
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrStopUnconfirmed, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrStopUnconfirmed, err)
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Run(stopScript(pid)) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", remote.ErrStopUnconfirmed, err)
		}
		return fmt.Errorf("%w: %w", remote.ErrStopped, ctx.Err())
	case <-stopCtx.Done():
		return fmt.Errorf("%w: stop timed out", remote.ErrStopUnconfirmed)
	}
}
