// Package sandbox drives the Agent Runner's subprocess: either a
// containerd-backed sandbox or, for host-side recovery agents, a direct
// exec on the worker's own machine. Both implementations satisfy the same
// Driver contract and stream stdout live while also collecting it in full,
// because the Agent Runner needs both: a live sink for the dashboard/chat
// collaborator and a complete buffer to fold the NDJSON event stream over.
package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// DefaultNamespace is the containerd namespace sandboxed agent containers
// run in.
const DefaultNamespace = "conveyor"

// Mount is a bind mount into the sandbox (the task worktree, a read-only
// credentials file, etc).
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// RunSpec describes one agent invocation.
type RunSpec struct {
	Image            string
	Name             string
	Env              []string
	Binds            []Mount
	MemoryLimitBytes int64
	Stdin            []byte
	// StreamSink, if non-nil, receives each stdout line as it arrives, in
	// addition to it being collected into Result.Stdout.
	StreamSink func(line string)
}

// Result is the uniform product type every sandbox invocation returns.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Driver is the sandbox contract the Agent Runner depends on. Both the
// containerd-backed sandbox and the direct host exec satisfy it.
type Driver interface {
	Run(ctx context.Context, spec RunSpec) (Result, error)
	Kill(ctx context.Context, name string) error
	Close() error
}

// lineSplitter tees writes into an accumulating buffer while also invoking
// sink once per completed line, so a live dashboard view and the full
// post-hoc buffer never disagree about what the process printed.
type lineSplitter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	rest []byte
	sink func(line string)
}

func (w *lineSplitter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.sink == nil {
		return len(p), nil
	}
	w.rest = append(w.rest, p...)
	for {
		idx := bytes.IndexByte(w.rest, '\n')
		if idx < 0 {
			break
		}
		line := string(w.rest[:idx])
		w.rest = w.rest[idx+1:]
		w.sink(line)
	}
	return len(p), nil
}

func (w *lineSplitter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// ContainerdDriver implements Driver using containerd.
type ContainerdDriver struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdDriver connects to containerd at socketPath.
func NewContainerdDriver(socketPath string) (*ContainerdDriver, error) {
	if socketPath == "" {
		socketPath = "/run/containerd/containerd.sock"
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdDriver{client: client, namespace: DefaultNamespace}, nil
}

func (d *ContainerdDriver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// Run pulls the image if needed, creates a container+task with the given
// binds/env/memory limit, streams stdin in and stdout/stderr out, waits for
// exit, and tears the container down.
func (d *ContainerdDriver) Run(ctx context.Context, spec RunSpec) (Result, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	image, err := d.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = d.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return Result{}, fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if spec.MemoryLimitBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryLimitBytes)))
	}

	var mounts []specs.Mount
	for _, m := range spec.Binds {
		options := []string{"rbind"}
		if m.ReadOnly {
			options = append(options, "ro")
		} else {
			options = append(options, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Source:      m.Source,
			Destination: m.Destination,
			Type:        "bind",
			Options:     options,
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	container, err := d.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create container: %w", err)
	}
	defer container.Delete(ctx, containerd.WithSnapshotCleanup)

	stdout := &lineSplitter{sink: spec.StreamSink}
	var stderr bytes.Buffer
	stdin := bytes.NewReader(spec.Stdin)

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(stdin, stdout, &stderr)))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create task: %w", err)
	}
	defer task.Delete(ctx)

	statusC, err := task.Wait(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to start task: %w", err)
	}

	status := <-statusC

	return Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: int(status.ExitCode()),
	}, nil
}

// Kill sends SIGTERM to the named task, falling back to SIGKILL after a
// short grace period — the Agent Runner's timeout watchdog calls this by
// name, not by handle, since the watchdog goroutine is independent of the
// one blocked in Run.
func (d *ContainerdDriver) Kill(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, name)
	if err != nil {
		return nil // already gone
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	select {
	case <-time.After(5 * time.Second):
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to send SIGKILL: %w", err)
		}
	case <-ctx.Done():
	}
	return nil
}

// HostDriver runs the agent binary directly on the host, for the rebase
// phase's conflict-recovery agent, which must operate in the same worktree
// the failed rebase left behind rather than inside an isolated sandbox.
type HostDriver struct {
	Binary string
}

// NewHostDriver creates a host-exec driver invoking binary (e.g. the agent
// CLI path from configuration).
func NewHostDriver(binary string) *HostDriver {
	return &HostDriver{Binary: binary}
}

func (d *HostDriver) Close() error { return nil }

// Run execs the agent binary with spec.Env appended to the host environment
// and spec.Binds[0].Source (if present) as the working directory.
func (d *HostDriver) Run(ctx context.Context, spec RunSpec) (Result, error) {
	cmd := exec.CommandContext(ctx, d.Binary)
	cmd.Env = append(cmd.Environ(), spec.Env...)
	if len(spec.Binds) > 0 {
		cmd.Dir = spec.Binds[0].Source
	}
	cmd.Stdin = bytes.NewReader(spec.Stdin)

	stdout := &lineSplitter{sink: spec.StreamSink}
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return Result{}, fmt.Errorf("running agent binary: %w", err)
	}

	return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

// Kill kills a host process group by name via pkill, since a host-run agent
// has no container runtime handle to address it by.
func (d *HostDriver) Kill(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "pkill", "-SIGTERM", "-f", name)
	return cmd.Run()
}

var _ io.Writer = (*lineSplitter)(nil)
var _ = bufio.NewReader // keep bufio imported for line-oriented readers callers may add
