package agentsvc

import (
	"context"
	"fmt"
	"io"
	"strings"
	"syscall"

	dockercontainer "github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// DockerInvoker is the alternate spawn backend: an Invoker whose
// Executable names "docker://<image>" runs inside a container instead of a
// raw fork, reusing the same MachineLogger/pipe plumbing.
type DockerInvoker struct {
	client *dockerclient.Client
	logger *zap.Logger
}

// NewDockerInvoker connects to the Docker daemon at socketPath (empty string
// for the SDK default). Returns an error if the daemon cannot be reached —
// callers should treat a failed DockerInvoker as "docker spawn backend
// unavailable" rather than a fatal agent startup error.
func NewDockerInvoker(ctx context.Context, socketPath string, logger *zap.Logger) (*DockerInvoker, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("agentsvc: docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("agentsvc: docker daemon unreachable: %w", err)
	}
	return &DockerInvoker{client: cli, logger: logger.Named("docker_invoker")}, nil
}

// Close releases the underlying Docker client.
func (d *DockerInvoker) Close() error {
	return d.client.Close()
}

// dockerProcess is the processHandle implementation backing a container-run
// machine.
type dockerProcess struct {
	client      *dockerclient.Client
	containerID string
	stdoutR     *io.PipeReader
	stderrR     *io.PipeReader
}

func (d *DockerInvoker) start(ctx context.Context, inv Invoker, image string) (processHandle, error) {
	resp, err := d.client.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image:        image,
			Cmd:          inv.Argv,
			WorkingDir:   inv.Cwd,
			AttachStdout: true,
			AttachStderr: true,
		},
		&dockercontainer.HostConfig{AutoRemove: false},
		nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("agentsvc: container create: %w", err)
	}

	attach, err := d.client.ContainerAttach(ctx, resp.ID, dockercontainer.AttachOptions{
		Stream: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("agentsvc: container attach: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		defer stdoutW.Close()
		defer stderrW.Close()
		defer attach.Close()
		stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
	}()

	if err := d.client.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("agentsvc: container start: %w", err)
	}

	return &dockerProcess{client: d.client, containerID: resp.ID, stdoutR: stdoutR, stderrR: stderrR}, nil
}

func (p *dockerProcess) stdio() (io.Reader, io.Reader) { return p.stdoutR, p.stderrR }

// dockerSignalNames maps the handful of signals the supervisor actually
// sends to the string form the Docker API expects, since ContainerKill has
// no typed signal parameter.
var dockerSignalNames = map[syscall.Signal]string{
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGKILL: "SIGKILL",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGSTOP: "SIGSTOP",
}

func (p *dockerProcess) signal(sig syscall.Signal) error {
	name, ok := dockerSignalNames[sig]
	if !ok {
		name = strings.ToUpper(sig.String())
	}
	return p.client.ContainerKill(context.Background(), p.containerID, name)
}

func (p *dockerProcess) wait() (int64, int, error) {
	statusCh, errCh := p.client.ContainerWait(context.Background(), p.containerID, dockercontainer.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, 0, err
	case status := <-statusCh:
		return status.StatusCode, 0, nil
	}
}
