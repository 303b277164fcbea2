package sandbox

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/bissquit/devops-guardian/internal/pkg/ctxlog"
	"github.com/testcontainers/testcontainers-go"
	tcexec "github.com/testcontainers/testcontainers-go/exec"
)

// ContainerProvider creates sandboxes as Docker containers kept alive with
// a no-op entrypoint. Commands are executed with docker exec.
type ContainerProvider struct {
	defaultImage string
	start        func(ctx context.Context, req testcontainers.GenericContainerRequest) (testcontainers.Container, error)
}

// NewContainerProvider creates a provider. image is used when Spec.Image is empty.
func NewContainerProvider(image string) *ContainerProvider {
	return &ContainerProvider{defaultImage: image, start: testcontainers.GenericContainer}
}

// Create starts a new container.
func (p *ContainerProvider) Create(ctx context.Context, spec Spec) (Sandbox, error) {
	image := spec.Image
	if image == "" {
		image = p.defaultImage
	}

	req := testcontainers.ContainerRequest{
		Image:      image,
		Entrypoint: []string{"sleep"},
		Cmd:        []string{"infinity"},
		Env:        spec.Env,
		Labels:     map[string]string{"app": "devops-guardian"},
	}

	container, err := p.start(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		// a container that was created but failed to start is returned with the error
		if termErr := testcontainers.TerminateContainer(container, testcontainers.StopContext(context.WithoutCancel(ctx))); termErr != nil {
			ctxlog.FromContext(ctx).Warn("failed to remove unstarted sandbox", "image", image, "error", termErr)
		}
		return nil, fmt.Errorf("start sandbox container %s: %w", image, err)
	}

	sb := &containerSandbox{container: container, workDir: spec.WorkDir}
	ctxlog.FromContext(ctx).Debug("sandbox created", "sandbox_id", sb.ID(), "image", image)

	if spec.WorkDir != "" {
		res, err := sb.Run(ctx, Command{Args: []string{"mkdir", "-p", spec.WorkDir}, Dir: "/"})
		if err != nil || res.ExitCode != 0 {
			_ = sb.Kill(context.WithoutCancel(ctx))
			if err == nil {
				err = fmt.Errorf("exit code %d: %s", res.ExitCode, res.Output)
			}
			return nil, fmt.Errorf("prepare workdir %s: %w", spec.WorkDir, err)
		}
	}

	return sb, nil
}

type containerSandbox struct {
	container testcontainers.Container
	workDir   string
}

func (s *containerSandbox) ID() string {
	return s.container.GetContainerID()
}

func (s *containerSandbox) Run(ctx context.Context, cmd Command) (ExecResult, error) {
	if len(cmd.Args) == 0 {
		return ExecResult{}, fmt.Errorf("empty command")
	}

	opts := []tcexec.ProcessOption{tcexec.Multiplexed()}
	if dir := s.dir(cmd.Dir); dir != "" {
		opts = append(opts, tcexec.WithWorkingDir(dir))
	}
	if len(cmd.Env) > 0 {
		opts = append(opts, tcexec.WithEnv(envList(cmd.Env)))
	}

	code, reader, err := s.container.Exec(ctx, cmd.Args, opts...)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec %s: %w", cmd.Args[0], err)
	}

	var output []byte
	if reader != nil {
		output, err = io.ReadAll(reader)
		if err != nil {
			return ExecResult{ExitCode: code}, fmt.Errorf("read output: %w", err)
		}
	}
	return ExecResult{ExitCode: code, Output: string(output)}, nil
}

func (s *containerSandbox) WriteFile(ctx context.Context, name string, content []byte) error {
	target := name
	if !path.IsAbs(target) {
		target = path.Join(s.workDir, target)
	}

	if res, err := s.Run(ctx, Command{Args: []string{"mkdir", "-p", path.Dir(target)}, Dir: "/"}); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return fmt.Errorf("mkdir %s: %s", path.Dir(target), strings.TrimSpace(res.Output))
	}

	if err := s.container.CopyToContainer(ctx, content, target, 0o644); err != nil {
		return fmt.Errorf("copy %s: %w", target, err)
	}
	return nil
}

func (s *containerSandbox) Kill(ctx context.Context) error {
	if err := s.container.Terminate(ctx); err != nil {
		return fmt.Errorf("terminate sandbox: %w", err)
	}
	return nil
}

func (s *containerSandbox) dir(d string) string {
	switch {
	case d == "":
		return s.workDir
	case path.IsAbs(d):
		return d
	default:
		return path.Join(s.workDir, d)
	}
}

// envList renders env in a stable KEY=VALUE order.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
