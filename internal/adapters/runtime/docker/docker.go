// Package docker drives build agent containers through the Docker API.
// Agents are long-lived containers started from a template's image and
// driven with exec sessions, one per stage.
package docker

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"forgeos.build/internal/core/circuitbreaker"
	"forgeos.build/internal/core/domain"
	"forgeos.build/internal/core/logger"
	"forgeos.build/internal/core/ports"
)

// stageEntrypoint is the executable every build environment image ships.
// It reads the FORGED_* environment and emits progress/artifact markers
// on stdout.
const stageEntrypoint = "/usr/local/bin/forged-stage"

type Runtime struct {
	cli         *client.Client
	breaker     *circuitbreaker.CircuitBreaker
	imagePrefix string
	log         *slog.Logger
}

// New connects to the Docker daemon. An empty host means the standard
// environment discovery (DOCKER_HOST et al.).
func New(host, imagePrefix string) (*Runtime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Runtime{
		cli:         cli,
		breaker:     circuitbreaker.New("docker"),
		imagePrefix: imagePrefix,
		log:         logger.Component("docker"),
	}, nil
}

func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

// Provision creates and starts one agent container for the template. The
// container idles until exec sessions arrive; privilege is granted at
// the container level, never per exec.
func (r *Runtime) Provision(ctx context.Context, tpl domain.AgentTemplate) (ports.RuntimeHandle, error) {
	imageName := tpl.Image
	if imageName == "" {
		imageName = r.imagePrefix + tpl.Flavor
	}

	var handle ports.RuntimeHandle
	err := r.breaker.Execute(func() error {
		if reader, err := r.cli.ImagePull(ctx, imageName, image.PullOptions{}); err != nil {
			// A missing registry is fine as long as the image exists locally.
			r.log.Warn("image pull failed, using local image", "image", imageName, "error", err)
		} else {
			io.Copy(io.Discard, reader)
			reader.Close()
		}

		resp, err := r.cli.ContainerCreate(ctx, &container.Config{
			Image: imageName,
			Cmd:   []string{"sleep", "infinity"},
			Labels: map[string]string{
				"forged.flavor":     tpl.Flavor,
				"forged.privileged": fmt.Sprintf("%t", tpl.Privileged),
			},
		}, &container.HostConfig{
			Privileged: tpl.Privileged,
		}, nil, nil, "")
		if err != nil {
			return fmt.Errorf("create container: %w", err)
		}

		if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			r.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
			return fmt.Errorf("start container: %w", err)
		}

		handle = ports.RuntimeHandle(resp.ID)
		return nil
	})
	if err != nil {
		return "", err
	}

	r.log.Info("agent container started", "container", shortID(string(handle)), "image", imageName, "privileged", tpl.Privileged)
	return handle, nil
}

// Exec runs one stage recipe inside the agent container and streams its
// output, picking up progress and artifact markers along the way.
func (r *Runtime) Exec(ctx context.Context, handle ports.RuntimeHandle, recipe ports.Recipe) (ports.ExecResult, error) {
	execResp, err := r.cli.ContainerExecCreate(ctx, string(handle), types.ExecConfig{
		Cmd:          []string{stageEntrypoint},
		Env:          recipeEnv(recipe),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ports.ExecResult{}, fmt.Errorf("exec create: %w", err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return ports.ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	result := ports.ExecResult{}
	err = demuxLines(attach.Reader, func(line string) {
		if progress, ok := parseProgress(line); ok {
			result.Progress = progress
			return
		}
		if uri, ok := parseArtifact(line); ok {
			result.ArtifactURI = uri
			return
		}
		r.log.Debug("agent output", "request", recipe.RequestID, "stage", string(recipe.Kind), "line", line)
	})
	if err != nil && ctx.Err() != nil {
		return ports.ExecResult{}, ctx.Err()
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ports.ExecResult{}, fmt.Errorf("exec inspect: %w", err)
	}
	result.ExitCode = inspect.ExitCode
	return result, nil
}

func (r *Runtime) Destroy(ctx context.Context, handle ports.RuntimeHandle) error {
	if err := r.cli.ContainerRemove(ctx, string(handle), container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	r.log.Info("agent container removed", "container", shortID(string(handle)))
	return nil
}

func recipeEnv(recipe ports.Recipe) []string {
	env := []string{
		"FORGED_REQUEST_ID=" + recipe.RequestID,
		"FORGED_TARGET_ID=" + recipe.TargetID,
		"FORGED_STAGE_KIND=" + string(recipe.Kind),
		"FORGED_STAGE_ACTION=" + string(recipe.Action),
		"FORGED_REPOSITORY=" + recipe.Repository,
		"FORGED_REVISION=" + recipe.Revision,
		fmt.Sprintf("FORGED_CLEANUP_WORKSPACE=%t", recipe.CleanupWorkspace),
	}
	if recipe.FetchURI != "" {
		env = append(env, "FORGED_FETCH_URI="+recipe.FetchURI)
	}
	return env
}

// demuxLines reads Docker's multiplexed stream format and hands each
// payload line to the callback.
// Frame: [1 byte stream type][3 bytes padding][4 bytes big-endian size][payload]
func demuxLines(r io.Reader, callback func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Split(func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if len(data) < 8 {
			return 0, nil, nil
		}
		size := binary.BigEndian.Uint32(data[4:8])
		totalSize := 8 + int(size)
		if len(data) < totalSize {
			return 0, nil, nil
		}
		return totalSize, data[8:totalSize], nil
	})

	for scanner.Scan() {
		for _, line := range splitLines(scanner.Text()) {
			if line != "" {
				callback(line)
			}
		}
	}
	return scanner.Err()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
