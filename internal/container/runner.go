// Package container implements ContainerRunner: it spawns short-lived
// sandboxed agent processes, mounts their filesystem view, passes secrets
// on stdin, and parses their structured stdout protocol.
package container

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/nanoclaw/internal/queue"
	nctrace "github.com/basket/nanoclaw/internal/otel"
)

// EventHandlers are the callbacks Runner invokes while parsing an agent's
// NDJSON stdout stream.
type EventHandlers struct {
	OnResult        func(jid, text string)
	OnStatusSuccess func(jid string)
	OnStatusError   func(jid, errText string)
	OnTyping        func(jid string, on bool)
	OnSession       func(jid, sessionID string)
}

// Config configures a Runner.
type Config struct {
	Product     string
	Image       string
	ProjectRoot string
	GroupsDir   string
	IPCRoot     string
	Allowlist   *Allowlist
	Queue       *queue.GroupQueue
	Handlers    EventHandlers
	IdleTimeout time.Duration
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// RunOptions describes one container spawn.
type RunOptions struct {
	JID             string
	GroupFolder     string
	IsTaskContainer bool
	SessionID       string
	ExtraMounts     []string
	Secrets         map[string]string
}

// Runner spawns and supervises agent containers.
type Runner struct {
	cli *dockerclient.Client
	cfg Config
}

// New constructs a Runner and verifies the container runtime is reachable,
// so that a missing/unreachable runtime is caught at startup rather than
// on the first message batch.
func New(ctx context.Context, cfg Config) (*Runner, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container: docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("container: runtime unreachable: %w", err)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Allowlist == nil {
		cfg.Allowlist = &Allowlist{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(nctrace.TracerName)
	}
	return &Runner{cli: cli, cfg: cfg}, nil
}

// CleanupOrphaned removes any leftover containers whose name matches this
// product's prefix, left behind by a previous crashed run.
func (r *Runner) CleanupOrphaned(ctx context.Context) error {
	f := filters.NewArgs()
	f.Add("name", r.cfg.Product+"-")
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return fmt.Errorf("container: list orphaned containers: %w", err)
	}
	for _, c := range containers {
		if err := r.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			r.cfg.Logger.Warn("container: failed to remove orphaned container", "id", c.ID, "error", err)
		}
	}
	return nil
}

func (r *Runner) ipcDir(groupFolder string) string {
	return filepath.Join(r.cfg.IPCRoot, groupFolder)
}

// InboxWriter returns the InboxWriterFunc GroupQueue uses to deliver queued
// user input into a running container's IPC directory.
func (r *Runner) InboxWriter() queue.InboxWriterFunc {
	return func(groupFolder, text string) error {
		return atomicWrite(r.ipcDir(groupFolder), fmt.Sprintf("msg-%d", randSuffix()), []byte(text))
	}
}

// CloseWriter returns the CloseWriterFunc GroupQueue uses to signal a
// running container to exit cleanly.
func (r *Runner) CloseWriter() queue.CloseWriterFunc {
	return func(groupFolder string) error {
		return atomicWrite(r.ipcDir(groupFolder), "_close", nil)
	}
}

func atomicWrite(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("container: create ipc dir %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("container: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}

func randSuffix() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return time.Now().UnixNano()
	}
	return n.Int64()
}

// dockerProcessHandle implements queue.ProcessHandle: Close force-removes
// the underlying container, used when GroupQueue's shutdown deadline
// elapses with the slot still occupied.
type dockerProcessHandle struct {
	runner      *Runner
	containerID string
}

func (h *dockerProcessHandle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.runner.cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
}

// Spawn builds the mount set, starts the container, writes the secrets
// payload atomically to its stdin, registers the process with the
// GroupQueue, and begins streaming its stdout in the background.
func (r *Runner) Spawn(ctx context.Context, opts RunOptions) error {
	ctx, span := nctrace.StartClientSpan(ctx, r.cfg.Tracer, "container.spawn",
		nctrace.AttrJID.String(opts.JID),
		nctrace.AttrGroupFolder.String(opts.GroupFolder),
	)
	defer span.End()

	if err := ValidateGroupFolder(opts.GroupFolder); err != nil {
		return err
	}

	groupHostDir := filepath.Join(r.cfg.GroupsDir, opts.GroupFolder)
	if err := os.MkdirAll(groupHostDir, 0o755); err != nil {
		return fmt.Errorf("container: create group folder: %w", err)
	}
	ipcHostDir := r.ipcDir(opts.GroupFolder)
	if err := os.MkdirAll(ipcHostDir, 0o700); err != nil {
		return fmt.Errorf("container: create ipc dir: %w", err)
	}

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: r.cfg.ProjectRoot, Target: "/project", ReadOnly: true},
		{Type: mount.TypeBind, Source: groupHostDir, Target: "/workspace"},
		{Type: mount.TypeBind, Source: ipcHostDir, Target: "/ipc"},
	}
	for _, extra := range opts.ExtraMounts {
		if err := r.cfg.Allowlist.Validate(extra); err != nil {
			return fmt.Errorf("container: mount rejected: %w", err)
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   extra,
			Target:   filepath.Join("/mnt", filepath.Base(extra)),
			ReadOnly: r.cfg.Allowlist.NonMainReadOnly,
		})
	}

	name := fmt.Sprintf("%s-%s-%d", r.cfg.Product, opts.GroupFolder, randSuffix())

	env := []string{
		"NANOCLAW_JID=" + opts.JID,
		"NANOCLAW_GROUP_FOLDER=" + opts.GroupFolder,
		"NANOCLAW_IS_TASK=" + fmt.Sprintf("%t", opts.IsTaskContainer),
	}
	if opts.SessionID != "" {
		env = append(env, "NANOCLAW_SESSION_ID="+opts.SessionID)
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:     r.cfg.Image,
		Env:       env,
		OpenStdin: true,
	}, &container.HostConfig{
		Mounts: mounts,
	}, nil, nil, name)
	if err != nil {
		return fmt.Errorf("container: spawn error: %w", err)
	}
	containerID := resp.ID

	attach, err := r.cli.ContainerAttach(ctx, containerID, container.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true})
	if err != nil {
		_ = r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
		return fmt.Errorf("container: spawn error: attach: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		attach.Close()
		_ = r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
		return fmt.Errorf("container: spawn error: start: %w", err)
	}

	secretsPayload, err := json.Marshal(opts.Secrets)
	if err != nil {
		attach.Close()
		return fmt.Errorf("container: marshal secrets: %w", err)
	}
	if _, err := attach.Conn.Write(append(secretsPayload, '\n')); err != nil {
		r.cfg.Logger.Warn("container: failed to write secrets payload", "jid", opts.JID, "error", err)
	}

	r.cfg.Queue.RegisterProcess(opts.JID, &dockerProcessHandle{runner: r, containerID: containerID}, name, opts.GroupFolder, opts.IsTaskContainer)
	span.SetAttributes(nctrace.AttrContainer.String(name))

	go r.supervise(ctx, opts.JID, containerID, attach)

	return nil
}

// supervise streams the container's multiplexed stdout/stderr, dispatching
// structured records, and enforces the idle-timeout backstop: if no
// record arrives for IdleTimeout, the container is stopped and reported
// as a status error.
func (r *Runner) supervise(ctx context.Context, jid, containerID string, attach dockertypes.HijackedResponse) {
	defer attach.Close()

	pr, pw := io.Pipe()
	go func() {
		_, _ = stdcopy.StdCopy(pw, io.Discard, attach.Reader)
		pw.Close()
	}()

	idleTimer := time.NewTimer(r.cfg.IdleTimeout)
	defer idleTimer.Stop()
	done := make(chan struct{})

	go func() {
		streamRecords(pr, r.cfg.Logger, func(rec Record) {
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(r.cfg.IdleTimeout)
			r.handleRecord(jid, rec)
		})
		close(done)
	}()

	select {
	case <-done:
	case <-idleTimer.C:
		r.cfg.Logger.Warn("container: idle timeout exceeded, stopping", "jid", jid)
		if r.cfg.Handlers.OnStatusError != nil {
			r.cfg.Handlers.OnStatusError(jid, "idle timeout exceeded")
		}
		_ = r.stop(containerID)
	case <-ctx.Done():
		_ = r.stop(containerID)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.cli.ContainerRemove(waitCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
		r.cfg.Logger.Warn("container: cleanup remove failed", "jid", jid, "error", err)
	}
	if r.cfg.Queue != nil {
		r.cfg.Queue.UnregisterProcess(jid)
	}
}

func (r *Runner) stop(containerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	timeout := 5
	return r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

func (r *Runner) handleRecord(jid string, rec Record) {
	switch rec.Type {
	case RecordResult:
		if r.cfg.Handlers.OnResult != nil {
			r.cfg.Handlers.OnResult(jid, rec.Text)
		}
	case RecordStatus:
		switch rec.Status {
		case "success":
			if r.cfg.Queue != nil {
				r.cfg.Queue.NotifyIdle(jid)
			}
			if r.cfg.Handlers.OnStatusSuccess != nil {
				r.cfg.Handlers.OnStatusSuccess(jid)
			}
		case "error":
			if r.cfg.Handlers.OnStatusError != nil {
				r.cfg.Handlers.OnStatusError(jid, rec.Error)
			}
		}
	case RecordTyping:
		if r.cfg.Handlers.OnTyping != nil && rec.On != nil {
			r.cfg.Handlers.OnTyping(jid, *rec.On)
		}
	case RecordSession:
		if r.cfg.Handlers.OnSession != nil {
			r.cfg.Handlers.OnSession(jid, rec.SessionID)
		}
	}
}

// Close releases the underlying docker client.
func (r *Runner) Close() error {
	return r.cli.Close()
}
