// Package orchestrator wires the store, channels, GroupQueue,
// ContainerRunner, and Scheduler into one running process and owns the
// startup and shutdown sequence.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/nanoclaw/internal/channels"
	"github.com/basket/nanoclaw/internal/config"
	"github.com/basket/nanoclaw/internal/container"
	"github.com/basket/nanoclaw/internal/messageproc"
	nctrace "github.com/basket/nanoclaw/internal/otel"
	"github.com/basket/nanoclaw/internal/queue"
	"github.com/basket/nanoclaw/internal/scheduler"
	"github.com/basket/nanoclaw/internal/store"
)

const product = "nanoclaw"

// ExitCode mirrors the external-interfaces exit code contract.
type ExitCode int

const (
	ExitClean            ExitCode = 0
	ExitConfigError      ExitCode = 1
	ExitContainerRuntime ExitCode = 2
	ExitChannelAuth      ExitCode = 3
)

// StartupError carries the exit code a failure at a given phase should
// produce.
type StartupError struct {
	Code ExitCode
	Err  error
}

func (e *StartupError) Error() string { return e.Err.Error() }
func (e *StartupError) Unwrap() error { return e.Err }

// Orchestrator owns every long-lived component and the shutdown sequence.
type Orchestrator struct {
	cfg      config.CoreConfig
	logger   *slog.Logger
	store    *store.Store
	runner   *container.Runner
	queue    *queue.GroupQueue
	sched    *scheduler.Scheduler
	proc     *messageproc.Processor
	channels []channels.Channel
	tracing  *nctrace.Provider

	pollWg     sync.WaitGroup
	pollCancel context.CancelFunc
}

// New performs the full startup sequence: load the allowlist, instantiate
// channels, construct the GroupQueue, wire setProcessMessagesFn, start
// ContainerRunner (precheck runtime reachability, clean orphaned
// containers), and start the Scheduler. Channels are constructed but not
// yet connected; call Run to connect them and block until shutdown.
func New(ctx context.Context, cfg config.CoreConfig, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	storeDir := filepath.Join(cfg.DataDir, "store")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, &StartupError{Code: ExitConfigError, Err: fmt.Errorf("orchestrator: create store dir: %w", err)}
	}
	st, err := store.Open(filepath.Join(storeDir, "nanoclaw.db"))
	if err != nil {
		return nil, &StartupError{Code: ExitConfigError, Err: fmt.Errorf("orchestrator: open store: %w", err)}
	}

	allowlistPath, err := container.DefaultAllowlistPath(product)
	if err != nil {
		_ = st.Close()
		return nil, &StartupError{Code: ExitConfigError, Err: fmt.Errorf("orchestrator: resolve mount allowlist path: %w", err)}
	}
	allowlist, err := container.LoadAllowlist(allowlistPath)
	if err != nil {
		_ = st.Close()
		return nil, &StartupError{Code: ExitConfigError, Err: fmt.Errorf("orchestrator: load mount allowlist: %w", err)}
	}

	tracing, err := nctrace.Init(ctx, nctrace.Config{Enabled: true, ServiceName: product})
	if err != nil {
		_ = st.Close()
		return nil, &StartupError{Code: ExitConfigError, Err: fmt.Errorf("orchestrator: init tracing: %w", err)}
	}

	q := queue.New(queue.Config{
		MaxConcurrent: cfg.MaxConcurrentContainers,
		Logger:        logger,
	})

	sessions := messageproc.NewMapSessionStore()
	groups := func() map[string]store.RegisteredGroup {
		gs, err := st.GetRegisteredGroups(context.Background())
		if err != nil {
			logger.Error("orchestrator: failed to read registered groups", "error", err)
			return nil
		}
		return gs
	}

	proc := &messageproc.Processor{
		Store:         st,
		Queue:         q,
		AssistantName: cfg.AssistantName,
		Sessions:      sessions,
		Groups:        groups,
		Logger:        logger,
		Tracer:        tracing.Tracer,
	}

	chs, err := buildChannels(cfg, st, q, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	proc.Channels = chs

	runner, err := container.New(ctx, container.Config{
		Product:     product,
		Image:       cfg.ContainerImage,
		ProjectRoot: cfg.DataDir,
		GroupsDir:   filepath.Join(cfg.DataDir, "groups"),
		IPCRoot:     filepath.Join(cfg.DataDir, "ipc"),
		Allowlist:   allowlist,
		Queue:       q,
		Handlers:    proc.Handlers(),
		Logger:      logger,
		Tracer:      tracing.Tracer,
	})
	if err != nil {
		_ = st.Close()
		return nil, &StartupError{Code: ExitContainerRuntime, Err: fmt.Errorf("orchestrator: container runtime: %w", err)}
	}
	proc.Runner = runner

	if err := runner.CleanupOrphaned(ctx); err != nil {
		logger.Warn("orchestrator: orphaned container cleanup failed", "error", err)
	}

	q.SetProcessMessagesFn(proc.ProcessMessages)

	sched := scheduler.New(scheduler.Config{
		Store:    st,
		Queue:    q,
		Runner:   proc,
		Logger:   logger,
		Interval: cfg.SchedulerPollInterval,
		Timezone: cfg.Timezone,
	})

	return &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		runner:   runner,
		queue:    q,
		sched:    sched,
		proc:     proc,
		channels: chs,
		tracing:  tracing,
	}, nil
}

func buildChannels(cfg config.CoreConfig, st *store.Store, q *queue.GroupQueue, logger *slog.Logger) ([]channels.Channel, error) {
	onChatMetadata := func(jid string, ts time.Time, name, channelTag string, isGroup bool) {
		if err := st.StoreChatMetadata(context.Background(), jid, ts, name, channelTag, isGroup); err != nil {
			logger.Error("orchestrator: store chat metadata failed", "jid", jid, "error", err)
		}
	}
	onMessage := func(jid string, msg channels.InboundMessage) {
		if err := st.StoreMessage(context.Background(), store.Message{
			ID:           msg.ID,
			ChatJID:      jid,
			Sender:       msg.Sender,
			SenderName:   msg.SenderName,
			Content:      msg.Content,
			Timestamp:    msg.Timestamp,
			IsFromMe:     msg.IsFromMe,
			IsBotMessage: msg.IsBotMessage,
		}); err != nil {
			logger.Error("orchestrator: store message failed", "jid", jid, "error", err)
			return
		}
		if !msg.IsFromMe {
			q.EnqueueMessageCheck(jid)
		}
	}

	var out []channels.Channel
	envDir := filepath.Join(cfg.DataDir, "env")

	waDBPath := filepath.Join(cfg.DataDir, "store", "whatsapp.db")
	if _, err := os.Stat(waDBPath); err == nil || os.Getenv("WHATSAPP_ENABLED") != "" {
		wa, err := channels.NewWhatsAppChannel(context.Background(), channels.WhatsAppConfig{
			DBPath:         waDBPath,
			Logger:         logger.With("channel", "whatsapp"),
			OnChatMetadata: onChatMetadata,
			OnMessage:      onMessage,
		})
		if err != nil {
			return nil, &StartupError{Code: ExitChannelAuth, Err: fmt.Errorf("orchestrator: whatsapp channel: %w", err)}
		}
		out = append(out, wa)
	}

	slackEnvPath := filepath.Join(envDir, "slack")
	if creds, err := channels.ReadEnvFile(slackEnvPath, []string{"SLACK_BOT_TOKEN", "SLACK_APP_TOKEN"}); err == nil {
		out = append(out, channels.NewSlackChannel(channels.SlackConfig{
			BotToken:       creds["SLACK_BOT_TOKEN"],
			AppToken:       creds["SLACK_APP_TOKEN"],
			Trigger:        "@" + cfg.AssistantName,
			Logger:         logger.With("channel", "slack"),
			OnChatMetadata: onChatMetadata,
			OnMessage:      onMessage,
		}))
	} else {
		logger.Info("orchestrator: slack channel not configured", "error", err)
	}

	// The mail channel is built only when a concrete Fetcher is supplied
	// externally (see channels.Fetcher); none is wired by default since no
	// mailbox-protocol client is part of this module's dependency set.

	return out, nil
}

// Run connects every channel in parallel, starts the scheduler, and blocks
// until ctx is cancelled, then runs the shutdown sequence:
// GroupQueue.Shutdown(deadline), disconnect every channel, close the
// container runtime, close the store.
func (o *Orchestrator) Run(ctx context.Context, shutdownDeadline time.Duration) error {
	var wg sync.WaitGroup
	for _, ch := range o.channels {
		wg.Add(1)
		go func(c channels.Channel) {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil {
				o.logger.Error("orchestrator: channel connect failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
	wg.Wait()

	o.sched.Start(ctx)

	pollCtx, cancel := context.WithCancel(ctx)
	o.pollCancel = cancel
	o.pollWg.Add(1)
	go o.pollLoop(pollCtx)

	<-ctx.Done()
	o.logger.Info("orchestrator: shutdown signal received")
	return o.shutdown(shutdownDeadline)
}

// pollLoop is the message-loop driver: at PollInterval it walks every
// registered group and checks it for unconsumed messages. Channels persist
// inbound messages as they arrive; this loop is what actually triggers
// processing, decoupled from any single channel's delivery timing.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	defer o.pollWg.Done()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			groups, err := o.store.GetRegisteredGroups(ctx)
			if err != nil {
				o.logger.Error("orchestrator: poll loop failed to list registered groups", "error", err)
				continue
			}
			for jid := range groups {
				o.queue.EnqueueMessageCheck(jid)
			}
		}
	}
}

func (o *Orchestrator) shutdown(deadline time.Duration) error {
	o.sched.Stop()
	o.queue.Shutdown(deadline)

	if o.pollCancel != nil {
		o.pollCancel()
	}
	o.pollWg.Wait()

	var wg sync.WaitGroup
	disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, ch := range o.channels {
		wg.Add(1)
		go func(c channels.Channel) {
			defer wg.Done()
			if err := c.Disconnect(disconnectCtx); err != nil {
				o.logger.Warn("orchestrator: channel disconnect failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
	wg.Wait()

	if err := o.runner.Close(); err != nil {
		o.logger.Warn("orchestrator: container runtime close failed", "error", err)
	}
	if err := o.store.Close(); err != nil {
		o.logger.Warn("orchestrator: store close failed", "error", err)
	}
	if err := o.tracing.Shutdown(context.Background()); err != nil {
		o.logger.Warn("orchestrator: tracing shutdown failed", "error", err)
	}

	o.logger.Info("orchestrator: shutdown complete")
	return nil
}
