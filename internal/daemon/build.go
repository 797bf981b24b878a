package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ankittk/aide/internal/autoreply"
	"github.com/ankittk/aide/internal/capabilities"
	"github.com/ankittk/aide/internal/config"
	"github.com/ankittk/aide/internal/detection"
	"github.com/ankittk/aide/internal/gateway"
	"github.com/ankittk/aide/internal/httpapi"
	"github.com/ankittk/aide/internal/learning"
	"github.com/ankittk/aide/internal/otel"
	"github.com/ankittk/aide/internal/store"
	"github.com/ankittk/aide/internal/store/postgres"
	"github.com/ankittk/aide/internal/tools"
	"github.com/ankittk/aide/internal/workflow"
	"github.com/ankittk/aide/pkg/models"
)

const (
	dispatchInterval = 2 * time.Second
	sweepInterval    = time.Minute
)

// Runtime is the assembled daemon: engines, gateway, HTTP server and the
// background workers that connect them.
type Runtime struct {
	Config   *config.Config
	App      *httpapi.App
	Services *httpapi.Services
	Gateway  *gateway.Server
	Tools    *tools.Registry
	Senders  *capabilities.Registry
	Tasks    *TaskRunner
	Logger   *slog.Logger

	store store.Store
}

// OpenStore opens the configured store and applies migrations.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.Store.URL)
	default:
		return store.Open(cfg.SQLitePath())
	}
}

// Build wires every component from cfg. ctx bounds the background work
// started later by Run and the tasks submitted through the gateway.
func Build(ctx context.Context, cfg *config.Config, opts StartOptions) (*Runtime, error) {
	logger := slog.Default()

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt := &Runtime{Config: cfg, Logger: logger, store: st}
	ok := false
	defer func() {
		if !ok {
			_ = st.Close()
		}
	}()

	rules, err := detection.LoadRulesOrDefault(cfg.RulesPath())
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	det, err := detection.NewEngine(cfg.Detection.BufferSize, rules)
	if err != nil {
		return nil, err
	}

	defs, err := workflow.LoadDefinitions(cfg.WorkflowsDir())
	if err != nil {
		return nil, fmt.Errorf("load workflows: %w", err)
	}
	if cfg.Workflows.Default != "" {
		if _, found := defs[cfg.Workflows.Default]; !found {
			return nil, fmt.Errorf("%w: workflows.default %q is not a loaded workflow", config.ErrInvalid, cfg.Workflows.Default)
		}
	}

	rt.Tools = tools.NewRegistry(cfg.ToolsDir())
	if cfg.Tools.Sandbox {
		rt.Tools.SandboxHome = cfg.Home
	}

	tokens := append([]string(nil), cfg.Gateway.AuthTokens...)
	if tok := os.Getenv("AIDE_GATEWAY_TOKEN"); tok != "" {
		tokens = append(tokens, tok)
	}
	rt.Gateway = gateway.NewServer(gateway.Config{
		MaxConnections: cfg.Gateway.MaxConnections,
		AuthTokens:     tokens,
	})
	rt.Gateway.Logger = logger

	executor := &workflow.Executor{
		Tools:   rt.Tools,
		Store:   &workflow.FileStore{Dir: cfg.StateDir()},
		OnEvent: rt.onRunEvent,
		Logger:  logger,
	}
	if cfg.Workflows.AutoApprove {
		executor.Approvals = workflow.AutoApprove
	}
	rt.Tools.OnEvent = rt.onToolEvent

	rt.Senders = capabilities.NewRegistry()
	for _, name := range cfg.ChannelNames() {
		if hook := cfg.AutoReply.Channels[name].WebhookURL; hook != "" {
			rt.Senders.Register(name, capabilities.Webhook{URL: hook})
		}
	}

	rt.Services = &httpapi.Services{
		Gateway:   rt.Gateway,
		Executor:  executor,
		Workflows: defs,
		Detection: det,
		Learning:  learning.NewEngine(),
		Replies: autoreply.NewEngine(autoreply.Config{
			MaxRepliesPerHour: cfg.AutoReply.MaxRepliesPerHour,
			DefaultMode:       autoreply.Mode(cfg.AutoReply.DefaultMode),
			ChannelModes:      cfg.ChannelModes(),
		}),
		Classifier: autoreply.DefaultClassifier(),
		Digest:     &autoreply.Digest{Dir: cfg.DigestDir()},
		Store:      st,
		Logger:     logger,
	}

	rt.Tasks = NewTaskRunner(ctx, rt.Services, cfg.Workflows.Default, cfg.Workflows.MaxConcurrent)
	rt.Gateway.Tasks = rt.Tasks
	rt.Gateway.Status = rt

	if n, err := executor.Recover(); err != nil {
		logger.Warn("recover workflow runs", "err", err)
	} else if n > 0 {
		logger.Info("workflow runs recovered", "runs", n)
	}
	if err := rt.Services.Restore(ctx); err != nil {
		return nil, err
	}
	if err := rt.restoreReplies(ctx); err != nil {
		return nil, err
	}

	srvOpts := httpapi.ServerOptions{
		Addr:   fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Dev:    opts.Dev,
		APIKey: os.Getenv("AIDE_API_KEY"),
	}
	if cfg.Otel.Enabled {
		metricsHandler, err := otel.InitMeterProvider(ctx, "aide")
		if err != nil {
			logger.Warn("otel init failed, metrics disabled", "err", err)
		} else {
			srvOpts.MetricsHandler = metricsHandler
			srvOpts.UseOtelHTTP = true
			if err := otel.InitMetricsWithTaskCount(ctx, func() int64 { return int64(rt.Tasks.ActiveTasks()) }); err != nil {
				logger.Warn("otel instruments", "err", err)
			}
		}
	}
	rt.App = httpapi.NewApp(srvOpts, rt.Services)
	ok = true
	return rt, nil
}

// restoreReplies re-queues replies that were still open when the daemon last
// stopped.
func (rt *Runtime) restoreReplies(ctx context.Context) error {
	replies, err := rt.store.ListReplies(ctx, 0)
	if err != nil {
		return fmt.Errorf("load replies: %w", err)
	}
	n := 0
	for _, r := range replies {
		if r.Status.Completed() {
			continue
		}
		if _, err := rt.Services.Replies.Enqueue(r); err != nil {
			rt.Logger.Warn("skip stored reply", "reply_id", r.ID, "err", err)
			continue
		}
		n++
	}
	if n > 0 {
		rt.Logger.Info("open replies restored", "replies", n)
	}
	return nil
}

// Run serves HTTP and runs the reply dispatcher, the sweeper and the rules
// watcher until ctx is done or one of them fails. It shuts the server and
// gateway down and waits for submitted tasks before returning.
func (rt *Runtime) Run(ctx context.Context, pprofAddr string) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rt.Logger.Info("daemon listening", "addr", rt.App.Server.Addr, "home", rt.Config.Home)
		err := rt.App.Server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		rt.Gateway.Close()
		return rt.App.Server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		rt.dispatchLoop(gctx)
		return nil
	})
	g.Go(func() error {
		rt.sweepLoop(gctx)
		return nil
	})
	if rt.Config.Detection.WatchRules {
		g.Go(func() error {
			if err := detection.WatchRules(gctx, rt.Config.RulesPath(), rt.Services.Detection, rt.Logger); err != nil {
				rt.Logger.Warn("rules watcher disabled", "path", rt.Config.RulesPath(), "err", err)
			}
			return nil
		})
	}
	if pprofAddr != "" {
		g.Go(func() error { return servePprof(gctx, pprofAddr) })
	}

	err := g.Wait()
	rt.Tasks.Wait()
	return err
}

// Close releases the store.
func (rt *Runtime) Close() error {
	return rt.store.Close()
}

// ChannelStatuses lists every channel with a mode or a sender, with its mode.
func (rt *Runtime) ChannelStatuses() []models.ChannelInfo {
	seen := map[string]bool{}
	for name := range rt.Services.Replies.Channels() {
		seen[name] = true
	}
	for _, name := range rt.Senders.Channels() {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]models.ChannelInfo, 0, len(names))
	for _, name := range names {
		out = append(out, models.ChannelInfo{Name: name, Status: string(rt.Services.Replies.Mode(name))})
	}
	return out
}

// NodeStatuses reports this daemon as the single node.
func (rt *Runtime) NodeStatuses() []models.NodeInfo {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "local"
	}
	return []models.NodeInfo{{Name: name, Health: "ok"}}
}

// onRunEvent relays workflow progress to gateway clients. Run and step
// metrics are recorded by the executor itself.
func (rt *Runtime) onRunEvent(ev workflow.Event) {
	msg := fmt.Sprintf("workflow %s run %s: %s", ev.Workflow, ev.RunID, ev.Type)
	if ev.StepID != "" {
		msg += " " + ev.StepID
	}
	if ev.Message != "" {
		msg += ": " + ev.Message
	}
	rt.Gateway.Broadcast(models.GatewayEvent{
		Type:    models.EventAssistantMessage,
		Status:  string(ev.Status),
		Message: msg,
		Time:    ev.Time,
	})
}

func (rt *Runtime) onToolEvent(ev tools.Event) {
	rt.Logger.Debug("tool event", "tool", ev.Tool, "type", ev.Type, "data", ev.Data)
}

// dispatchLoop sends approved replies through their channel's sender.
func (rt *Runtime) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.dispatchReady(ctx)
		}
	}
}

func (rt *Runtime) dispatchReady(ctx context.Context) int {
	sent := 0
	for _, r := range rt.Services.Replies.ReadyToSend() {
		if err := rt.Senders.Send(ctx, r); err != nil {
			rt.Logger.Warn("send reply", "reply_id", r.ID, "channel", r.Channel, "err", err)
			continue
		}
		done, err := rt.Services.Replies.MarkSent(r.ID)
		if err != nil {
			rt.Logger.Warn("mark reply sent", "reply_id", r.ID, "err", err)
			continue
		}
		rt.Services.ReplyChanged(ctx, done)
		sent++
	}
	return sent
}

// sweepLoop expires stale replies, drops completed ones and prunes ended
// gateway sessions.
func (rt *Runtime) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.sweep(ctx)
		}
	}
}

func (rt *Runtime) sweep(ctx context.Context) {
	if ttl := rt.Config.AutoReply.ReplyTTLSecs; ttl > 0 {
		for _, r := range rt.Services.Replies.ExpireOldReplies(time.Duration(ttl) * time.Second) {
			rt.Services.ReplyChanged(ctx, r)
		}
	}
	if n := rt.Services.Replies.CleanupCompleted(); n > 0 {
		rt.Logger.Debug("completed replies dropped", "replies", n)
	}
	if n := rt.Gateway.PruneSessions(); n > 0 {
		rt.Logger.Debug("gateway sessions pruned", "sessions", n)
	}
}
