// Command acpgatewayd runs the ACP gateway daemon: it polls a messaging
// platform for forum-topic messages, multiplexes them across a bounded
// pool of agent-CLI subprocesses, and streams each turn's output back as
// a live-edited draft followed by a finalized, markdown-converted
// message. Configuration is environment-variable only — there is no
// operator CLI surface beyond the optional read-only introspection
// endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/acpgateway/gateway/internal/acp"
	"github.com/acpgateway/gateway/internal/config"
	"github.com/acpgateway/gateway/internal/logger"
	"github.com/acpgateway/gateway/internal/markup"
	"github.com/acpgateway/gateway/internal/ops"
	"github.com/acpgateway/gateway/internal/pool"
	"github.com/acpgateway/gateway/internal/provisioner"
	"github.com/acpgateway/gateway/internal/router"
	"github.com/acpgateway/gateway/internal/session"
	"github.com/acpgateway/gateway/internal/telegram"
	"github.com/acpgateway/gateway/internal/workspace"
)

const cliBinary = "agent-cli"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{Debug: cfg.LogLevel == "DEBUG", JSON: true, Component: "acpgatewayd"}); err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	log := slog.Default()
	log.Info("starting acpgatewayd", "agent_name", cfg.AgentName, "max_processes", cfg.MaxProcesses)

	if err := cfg.ValidatePrerequisites(cliBinary); err != nil {
		log.Error("prerequisite check failed", "error", err)
		os.Exit(1)
	}

	store, err := session.OpenSQLiteStore(cfg.WorkspaceBasePath + "/sessions.db")
	if err != nil {
		log.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	prov := provisioner.New(cfg.AgentName, cfg.AgentConfigPath, cfg.AgentConfigPath)
	if err := prov.Provision(); err != nil {
		log.Error("provisioning failed", "error", err)
		os.Exit(1)
	}

	spawn := buildSpawn(cfg, log)
	procPool := pool.New(cfg.MaxProcesses, time.Duration(cfg.IdleTimeoutSeconds)*time.Second, spawn, log.With(slog.String("component", "pool")))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := procPool.Initialize(ctx); err != nil {
		log.Error("failed to initialize process pool", "error", err)
		os.Exit(1)
	}
	defer procPool.Shutdown()

	bot, err := telegram.New(cfg.BotToken, log.With(slog.String("component", "telegram")))
	if err != nil {
		log.Error("failed to start telegram adapter", "error", err)
		os.Exit(1)
	}
	downloader := workspace.NewDownloader(bot)

	handoff := router.NewHandoffRegistry()
	r := router.New(&router.Context{
		Config:    cfg,
		Store:     store,
		Pool:      procPool,
		Reply:     bot,
		Messaging: bot,
		Markup:    markup.NewGoldmarkConverter(),
		Spawn:     spawn,
		Handoff:   handoff,
		Log:       log,
	})

	if cfg.OpsHTTPAddr != "" {
		opsServer := ops.New(procPool, cfg.OpsHTTPAddr, cfg.OpsJWTSecret, log.With(slog.String("component", "ops")))
		opsServer.Start()
		defer opsServer.Shutdown(context.Background())
	}

	updates := bot.Updates(ctx)
	log.Info("listening for updates")

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down, waiting for in-flight handoffs to drain")
			bot.StopReceivingUpdates()
			_ = handoff.Wait()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			dispatchUpdate(ctx, r, downloader, cfg, update, log)
		}
	}
}

func buildSpawn(cfg config.Config, log *slog.Logger) pool.SpawnFunc {
	return func(ctx context.Context, userID, topicID int64) (*acp.Client, error) {
		workDir, err := session.CreateWorkspaceDir(cfg.WorkspaceBasePath, userID, topicID)
		if err != nil {
			return nil, fmt.Errorf("create workspace dir: %w", err)
		}
		client, err := acp.NewClient(cliBinary, []string{"--agent", cfg.AgentName}, workDir, nil, log.With(slog.Int64("user_id", userID), slog.Int64("topic_id", topicID)))
		if err != nil {
			return nil, err
		}
		if err := client.Initialize(ctx, "acpgateway", "0.1.0"); err != nil {
			client.Kill()
			return nil, fmt.Errorf("initialize: %w", err)
		}
		return client, nil
	}
}

func dispatchUpdate(ctx context.Context, r *router.Router, downloader *workspace.Downloader, cfg config.Config, update tgbotapi.Update, log *slog.Logger) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "start":
			_ = r.HandleStart(ctx, msg.From.ID, msg.Chat.ID, int64(msg.MessageThreadID))
		case "model":
			_ = r.HandleModel(ctx, msg.From.ID, msg.Chat.ID, int64(msg.MessageThreadID), msg.CommandArguments())
		}
		return
	}

	if msg.MessageThreadID == 0 {
		return // not a forum-topic message
	}

	fileID, filename, hasFile := extractAttachment(msg)
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if !hasFile && text == "" {
		return // service message, nothing to process
	}

	userID := msg.From.ID
	topicID := int64(msg.MessageThreadID)

	if !cfg.IsUserAllowed(userID) {
		_ = r.HandleStart(ctx, userID, msg.Chat.ID, topicID) // reuses the access-denied text path
		return
	}

	workspacePath, err := session.CreateWorkspaceDir(cfg.WorkspaceBasePath, userID, topicID)
	if err != nil {
		log.Error("failed to create workspace dir", "error", err)
		return
	}

	var filePaths []string
	if hasFile {
		path, err := downloader.DownloadToWorkspace(ctx, fileID, filename, workspacePath)
		if err != nil {
			log.Error("failed to download attachment", "error", err)
			return
		}
		filePaths = append(filePaths, path)
	}

	r.ProcessMessage(ctx, router.ProcessRequest{
		UserID: userID, TopicID: topicID, ChatID: msg.Chat.ID,
		Text: text, FilePaths: filePaths, WorkspacePath: workspacePath,
	})
}

func extractAttachment(msg *tgbotapi.Message) (fileID, filename string, ok bool) {
	switch {
	case msg.Document != nil:
		name := msg.Document.FileName
		if name == "" {
			name = "document_" + msg.Document.FileUniqueID
		}
		return msg.Document.FileID, name, true
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		return photo.FileID, "photo_" + photo.FileUniqueID + ".jpg", true
	case msg.Audio != nil:
		name := msg.Audio.FileName
		if name == "" {
			name = "audio_" + msg.Audio.FileUniqueID + ".mp3"
		}
		return msg.Audio.FileID, name, true
	case msg.Voice != nil:
		return msg.Voice.FileID, "voice_" + msg.Voice.FileUniqueID + ".ogg", true
	case msg.Video != nil:
		name := msg.Video.FileName
		if name == "" {
			name = "video_" + msg.Video.FileUniqueID + ".mp4"
		}
		return msg.Video.FileID, name, true
	case msg.VideoNote != nil:
		return msg.VideoNote.FileID, "videonote_" + msg.VideoNote.FileUniqueID + ".mp4", true
	case msg.Sticker != nil:
		return msg.Sticker.FileID, "sticker_" + msg.Sticker.FileUniqueID + ".webp", true
	default:
		return "", "", false
	}
}
