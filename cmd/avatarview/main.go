package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"medivoz/avatar/internal/config"
	"medivoz/avatar/internal/domain"
	"medivoz/avatar/internal/logger"
	"medivoz/avatar/internal/media"
	"medivoz/avatar/internal/persist"
	"medivoz/avatar/internal/provider"
	"medivoz/avatar/internal/session"
	"medivoz/avatar/internal/webrtc"
)

const helpText = `avatarview - Conversational medical avatar over WebRTC

Connects to the avatar provider, negotiates a media stream, and writes the
raw H264 video to stdout. Pipe to ffplay or ffmpeg for playback. Chat
messages are read line by line from stdin; conversation turns are persisted
to the conversations service.

Usage:
  avatarview [options]

Environment Variables:
  PROVIDER_URL       Avatar provider base URL (required)
  PROVIDER_KEY       Provider API key
  AVATAR_SOURCE_URL  Presenter image URL
  CONVERSATIONS_URL  Conversations service base URL (default http://localhost:3000)
  PATIENT_NAME       Patient name for the personalized greeting
  PATIENT_ID         Patient identifier attached to persisted turns
  USER_ID            User identifier attached to persisted turns
  LOG_LEVEL          trace|debug|info|warn|error (default info)

Examples:
  # Live playback
  avatarview | ffplay -f h264 -

  # Record to MP4
  avatarview | ffmpeg -f h264 -i - -c copy consulta.mp4

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	log := logger.New()

	cfg, err := config.LoadClient()
	if err != nil {
		log.WithError(err).Fatal("configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down")
		cancel()
	}()

	client := provider.New(cfg.ProviderURL, cfg.ProviderKey, provider.Options{
		SourceURL:   cfg.AvatarSourceURL,
		PatientName: cfg.PatientName,
		PatientID:   cfg.PatientID,
	}, log)
	persister := persist.NewTurnPersister(cfg.ConversationsURL, log)
	sink := media.NewWriterSink(os.Stdout, log)

	mgr := session.NewManager(client, client, webrtc.Factory(), persister, sink, session.Config{
		SourceURL:   cfg.AvatarSourceURL,
		PatientName: cfg.PatientName,
		PatientID:   cfg.PatientID,
		UserID:      cfg.UserID,
	}, log)
	mgr.SetOnStatus(func(st domain.Status) {
		log.WithField("status", st).Info("session status")
	})

	if err := mgr.Start(ctx); err != nil {
		if errors.Is(err, domain.ErrProviderTimeout) {
			log.WithError(err).Fatal("provider timed out creating the stream, try again shortly")
		}
		log.WithError(err).Fatal("start session")
	}

	// Chat loop: one message per stdin line until EOF or shutdown.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := mgr.SendMessage(ctx, scanner.Text()); err != nil {
				log.WithError(err).Warn("send message failed")
			}
		}
		if err := scanner.Err(); err != nil {
			log.WithError(err).Warn("stdin read error")
		}
	}()

	<-ctx.Done()

	mgr.Stop()
	persister.Flush()
	log.Info("done")
}
