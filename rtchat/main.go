package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kampuni/rtchat-client/rtchat/api"
	"github.com/kampuni/rtchat-client/rtchat/contacts"
	"github.com/kampuni/rtchat-client/rtchat/session"
)

var rootCmd = &cobra.Command{
	Use:          "rtchat",
	Short:        "Terminal client for the realtime chat backend (private and group rooms)",
	SilenceUsage: true,
	RunE:         runChat,
}

var (
	cfg    Config
	envErr error
)

func init() {
	cfg, envErr = loadEnv(nil)
	bindFlags(rootCmd.PersistentFlags(), &cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute rtchat command")
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	if envErr != nil {
		return envErr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).Level(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := api.New(api.Config{
		BaseURL:   cfg.BaseURL,
		SessionID: cfg.SessionID,
		CSRFToken: cfg.CSRFToken,
		Timeout:   cfg.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("new api client: %w", err)
	}

	term := newTerminal(os.Stdout)
	sess := session.New(cfg.Username, client, session.WebsocketDialer{
		Jar:              client.Jar(),
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, session.Options{
		Renderer:       term,
		Contacts:       contacts.New(nil),
		RequestTimeout: cfg.RequestTimeout,
	})
	defer sess.Close()

	if err := sess.LoadContacts(ctx); err != nil {
		return fmt.Errorf("load chats: %w", err)
	}
	log.Info().Str("base_url", cfg.BaseURL).Str("user", cfg.Username).
		Int("chats", sess.Contacts().Len()).Msg("[rtchat] connected")
	term.printList(sess)

	if ref, ok, _ := cfg.OpenRoom(); ok {
		if err := sess.SwitchRoom(ctx, ref); err != nil && !errors.Is(err, session.ErrClosed) {
			log.Warn().Err(err).Str("room", ref.String()).Msg("[rtchat] open room failed")
		}
	}

	return runTerminal(ctx, sess, term, os.Stdin)
}
