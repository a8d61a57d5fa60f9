package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/acyhuang/chat-tree/pkg/chat"
	"github.com/acyhuang/chat-tree/pkg/events"
)

const eventTopic = "chat"

var rootCmd = &cobra.Command{
	Use:   "chat-tree [message...]",
	Short: "Send messages through a branching conversation tree, streaming replies to stdout",
	Args:  cobra.MinimumNArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("model", chat.DefaultOpenAIModel, "OpenAI model to use")
	rootCmd.Flags().String("system", "", "System prompt for the conversation")
	rootCmd.Flags().Bool("debug", false, "Enable debug logging")

	viper.SetEnvPrefix("openai")
	_ = viper.BindEnv("api_key")
	_ = viper.BindEnv("model")
}

func run(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)

	apiKey := viper.GetString("api_key")
	if apiKey == "" {
		return errors.New("OPENAI_API_KEY environment variable is required")
	}
	model, _ := cmd.Flags().GetString("model")
	if envModel := viper.GetString("model"); envModel != "" && !cmd.Flags().Changed("model") {
		model = envModel
	}
	systemPrompt, _ := cmd.Flags().GetString("system")

	transport, err := chat.NewOpenAITransport(apiKey, model)
	if err != nil {
		return err
	}

	router, err := events.NewEventRouter()
	if err != nil {
		return err
	}
	router.AddChatEventHandler("stdout", eventTopic, chat.NewWriterEventHandler(os.Stdout))

	sink := events.NewWatermillSink(router.Publisher, eventTopic)
	manager := chat.NewManager(transport, chat.WithManagerSink(sink))
	registry := chat.NewRegistry()
	registry.Add(manager)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer func() {
			if err := router.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close event router")
			}
		}()
		return router.Run(egCtx)
	})
	eg.Go(func() error {
		defer stop()
		<-router.Running()

		for _, message := range args {
			sendOptions := []chat.SendOption{}
			if systemPrompt != "" {
				sendOptions = append(sendOptions, chat.WithSystemPrompt(systemPrompt))
			}
			if _, err := manager.SendMessage(egCtx, message, sendOptions...); err != nil {
				return err
			}
		}
		printPath(manager)
		stats := registry.Stats()
		log.Info().
			Int("conversations", stats.Conversations).
			Int("exchanges", stats.Exchanges).
			Msg("session summary")
		return nil
	})

	err = eg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printPath(manager chat.Manager) {
	tree := manager.Snapshot()
	fmt.Fprintf(os.Stderr, "\nconversation %s, %d exchanges\n", tree.ID, tree.Len())
	for i, id := range tree.CurrentPath {
		node, exists := tree.Get(id)
		if !exists {
			continue
		}
		fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, string(id), node.UserSummary)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
