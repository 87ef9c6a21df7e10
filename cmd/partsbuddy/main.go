// Package main provides the PartsBuddy command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/avvvet/partsbuddy/internal/app"
	"github.com/avvvet/partsbuddy/internal/config"
	"github.com/avvvet/partsbuddy/internal/logging"
	"github.com/avvvet/partsbuddy/internal/models"
	"github.com/avvvet/partsbuddy/internal/search"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

var (
	offline  bool
	verbose  bool
	session  string
	searchK  int
	logLevel string
)

// buildApp loads configuration and wires the pipeline for a single command
func buildApp(ctx context.Context) (*app.App, *zap.Logger, error) {
	_ = godotenv.Load()
	if offline {
		os.Setenv("LLM_PROVIDER", "offline")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	if logLevel != "" {
		level = logLevel
	}
	logger, err := logging.New(level, "console")
	if err != nil {
		return nil, nil, err
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "partsbuddy",
		Short: "PartsBuddy - refrigerator and dishwasher parts assistant",
		Long: `PartsBuddy answers questions about refrigerator and dishwasher parts:
finding parts, checking model compatibility, installation help and troubleshooting.

Use 'partsbuddy [command] --help' for more information.`,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "run without an LLM provider")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override")

	// ask command - one pipeline invocation
	askCmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Ask a single question and print the JSON result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, logger, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer a.Close()

			if session == "" {
				session = uuid.NewString()
			}
			result, err := a.Handler.ProcessChat(cmd.Context(), &models.ChatRequest{
				SessionID: session,
				Message:   args[0],
			})
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	askCmd.Flags().StringVarP(&session, "session", "s", "", "session id (random when empty)")

	// search command - query the index directly
	searchCmd := &cobra.Command{
		Use:       "search [products|troubleshooting] [text]",
		Short:     "Query the semantic search index",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{search.CollectionProducts, search.CollectionTroubleshooting},
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != search.CollectionProducts && args[0] != search.CollectionTroubleshooting {
				return fmt.Errorf("unknown collection %q", args[0])
			}

			a, logger, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer a.Close()

			hits, err := a.Index.Query(cmd.Context(), search.Query{
				Collection: args[0],
				Text:       args[1],
				TopK:       searchK,
			})
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				fmt.Println("No matches")
				return nil
			}
			for i, hit := range hits {
				label := hit.Payload["name"]
				if label == "" {
					label = hit.Payload["symptom"]
				}
				fmt.Printf("%2d. %-40s %.3f  %s\n", i+1, hit.ID, hit.Score, label)
			}
			return nil
		},
	}
	searchCmd.Flags().IntVarP(&searchK, "top", "k", 5, "number of hits")

	// serve command - run the service
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and NATS service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if logLevel == "" && !verbose {
				logLevel = "info"
			}
			a, logger, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer a.Close()

			logger.Info("✅ PartsBuddy service is running!", zap.String("http", a.Config.HTTPAddr))
			return a.Serve(cmd.Context())
		},
	}

	rootCmd.AddCommand(askCmd, searchCmd, serveCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
