package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/accordhq/accord/internal/conversation"
	"github.com/accordhq/accord/internal/guidance"
	accordmcp "github.com/accordhq/accord/internal/mcp"
	"github.com/accordhq/accord/internal/queue"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for AI assistant integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client inspect conflicts, sessions, and the guidance
queue. Configure with:

  {
    "mcpServers": {
      "accord": { "command": "accord", "args": ["mcp"] }
    }
  }

Available tools: accord_list_conflicts, accord_get_conflict,
accord_list_sessions, accord_get_transcript, accord_generate_guidance,
accord_queue_status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		// Stdout carries the protocol; logs must not touch it.
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))

		var orch *guidance.Orchestrator
		var q *queue.Queue
		apiKey := viper.GetString("anthropic.api_key")
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		svc := conversation.NewService(s, nil)
		if apiKey != "" {
			completer := guidance.NewAnthropicCompleter(apiKey, viper.GetString("anthropic.model"))
			orch = guidance.NewOrchestrator(s, svc, completer, logger)
		}
		q = queue.New(s, orch, queue.DefaultConfig(), logger)

		return accordmcp.NewServer(s, orch, q).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
