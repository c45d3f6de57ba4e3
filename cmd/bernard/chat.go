// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bernard-dev/bernard/internal/agent"
	"github.com/bernard-dev/bernard/internal/provider"
	"github.com/bernard-dev/bernard/internal/server"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Run one conversation turn",
		Long: "Send a message to the agent and stream the answer. The turn runs in-process " +
			"unless --remote names a running gateway.",
		Args: cobra.MinimumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().String("remote", "", "gateway address to send the turn to instead of running it locally")
	cmd.Flags().String("conversation", "", "conversation id for serialized turns on the gateway")
	cmd.Flags().StringP("system", "s", "", "system message prepended to the conversation")
	cmd.Flags().Bool("steps", false, "print the actions the agent runs")

	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return bernerr.New(bernerr.CodeCLIInputInvalid, "message must not be empty")
	}
	remote, _ := cmd.Flags().GetString("remote")
	system, _ := cmd.Flags().GetString("system")
	out := cmd.OutOrStdout()

	_, _ = fmt.Fprintln(out, promptStyle.Render("you › ")+prompt)
	_, _ = fmt.Fprint(out, titleStyle.Render("bernard › "))

	var err error
	if remote != "" {
		conv, _ := cmd.Flags().GetString("conversation")
		err = chatRemote(cmd.Context(), out, remote, conv, system, prompt)
	} else {
		steps, _ := cmd.Flags().GetBool("steps")
		err = chatLocal(cmd, out, system, prompt, steps)
	}
	_, _ = fmt.Fprintln(out)
	if err != nil {
		_, _ = fmt.Fprintln(out, errorStyle.Render("error: "+err.Error()))
	}
	return err
}

func chatRemote(ctx context.Context, out io.Writer, addr, conversationID, system, prompt string) error {
	var messages []server.ChatMessage
	if system != "" {
		messages = append(messages, textMessage(provider.MessageRoleSystem, system))
	}
	messages = append(messages, textMessage(provider.MessageRoleUser, prompt))

	return newGatewayClient(addr).streamChat(ctx, conversationID, server.ChatCompletionRequest{
		Model:    server.AgentModelID,
		Messages: messages,
	}, func(delta string) {
		_, _ = fmt.Fprint(out, delta)
	})
}

func textMessage(role provider.MessageRole, text string) server.ChatMessage {
	content, _ := json.Marshal(text)
	return server.ChatMessage{Role: string(role), Content: content}
}

func chatLocal(cmd *cobra.Command, out io.Writer, system, prompt string, steps bool) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := slog.Default()

	rt, err := WireRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.Background()); cerr != nil {
			logger.Warn("closing runtime", "error", cerr)
		}
	}()

	var history []provider.Message
	if system != "" {
		history = append(history, provider.Message{Role: provider.MessageRoleSystem, Content: system})
	}
	history = append(history, provider.Message{Role: provider.MessageRoleUser, Content: prompt})

	snapshots, err := rt.Loop.Stream(ctx, history)
	if err != nil {
		return err
	}
	return renderSnapshots(out, snapshots, steps)
}

// renderSnapshots prints response text as it grows and, with steps, one
// line per completed action.
func renderSnapshots(out io.Writer, snapshots <-chan agent.Snapshot, steps bool) error {
	var (
		sent      int
		actions   int
		turnError error
	)
	for snap := range snapshots {
		if snap.Err != nil {
			turnError = snap.Err
			continue
		}
		if len(snap.Messages) == 0 {
			continue
		}
		switch snap.Stage {
		case agent.StageAction:
			if !steps {
				continue
			}
			seen := 0
			for _, m := range snap.Messages {
				if m.Role != provider.MessageRoleTool {
					continue
				}
				seen++
				if seen > actions {
					_, _ = fmt.Fprintf(out, "\n%s\n", dimStyle.Render(fmt.Sprintf("  ↳ %s: %s", m.ToolName, oneLine(m.Content, 80))))
				}
			}
			if seen > actions {
				actions = seen
			}
		case agent.StageResponse:
			text := snap.Messages[len(snap.Messages)-1].Content
			if len(text) > sent {
				_, _ = fmt.Fprint(out, text[sent:])
				sent = len(text)
			}
		}
	}
	return turnError
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}
