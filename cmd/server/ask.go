package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"knowledge-agent/internal/delivery"
	"knowledge-agent/internal/usecase"
)

const askLongDesc string = `Ask one question and stream the answer to stdout.

Uses the same configuration and state as serve, so answers are cached and
the turn is recorded under the given session.

Examples:
  knowledge-agent ask "How do I reset my password?"
  knowledge-agent ask --session s1 --category it "Where is the VPN client?"`

type askCommander struct {
	backend   backendFlags
	sessionID string
	category  string
	source    string
	jsonOut   bool
	logger    *slog.Logger
}

func newAskCmd(logger *slog.Logger) *cobra.Command {
	cmder := &askCommander{logger: logger}

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question",
		Long:  askLongDesc,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "))
		},
	}

	cmder.backend.register(cmd)
	cmd.Flags().StringVar(&cmder.sessionID, "session", "", "Session id for follow-up questions")
	cmd.Flags().StringVar(&cmder.category, "category", "", "Restrict retrieval to a category")
	cmd.Flags().StringVar(&cmder.source, "source", "", "Restrict retrieval to a source")
	cmd.Flags().BoolVar(&cmder.jsonOut, "json", false, "Print each event as a JSON line")

	return cmd
}

func (c *askCommander) run(ctx context.Context, out io.Writer, question string) error {
	b, err := c.backend.open(ctx, c.logger)
	if err != nil {
		return err
	}
	defer b.close()

	in := usecase.AskInput{Question: question, SessionID: c.sessionID, Category: c.category, Source: c.source}
	return b.service.AskStream(ctx, in, c.sink(out))
}

func (c *askCommander) sink(out io.Writer) delivery.Sink {
	if c.jsonOut {
		enc := json.NewEncoder(out)
		return delivery.SinkFunc(func(_ context.Context, ev delivery.Event) error {
			return enc.Encode(ev)
		})
	}
	return delivery.SinkFunc(func(_ context.Context, ev delivery.Event) error {
		var err error
		switch ev.Type {
		case delivery.EventFragment:
			_, err = io.WriteString(out, ev.Fragment.Text)
		case delivery.EventEvidence:
			_, err = io.WriteString(out, "\n")
			for i, e := range ev.Evidence {
				if err != nil {
					break
				}
				_, err = fmt.Fprintf(out, "\n[%d] %s (%s)", i+1, e.Title, e.SourceID)
			}
		case delivery.EventDone:
			_, err = fmt.Fprintf(out, "\n\nsession %s, turn %d, cached %t, %dms\n",
				ev.Done.SessionID, ev.Done.Turn, ev.Done.Cached, ev.Done.ResponseTimeMs)
		case delivery.EventError:
			_, err = fmt.Fprintf(out, "\nerror: %s (%s)\n", ev.Error.Code, ev.Error.Message)
		}
		return err
	})
}
