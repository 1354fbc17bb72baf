// Command testclient drives a running relay with simulated provider webhooks.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"meeting-transcript-relay/internal/models"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) post(ctx context.Context, path string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, strings.TrimSpace(string(raw)), nil
}

func transcriptEnvelope(botId string, speakerId int64, speakerName string, partial bool, text string, at time.Time) ([]byte, error) {
	event := models.EventTranscriptData
	if partial {
		event = models.EventTranscriptPartial
	}
	words := make([]models.Word, 0)
	for _, w := range strings.Fields(text) {
		words = append(words, models.Word{
			Text:           w,
			StartTimestamp: &models.WordTimestamp{Absolute: at.UTC().Format(time.RFC3339Nano)},
		})
	}
	payload, err := json.Marshal(models.TranscriptPayload{
		Participant: &models.Participant{ID: models.ParticipantID(speakerId), Name: speakerName},
		Words:       words,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.WebhookEnvelope{
		Event: event,
		Data:  models.WebhookData{Bot: models.BotRef{ID: botId}, Data: payload},
	})
}

func statusEnvelope(botId, status string) ([]byte, error) {
	raw, err := json.Marshal(map[string]string{"code": status})
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.WebhookEnvelope{
		Event: models.EventStatusChange,
		Data:  models.WebhookData{Bot: models.BotRef{ID: botId}, Status: raw},
	})
}

// replay posts every non-empty line of r as a webhook body.
func replay(ctx context.Context, c *client, r io.Reader, delay time.Duration, out io.Writer) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	sent := 0
	line := 0
	for scanner.Scan() {
		line++
		body := bytes.TrimSpace(scanner.Bytes())
		if len(body) == 0 || body[0] == '#' {
			continue
		}
		status, resp, err := c.post(ctx, "/webhook/transcription", body)
		if err != nil {
			return sent, fmt.Errorf("line %d: %w", line, err)
		}
		fmt.Fprintf(out, "line %d -> %d %s\n", line, status, resp)
		sent++
		if delay > 0 {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return sent, scanner.Err()
}

func newRootCmd() *cobra.Command {
	var baseURL string
	root := &cobra.Command{
		Use:          "testclient",
		Short:        "Send simulated provider webhooks to a meeting transcript relay",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "url", "http://localhost:3000", "Relay base URL")

	root.AddCommand(newTranscriptCmd(&baseURL))
	root.AddCommand(newStatusCmd(&baseURL))
	root.AddCommand(newReplayCmd(&baseURL))
	root.AddCommand(newFlushCmd(&baseURL))
	root.AddCommand(newWatchCmd(&baseURL))
	return root
}

func newTranscriptCmd(baseURL *string) *cobra.Command {
	var (
		speakerId   int64
		speakerName string
		partial     bool
	)
	cmd := &cobra.Command{
		Use:   "transcript <botId> <text>",
		Short: "Send one transcript fragment",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := transcriptEnvelope(args[0], speakerId, speakerName, partial, strings.Join(args[1:], " "), time.Now())
			if err != nil {
				return err
			}
			status, resp, err := newClient(*baseURL).post(cmd.Context(), "/webhook/transcription", body)
			if err != nil {
				return err
			}
			cmd.Printf("%d %s\n", status, resp)
			return nil
		},
	}
	cmd.Flags().Int64Var(&speakerId, "speaker-id", 1, "Participant id")
	cmd.Flags().StringVar(&speakerName, "speaker-name", "", "Participant name")
	cmd.Flags().BoolVar(&partial, "partial", false, "Send as transcript.partial_data")
	return cmd
}

func newStatusCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <botId> <status>",
		Short: "Send a bot.status_change event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := statusEnvelope(args[0], args[1])
			if err != nil {
				return err
			}
			status, resp, err := newClient(*baseURL).post(cmd.Context(), "/webhook/transcription", body)
			if err != nil {
				return err
			}
			cmd.Printf("%d %s\n", status, resp)
			return nil
		},
	}
}

func newReplayCmd(baseURL *string) *cobra.Command {
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "replay <file.jsonl>",
		Short: "Replay a JSON-lines file of webhook envelopes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			sent, err := replay(cmd.Context(), newClient(*baseURL), f, delay, cmd.OutOrStdout())
			cmd.Printf("replayed %d envelopes\n", sent)
			return err
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 200*time.Millisecond, "Pause between envelopes")
	return cmd
}

func newFlushCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "flush <botId>",
		Short: "Finalize the bot's open intervention",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, resp, err := newClient(*baseURL).post(cmd.Context(), "/api/bot/"+args[0]+"/flush", nil)
			if err != nil {
				return err
			}
			cmd.Printf("%d %s\n", status, resp)
			return nil
		},
	}
}

func newWatchCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [botId]",
		Short: "Print websocket frames, optionally subscribing to one bot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*baseURL, "/"), "http") + "/ws"
			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL, nil)
			if err != nil {
				return fmt.Errorf("dial %s: %w", wsURL, err)
			}
			defer conn.Close()

			if len(args) == 1 {
				if err := conn.WriteJSON(map[string]string{"action": "subscribe", "botId": args[0]}); err != nil {
					return err
				}
			}
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return err
				}
				cmd.Println(string(msg))
			}
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
