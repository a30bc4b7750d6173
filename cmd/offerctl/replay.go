package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/minershop/offer-sync/internal/models"
)

func replayCmd() *cobra.Command {
	var source string
	var continueOnError bool

	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Re-ingest captured webhook payloads",
		Long: `Reads webhook payloads from FILE (a JSON array or one JSON object per line)
and runs each through the same pipeline as the webhook endpoints. Re-delivering a
message id updates the stored message in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if source != models.SourceWhatsApp && source != models.SourceTelegram {
				return fmt.Errorf("--source must be %q or %q", models.SourceWhatsApp, models.SourceTelegram)
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			msgs, err := readMessages(f)
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}

			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			var failed int
			for i, m := range msgs {
				res, err := a.Processor.Ingest(ctx, source, m)
				if err != nil {
					failed++
					fmt.Fprintf(out, "#%d %s: error: %v\n", i+1, m.MessageID, err)
					if !continueOnError {
						return err
					}
					continue
				}
				fmt.Fprintf(out, "#%d %s: id=%s created=%d updated=%d skipped=%d\n",
					i+1, m.MessageID, res.MessageID, res.Created, res.Updated, res.Skipped)
			}
			logger.Info("replay finished", "messages", len(msgs), "failed", failed)
			if failed > 0 {
				return fmt.Errorf("%d of %d messages failed", failed, len(msgs))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", models.SourceWhatsApp, "relay the payloads came from (whatsapp|telegram)")
	cmd.Flags().BoolVar(&continueOnError, "continue", false, "keep going after a failed message")
	return cmd
}

// readMessages accepts either a JSON array of payloads or a stream of JSON objects.
func readMessages(r io.Reader) ([]models.IncomingMessage, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		var msgs []models.IncomingMessage
		if err := dec.Decode(&msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	}

	var msgs []models.IncomingMessage
	for {
		var m models.IncomingMessage
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			return msgs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("payload %d: %w", len(msgs)+1, err)
		}
		msgs = append(msgs, m)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
