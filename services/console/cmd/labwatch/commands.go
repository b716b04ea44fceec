package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"labwatch/pkg/backend"
	"labwatch/services/artifacts"
	"labwatch/services/console"
	"labwatch/services/history"
	"labwatch/services/logstream"
	"labwatch/services/monitor"
)

const (
	formatText = "text"
	formatYAML = "yaml"
	formatJSON = "json"
)

func validateFormat(format string) error {
	switch format {
	case formatText, formatYAML, formatJSON:
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text, yaml or json)", format)
	}
}

// writeReport encodes v as yaml or json, or calls text for the text format.
func writeReport(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch format {
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return text(w)
	}
}

func newWatchCommand(flags *globalFlags) *cobra.Command {
	var (
		once       bool
		format     string
		activeView string
		statusAddr string
	)

	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job until its terminal state is confirmed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := buildConsole(ctx, a)
			if err != nil {
				return err
			}
			if activeView != "" {
				if err := c.SetView(activeView); err != nil {
					return err
				}
			}
			if err := c.Start(ctx, args[0]); err != nil {
				return err
			}
			defer c.Stop()

			if statusAddr == "" {
				statusAddr = a.cfg.StatusAddr
			}
			if statusAddr != "" {
				routes := c.Routes(console.ServerOptions{
					AllowedOrigins: a.cfg.AllowedOrigins,
					RateLimit:      a.cfg.RateLimit,
					Gatherer:       a.registry,
					Middleware:     a.middleware,
				})
				go func() {
					if err := console.Serve(ctx, statusAddr, routes, a.logger); err != nil {
						a.logger.Error().Err(err).Msg("status server")
					}
				}()
			}

			out := cmd.OutOrStdout()
			if once {
				if err := waitReady(ctx, c, a.cfg.PollInterval); err != nil {
					return err
				}
				return report(out, format, c)
			}
			return follow(ctx, out, format, c, a.cfg.PollInterval)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Print one report after the first snapshot and exit")
	cmd.Flags().StringVar(&format, "format", formatText, "Output format: text, yaml or json")
	cmd.Flags().StringVar(&activeView, "view", "", "Initial view: parameters, outputs, inputs, logs, checkpoints, visualize")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Serve the status API on this address")
	return cmd
}

func buildConsole(ctx context.Context, a *app) (*console.Console, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}
	store, err := a.history(ctx)
	if err != nil {
		return nil, err
	}
	sink, err := a.sink(ctx, "")
	if err != nil {
		return nil, err
	}
	recipients, err := a.recipients(nil)
	if err != nil {
		return nil, err
	}

	terminal := make([]backend.LifecycleState, 0, len(a.cfg.TerminalStates))
	for _, s := range a.cfg.TerminalStates {
		terminal = append(terminal, backend.LifecycleState(s))
	}

	opts := console.Options{
		Backend:    client,
		Shared:     console.NewShared(a.cfg.Wallet),
		Dialer:     logstream.WebsocketDialer{HandshakeTimeout: a.cfg.HandshakeTimeout},
		Sink:       sink,
		Recipients: recipients,
		ArchiveDir: a.cfg.ArchiveDir,
		History:    store,
		Monitor: monitor.Config{
			Interval:       a.cfg.PollInterval,
			TerminalStates: terminal,
		},
		Logger:  a.logger,
		Metrics: a.metrics,
	}
	b, err := a.bus()
	if err != nil {
		return nil, err
	}
	if b != nil {
		opts.Publisher = b
	}
	return console.New(opts)
}

func waitReady(ctx context.Context, c *console.Console, interval time.Duration) error {
	ticker := time.NewTicker(max(interval/10, 50*time.Millisecond))
	defer ticker.Stop()
	for !c.Ready() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Done():
			if !c.Ready() {
				return errors.New("job monitor stopped before the first snapshot")
			}
		case <-ticker.C:
		}
	}
	return nil
}

// follow re-renders the report whenever it changes until the job is
// done or ctx ends.
func follow(ctx context.Context, w io.Writer, format string, c *console.Console, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	emit := func() error {
		var buf strings.Builder
		if err := report(&buf, format, c); err != nil {
			return err
		}
		if buf.String() == last {
			return nil
		}
		last = buf.String()
		_, err := io.WriteString(w, last)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return emit()
		case <-ticker.C:
			if err := emit(); err != nil {
				return err
			}
		}
	}
}

func report(w io.Writer, format string, c *console.Console) error {
	return writeReport(w, format, c.State(), func(w io.Writer) error {
		text, err := c.RenderActive()
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, text)
		return err
	})
}

func newLogsCommand(flags *globalFlags) *cobra.Command {
	var archive string

	cmd := &cobra.Command{
		Use:   "logs <external-id>",
		Short: "Stream a job's logs to stdout until the server closes the stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			client, err := a.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return streamLogs(ctx, client, a, args[0], out, archive)
		},
	}

	cmd.Flags().StringVar(&archive, "archive", "", "Write a zstd copy of the stream to this file")
	return cmd
}

func streamLogs(ctx context.Context, client *backend.Client, a *app, externalID string, out io.Writer, archive string) error {
	var (
		session *logstream.Session
		printed int
	)
	closed := make(chan error, 1)

	session, err := logstream.NewSession(logstream.Options{
		Dialer:  logstream.WebsocketDialer{HandshakeTimeout: a.cfg.HandshakeTimeout},
		Resolve: client.LogStreamURL,
		Logger:  a.logger,
		Metrics: a.metrics,
		OnEvent: func(ev logstream.Event) {
			switch ev.Kind {
			case logstream.EventFragment:
				text := session.Buffer()
				if len(text) > printed {
					_, _ = io.WriteString(out, text[printed:])
					printed = len(text)
				}
			case logstream.EventClosed:
				select {
				case closed <- ev.Err:
				default:
				}
			}
		},
	})
	if err != nil {
		return err
	}
	if err := session.Open(ctx, externalID); err != nil {
		return err
	}

	var streamErr error
	select {
	case streamErr = <-closed:
	case <-ctx.Done():
		session.Close()
	}

	if archive != "" {
		if err := writeArchive(session, archive); err != nil {
			return err
		}
	}

	var se *backend.StreamError
	if errors.As(streamErr, &se) && se.Code == websocket.CloseNormalClosure {
		return nil
	}
	return streamErr
}

func writeArchive(session *logstream.Session, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	if err := session.Archive(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func newDownloadCommand(flags *globalFlags) *cobra.Command {
	var (
		dir        string
		recipients []string
		format     string
	)

	cmd := &cobra.Command{
		Use:   "download <cid>",
		Short: "Download an artifact by content identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			client, err := a.client()
			if err != nil {
				return err
			}
			sink, err := a.sink(ctx, dir)
			if err != nil {
				return err
			}
			parsed, err := a.recipients(recipients)
			if err != nil {
				return err
			}
			downloader, err := artifacts.NewDownloader(artifacts.Options{
				Opener:     client,
				Sink:       sink,
				Recipients: parsed,
				Logger:     a.logger,
				Metrics:    a.metrics,
			})
			if err != nil {
				return err
			}

			res, err := downloader.Download(ctx, backend.ArtifactReference{CID: args[0]})
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), format, res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s  %d bytes  sha256 %s\n", res.Location, res.Bytes, res.SHA256)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Directory to save into (defaults to LABWATCH_DOWNLOAD_DIR)")
	cmd.Flags().StringSliceVar(&recipients, "recipient", nil, "age X25519 recipient to encrypt to (repeatable)")
	cmd.Flags().StringVar(&format, "format", formatText, "Output format: text, yaml or json")
	return cmd
}

func newToolsCommand(flags *globalFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List tools and their declared parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			client, err := a.client()
			if err != nil {
				return err
			}
			tools, err := client.ListTools(ctx)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), format, tools, func(w io.Writer) error {
				return writeToolTable(w, tools)
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", formatText, "Output format: text, yaml or json")
	return cmd
}

func writeToolTable(w io.Writer, tools []backend.Tool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tPARAMETER\tTYPE\tDEFAULT\tPOSITION")
	for _, tool := range tools {
		if len(tool.Parameters) == 0 {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\n", tool.Name)
			continue
		}
		for _, p := range tool.Parameters {
			def := p.Default
			if !p.HasDefault {
				def = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", tool.Name, p.Name, p.Type, def, p.Position)
		}
	}
	return tw.Flush()
}

func newEventsCommand(flags *globalFlags) *cobra.Command {
	var (
		durable string
		subject string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail monitor events from the NATS stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.bus()
			if err != nil {
				return err
			}
			if b == nil {
				return errors.New("nats url is required (LABWATCH_NATS_URL)")
			}

			out := cmd.OutOrStdout()
			sub, err := b.Subscribe(ctx, subject, durable, func(_ context.Context, subj string, data []byte) error {
				_, err := fmt.Fprintf(out, "%s %s\n", subj, data)
				return err
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&durable, "durable", "labwatch-events", "Durable consumer name")
	cmd.Flags().StringVar(&subject, "subject", console.SubjectAll, "Subject filter")
	return cmd
}

func newHistoryCommand(flags *globalFlags) *cobra.Command {
	var (
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "history <job-id>",
		Short: "List recorded state transitions and checkpoint polls for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.DatabaseURL == "" {
				return errors.New("database url is required (LABWATCH_DATABASE_URL)")
			}
			pool, err := a.database(ctx)
			if err != nil {
				return err
			}
			store, err := history.NewPostgresStore(pool)
			if err != nil {
				return err
			}

			transitions, err := store.Transitions(ctx, args[0], limit)
			if err != nil {
				return err
			}
			polls, err := store.CheckpointPolls(ctx, args[0], limit)
			if err != nil {
				return err
			}

			rep := historyReport{JobID: args[0], Transitions: transitions, CheckpointPolls: polls}
			return writeReport(cmd.OutOrStdout(), format, rep, rep.writeText)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", history.DefaultLimit, "Maximum rows per table")
	cmd.Flags().StringVar(&format, "format", formatText, "Output format: text, yaml or json")
	return cmd
}

type historyReport struct {
	JobID           string                   `json:"job_id" yaml:"job_id"`
	Transitions     []history.Transition     `json:"transitions" yaml:"transitions"`
	CheckpointPolls []history.CheckpointPoll `json:"checkpoint_polls" yaml:"checkpoint_polls"`
}

func (r historyReport) writeText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OBSERVED\tFROM\tTO\tERROR")
	for _, t := range r.Transitions {
		from := t.FromState
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ObservedAt.Format(time.RFC3339), from, t.ToState, t.Error)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "FETCHED\tCYCLE\tCHECKPOINTS\tPOINTS")
	for _, p := range r.CheckpointPolls {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", p.FetchedAt.Format(time.RFC3339), p.Cycle, p.Checkpoints, p.Points)
	}
	return tw.Flush()
}
