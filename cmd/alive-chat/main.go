// Command alive-chat replays an agent NDJSON transcript into a conversation
// log, or composes an outgoing prompt from a message plus attachments.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/eenlars/alive/internal/attach"
	"github.com/eenlars/alive/internal/prompt"
	"github.com/eenlars/alive/internal/store"
	"github.com/eenlars/alive/internal/stream"
)

// stringList collects repeated flag values.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func mainImpl() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	tab := flag.String("tab", "main", "conversation tab name")
	stateDir := flag.String("state", "", "directory for persisted tab logs")
	compose := flag.String("compose", "", "compose a prompt from this message plus -skill/-image/-template attachments and exit")
	var skills, images, templates stringList
	flag.Var(&skills, "skill", "skill prompt text to prepend (repeatable)")
	flag.Var(&images, "image", "library image key to attach, website mode (repeatable)")
	flag.Var(&templates, "template", "supertemplate id to attach (repeatable)")
	flag.Parse()

	initLogging(*logLevel)

	if *compose != "" || len(skills)+len(images)+len(templates) > 0 {
		return runCompose(*compose, skills, images, templates)
	}

	args := flag.Args()
	if len(args) != 1 {
		return errors.New("usage: alive-chat [-tab NAME] [-state DIR] <transcript.ndjson|->")
	}
	return runReplay(ctx, args[0], *tab, *stateDir)
}

// runCompose builds the outgoing prompt the way the composer would and
// prints it with its token estimate.
func runCompose(message string, skills, images, templates stringList) error {
	m := attach.NewManager(attach.DefaultConfig())
	for _, s := range skills {
		if _, err := m.AddSkill(s); err != nil {
			return err
		}
	}
	for _, key := range images {
		if _, err := m.AddLibraryImage(key); err != nil {
			return err
		}
	}
	for _, id := range templates {
		if _, err := m.AddSupertemplate(id); err != nil {
			return err
		}
	}
	res := prompt.Build(message, m.List())
	fmt.Println(res.Prompt)
	for _, u := range res.AnalyzeImageURLs {
		slog.Info("analyze image", "url", u)
	}
	slog.Info("composed", "tokens", prompt.EstimateTokens(res.Prompt))
	return nil
}

// runReplay decodes the transcript and renders the resulting conversation.
func runReplay(ctx context.Context, path, tab, stateDir string) error {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	st := store.New()
	if stateDir != "" {
		if err := st.Load(stateDir); err != nil {
			return fmt.Errorf("load state: %w", err)
		}
	}
	tracker := stream.NewTracker(nil)
	dec := stream.NewDecoder(r)

	var protoErrs int
	for {
		if ctx.Err() != nil {
			dec.Stop()
		}
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *stream.ProtocolError
		if errors.As(err, &perr) {
			slog.Warn("skipping bad stream line", "err", perr)
			protoErrs++
			continue
		}
		if err != nil {
			return err
		}
		tracker.Observe(ev)
		if err := st.Apply(tab, ev); err != nil {
			return err
		}
	}
	if err := dec.Err(); err != nil {
		slog.Error("stream did not terminate cleanly", "err", err)
		st.FailOpen(tab)
	}
	if protoErrs > 0 {
		slog.Warn("stream had protocol errors", "count", protoErrs)
	}
	slog.Debug("stream stats", "pings", dec.Pings(), "requestId", dec.RequestID())

	printConversation(st.Messages(tab))

	if stateDir != "" {
		if err := st.Save(stateDir); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
	}
	return nil
}

func printConversation(msgs []store.Message) {
	for _, item := range store.GroupExploration(msgs) {
		if item.Group != nil {
			var parts []string
			for _, tc := range item.Group.Breakdown {
				parts = append(parts, fmt.Sprintf("%s×%d", tc.Name, tc.Count))
			}
			fmt.Printf("[explored %d: %s]\n", item.Group.Total, strings.Join(parts, ", "))
			continue
		}
		m := item.Single
		label := string(m.Content.Kind)
		if m.Status == store.StatusError {
			label += ", errored"
		}
		text := m.Content.Text
		if m.Content.Kind == store.ContentToolResult {
			var names []string
			for _, r := range m.Content.ToolResults {
				names = append(names, r.ToolName)
			}
			text = strings.Join(names, ", ")
		}
		fmt.Printf("[%s] %s\n", label, text)
	}
}

// initLogging configures slog with tint for colored, concise output.
// Timestamps are omitted under systemd (JOURNAL_STREAM).
func initLogging(level string) {
	ll := &slog.LevelVar{}
	switch level {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
		// default
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	}
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	slog.SetDefault(slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})))
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintln(os.Stderr, "alive-chat:", err)
		os.Exit(1)
	}
}
