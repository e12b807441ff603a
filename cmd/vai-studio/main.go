// Command vai-studio runs one real-time voice conversation against a live
// inference endpoint using the local microphone and speaker, recording the
// conversation when it ends.
//
// Usage:
//
//	vai-studio run --profile coach.yaml --store sqlite
//	vai-studio migrate --store postgres --dsn postgres://...
//
// Keys while running:
//
//	p  pause (close the session, keep the conversation)
//	r  resume
//	f  refresh the session now
//	s  print status
//	q  end the conversation
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/internal/dotenv"
)

type globalOptions struct {
	logLevel string
	logJSON  bool
}

type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

func newRootCmd(s streams) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "vai-studio",
		Short:         "Real-time voice conversations with session rotation and recording",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(s.in)
	root.SetOut(s.out)
	root.SetErr(s.err)
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug|info|warn|error (default from VAI_STUDIO_LOG_LEVEL)")
	root.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "log as JSON")

	root.AddCommand(newRunCmd(opts, s))
	root.AddCommand(newMigrateCmd(opts, s))
	return root
}

func newLogger(w io.Writer, level string, json bool) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: parseLevel(level)}
	if json {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runMain(ctx context.Context, args []string, s streams) int {
	if s.err == nil {
		s.err = os.Stderr
	}
	if err := dotenv.LoadFiles(".env.local", ".env"); err != nil {
		fmt.Fprintf(s.err, "vai-studio: %v\n", err)
		return 1
	}

	root := newRootCmd(s)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(s.err, "vai-studio: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], streams{in: os.Stdin, out: os.Stdout, err: os.Stderr}))
}
