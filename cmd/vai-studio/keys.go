package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/controller"
)

// conversation is the part of the controller the keyboard drives.
type conversation interface {
	Start(ctx context.Context) error
	Pause() error
	Reconnect() error
	Refresh() error
	Status() controller.Status
	Subscribe() (<-chan controller.Transition, func())
	Done() <-chan struct{}
}

// handleKey applies one key press. It reports whether the user asked to end.
func handleKey(c conversation, key byte, w io.Writer) (quit bool, err error) {
	switch key {
	case 'p', 'P':
		return false, c.Pause()
	case 'r', 'R':
		return false, c.Reconnect()
	case 'f', 'F':
		return false, c.Refresh()
	case 's', 'S':
		st := c.Status()
		fmt.Fprintf(w, "[status] %s", st.State)
		if st.Reason != "" {
			fmt.Fprintf(w, " (%s)", st.Reason)
		}
		fmt.Fprintf(w, " session=%s generation=%d retries=%d volume=%.2f\r\n", st.SessionID, st.Generation, st.RetryCount, st.Volume)
		return false, nil
	case 'q', 'Q', 0x03: // ctrl-c arrives as a byte in raw mode
		return true, nil
	}
	return false, nil
}

// readKeys forwards single bytes from r until it fails or done is closed.
func readKeys(r io.Reader, done <-chan struct{}) <-chan byte {
	keys := make(chan byte)
	go func() {
		defer close(keys)
		buf := make([]byte, 1)
		for {
			n, err := r.Read(buf)
			if n == 1 {
				select {
				case keys <- buf[0]:
				case <-done:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return keys
}

// rawMode switches a terminal stdin to raw mode and returns the restore
// function. Non-terminals are left alone.
func rawMode(in io.Reader) func() {
	f, ok := in.(*os.File)
	if !ok {
		return func() {}
	}
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}
	}
	return func() { _ = term.Restore(fd, state) }
}

// converse starts the conversation and drives it from the keyboard until the
// user quits, the input ends, or ctx is cancelled. It always ends the
// conversation and reports the recording.
func converse(ctx context.Context, c *controller.Controller, s streams, logger *slog.Logger) error {
	err := drive(ctx, c, s)
	res, ok := <-c.End()
	switch {
	case !ok:
	case res.Err != nil:
		logger.Error("recording handoff failed", "err", res.Err)
	case res.Empty:
		fmt.Fprint(s.out, "nothing was recorded\r\n")
	default:
		fmt.Fprintf(s.out, "recording saved: %s (%d bytes, %d frames), transcript: %s\r\n", res.Media.Key, res.Bytes, res.Frames, res.Transcript.Key)
	}
	return err
}

func drive(ctx context.Context, c conversation, s streams) error {
	restore := rawMode(s.in)
	defer restore()

	transitions, unsubscribe := c.Subscribe()
	defer unsubscribe()

	if err := c.Start(ctx); err != nil {
		return err
	}
	fmt.Fprint(s.out, "listening: p pause, r resume, f refresh, s status, q quit\r\n")

	done := make(chan struct{})
	defer close(done)
	var keys <-chan byte
	if s.in != nil {
		keys = readKeys(s.in, done)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return nil
		case tr, ok := <-transitions:
			if !ok {
				return nil
			}
			fmt.Fprintf(s.out, "[%s] %s -> %s", tr.At.Format("15:04:05"), tr.From, tr.To)
			if tr.Reason != "" {
				fmt.Fprintf(s.out, " (%s)", tr.Reason)
			}
			fmt.Fprint(s.out, "\r\n")
		case key, ok := <-keys:
			if !ok {
				keys = nil
				continue
			}
			quit, err := handleKey(c, key, s.out)
			if quit {
				return nil
			}
			if err != nil && !errors.Is(err, controller.ErrNotActive) {
				fmt.Fprintf(s.out, "[!] %v\r\n", err)
			}
		}
	}
}
