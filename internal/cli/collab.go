package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/roach88/waypoint/internal/arbiter"
)

// terminalCollab renders notification side effects as stdout lines, the
// run command's stand-in for platform audio/toast surfaces.
type terminalCollab struct {
	out io.Writer
}

func (t terminalCollab) Play(ctx context.Context) error {
	fmt.Fprintln(t.out, "[chime]")
	return nil
}

func (t terminalCollab) Speak(ctx context.Context, text string) error {
	fmt.Fprintf(t.out, "[announce] %s\n", text)
	return nil
}

func (t terminalCollab) Show(ctx context.Context, n arbiter.Notice) error {
	fmt.Fprintf(t.out, "[notify] %s - %s (%s)\n", n.Title, n.Description, n.ActionLabel)
	return nil
}
