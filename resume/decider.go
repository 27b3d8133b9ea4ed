package resume

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Decider answers a resume offer.
type Decider interface {
	Decide(ctx context.Context, offer Offer) (bool, error)
}

// Mode selects a built-in decider.
type Mode string

const (
	ModePrompt Mode = "prompt"
	ModeAuto   Mode = "auto"
	ModeNever  Mode = "never"
)

// ParseMode parses a decider mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePrompt, "":
		return ModePrompt, nil
	case ModeAuto:
		return ModeAuto, nil
	case ModeNever:
		return ModeNever, nil
	default:
		return "", fmt.Errorf("invalid resume mode %q (must be prompt, auto, or never)", s)
	}
}

// Auto accepts every offer.
type Auto struct{}

// Decide implements Decider.
func (Auto) Decide(context.Context, Offer) (bool, error) { return true, nil }

// Never rejects every offer.
type Never struct{}

// Decide implements Decider.
func (Never) Decide(context.Context, Offer) (bool, error) { return false, nil }

// Prompt asks on a terminal. Anything but y/yes declines.
type Prompt struct {
	In  io.Reader
	Out io.Writer
}

// Decide implements Decider. It returns ctx.Err() if the context ends
// before an answer arrives.
func (p Prompt) Decide(ctx context.Context, offer Offer) (bool, error) {
	total := "?"
	if offer.Snapshot != nil && offer.Snapshot.TotalPasses > 0 {
		total = fmt.Sprint(offer.Snapshot.TotalPasses)
	}
	pass := 0
	if offer.Snapshot != nil {
		pass = offer.Snapshot.Pass
	}
	if offer.Error != "" {
		_, _ = fmt.Fprintf(p.Out, "Job %s failed: %s\n", offer.JobID, offer.Error)
	}
	_, _ = fmt.Fprintf(p.Out, "Pass %d of %s completed. Resume from pass %d? [y/N] ", pass, total, offer.NextPass())

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(p.In).ReadString('\n')
		answer <- line
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

// NewDecider returns the decider for a mode.
func NewDecider(mode Mode, in io.Reader, out io.Writer) Decider {
	switch mode {
	case ModeAuto:
		return Auto{}
	case ModeNever:
		return Never{}
	default:
		return Prompt{In: in, Out: out}
	}
}
