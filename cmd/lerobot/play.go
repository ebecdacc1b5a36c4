package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"

	"github.com/gwillem/lerobot-hub/pkg/recording"
)

type PlayCommand struct {
	Speed float64 `short:"s" long:"speed" default:"1" description:"Playback speed multiplier"`
	Args  struct {
		Recording string `positional-arg-name:"recording" description:"Recording id"`
	} `positional-args:"yes" required:"yes"`
}

func (c *PlayCommand) Execute(args []string) error {
	h, err := openHub(opts.Config)
	if err != nil {
		return err
	}
	defer h.close()

	rec, err := h.recorder()
	if err != nil {
		return err
	}
	r, err := rec.Get(c.Args.Recording)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := h.connect(ctx, r.RobotID, false); err != nil {
		return err
	}

	fmt.Println(subHeaderStyle.Render(fmt.Sprintf("Playing %q on %s at %.1fx", r.Name, r.RobotID, c.Speed)))
	total := len(r.Frames)
	err = rec.Playback(ctx, r.ID, c.Speed, func(i int, f recording.Frame) {
		fmt.Printf("\r%s %d/%d  %.1fs", progressBar(i+1, total, 30), i+1, total, f.Timestamp)
	})
	fmt.Println()
	if errors.Is(err, context.Canceled) {
		fmt.Println(dimStyle.Render("Playback interrupted."))
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println(successStyle.Render("Playback completed."))
	return nil
}

func progressBar(done, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}
	filled := done * width / total
	return successStyle.Render(strings.Repeat("█", filled)) + dimStyle.Render(strings.Repeat("░", width-filled))
}
