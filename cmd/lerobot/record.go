package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/gwillem/lerobot-hub/pkg/recording"
)

type RecordCommand struct {
	Name string `short:"n" long:"name" description:"Recording name (prompted when omitted)"`
	Args struct {
		Robot string `positional-arg-name:"robot" description:"Robot id to record from"`
	} `positional-args:"yes" required:"yes"`
}

func (c *RecordCommand) Execute(args []string) error {
	h, err := openHub(opts.Config)
	if err != nil {
		return err
	}
	defer h.close()

	rec, err := h.recorder()
	if err != nil {
		return err
	}
	defer rec.Shutdown()

	ctx := context.Background()
	if _, err := h.connect(ctx, c.Args.Robot, false); err != nil {
		return err
	}

	id, err := rec.Start(ctx, c.Args.Robot)
	if err != nil {
		return err
	}
	fmt.Println(subHeaderStyle.Render(fmt.Sprintf("Recording %s", c.Args.Robot)))
	fmt.Println(dimStyle.Render(fmt.Sprintf("Sampling at %d Hz", h.server.SampleRate)))
	waitForUser("Move the arm, then press Enter to stop.")

	name := c.Name
	if name == "" {
		err := huh.NewInput().
			Title("Recording name").
			Placeholder(recording.DefaultName).
			Value(&name).
			Run()
		if err != nil {
			name = ""
		}
	}

	saved, err := rec.Stop(ctx, id, name)
	if err != nil {
		return err
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("Saved %q (%s)", saved.Name, saved.ID)))
	fmt.Printf("  %d frames, %.1fs\n", len(saved.Frames), saved.Duration)
	return nil
}
