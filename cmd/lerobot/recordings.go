package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

type RecordingsCommand struct {
	Args struct {
		Robot string `positional-arg-name:"robot" description:"Robot id"`
	} `positional-args:"yes" required:"yes"`
}

func (c *RecordingsCommand) Execute(args []string) error {
	h, err := openHub(opts.Config)
	if err != nil {
		return err
	}
	defer h.close()

	rec, err := h.recorder()
	if err != nil {
		return err
	}
	list, err := rec.List(c.Args.Robot)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println(dimStyle.Render(fmt.Sprintf("No recordings for %s", c.Args.Robot)))
		return nil
	}

	rows := make([][]string, 0, len(list))
	for _, m := range list {
		rows = append(rows, []string{
			m.ID,
			m.Name,
			fmt.Sprintf("%d", m.FrameCount),
			fmt.Sprintf("%.1fs", m.Duration),
			m.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}

	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "Name", "Frames", "Duration", "Created").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return cellStyle
		})
	fmt.Println(t.Render())
	return nil
}
