package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pewpost/internal/config"
	"pewpost/internal/delivery"
	"pewpost/internal/escape"
	"pewpost/internal/markup"
	"pewpost/internal/segment"
)

var splitFlags struct {
	text, file string
	mode       string
	limit      int
	plain      bool
	title, url string
	format     string
}

// splitCmd shows the chunks a send would produce. It never contacts
// Telegram.
var splitCmd = &cobra.Command{
	Use:   "split",
	Short: "Print the chunks a message would be split into",
	RunE:  runSplit,
}

func init() {
	f := splitCmd.Flags()
	f.StringVar(&splitFlags.text, "text", "", "message text")
	f.StringVar(&splitFlags.file, "file", "", "read the text from a file, - for stdin")
	f.StringVar(&splitFlags.mode, "mode", "", "parse mode override: HTML or MarkdownV2")
	f.IntVar(&splitFlags.limit, "limit", 0, "message limit override")
	f.BoolVar(&splitFlags.plain, "plain", false, "treat the text literally")
	f.StringVar(&splitFlags.title, "title", "", "plan a structured post with this title instead of a text")
	f.StringVar(&splitFlags.url, "url", "", "link for the structured post")
	f.StringVar(&splitFlags.format, "format", "html", "body format of the structured post")
}

func runSplit(cmd *cobra.Command, args []string) error {
	text, err := readInput(cmd, splitFlags.text, splitFlags.file)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dc, err := config.ToDelivery(cfg)
	if err != nil {
		return err
	}
	if splitFlags.mode != "" {
		m, ok := escape.ParseMode(splitFlags.mode)
		if !ok {
			return fmt.Errorf("unknown mode %q", splitFlags.mode)
		}
		dc.ParseMode = m
	}
	if splitFlags.limit != 0 {
		if splitFlags.limit < segment.MinLimit {
			return fmt.Errorf("limit must be at least %d", segment.MinLimit)
		}
		dc.MessageLimit = splitFlags.limit
	}

	var chunks []segment.Chunk
	if splitFlags.title != "" || splitFlags.url != "" {
		format, ferr := markup.ParseFormat(splitFlags.format)
		if ferr != nil {
			return ferr
		}
		chunks, err = delivery.PlanItem(dc, delivery.Item{
			Title:  splitFlags.title,
			Body:   text,
			Format: format,
			URL:    splitFlags.url,
		})
	} else {
		chunks, err = delivery.PlanText(dc, text, splitFlags.plain)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, c := range chunks {
		fmt.Fprintf(out, "--- chunk %d/%d (%d visible, %d bytes) ---\n", i+1, len(chunks), c.VisibleLength, len(c.Text))
		fmt.Fprintln(out, c.Text)
	}
	return nil
}
