package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pewpost/internal/app"
	"pewpost/internal/config"
	"pewpost/internal/delivery"
	"pewpost/internal/markup"
	"pewpost/internal/transport"
	logx "pewpost/pkg/logx"
)

var sendFlags struct {
	to, text, file string
	plain          bool
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one text message, split as needed",
	RunE:  runSend,
}

var itemFlags struct {
	to, title, body, bodyFile string
	format, url, image        string
}

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Send one structured post (title, body, link, image)",
	RunE:  runItem,
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendFlags.to, "to", "", "destination: @username, chat id, t.me link or configured name")
	f.StringVar(&sendFlags.text, "text", "", "message text (HTML unless parse_mode is MarkdownV2)")
	f.StringVar(&sendFlags.file, "file", "", "read the text from a file, - for stdin")
	f.BoolVar(&sendFlags.plain, "plain", false, "send the text literally, without reading markup")
	_ = sendCmd.MarkFlagRequired("to")

	f = itemCmd.Flags()
	f.StringVar(&itemFlags.to, "to", "", "destination: @username, chat id, t.me link or configured name")
	f.StringVar(&itemFlags.title, "title", "", "post title")
	f.StringVar(&itemFlags.body, "body", "", "post body")
	f.StringVar(&itemFlags.bodyFile, "body-file", "", "read the body from a file, - for stdin")
	f.StringVar(&itemFlags.format, "format", "html", "body format: html, markdown or text")
	f.StringVar(&itemFlags.url, "url", "", "link appended to the post")
	f.StringVar(&itemFlags.image, "image", "", "photo URL or file_id sent with the post")
	_ = itemCmd.MarkFlagRequired("to")
}

// readInput returns inline when set, otherwise the contents of path.
func readInput(cmd *cobra.Command, inline, path string) (string, error) {
	switch {
	case inline != "" && path != "":
		return "", errors.New("give either inline text or a file, not both")
	case inline != "":
		return inline, nil
	case path == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		return string(b), err
	case path != "":
		b, err := os.ReadFile(path)
		return string(b), err
	default:
		return "", nil
	}
}

// withDispatcher runs fn against a dispatcher built from the loaded config.
// Logs go to stderr so stdout carries only results.
func withDispatcher(cmd *cobra.Command, fn func(ctx context.Context, d *delivery.Dispatcher) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logx.NewConsole(cmd.ErrOrStderr(), cfg.Logging.Level)

	d, _, err := app.NewDispatcher(cfg, log.With(logx.String("comp", "delivery")))
	if err != nil {
		return err
	}
	if !d.Configured() {
		fmt.Fprintf(cmd.ErrOrStderr(), "no token (set %s); nothing will be sent\n", config.EnvToken)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return fn(ctx, d)
}

func runSend(cmd *cobra.Command, args []string) error {
	text, err := readInput(cmd, sendFlags.text, sendFlags.file)
	if err != nil {
		return err
	}
	return withDispatcher(cmd, func(ctx context.Context, d *delivery.Dispatcher) error {
		send := d.SendText
		if sendFlags.plain {
			send = d.SendPlain
		}
		id, err := send(ctx, sendFlags.to, text)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}

func runItem(cmd *cobra.Command, args []string) error {
	body, err := readInput(cmd, itemFlags.body, itemFlags.bodyFile)
	if err != nil {
		return err
	}
	format, err := markup.ParseFormat(itemFlags.format)
	if err != nil {
		return err
	}
	it := delivery.Item{
		Title:  itemFlags.title,
		Body:   body,
		Format: format,
		URL:    itemFlags.url,
		Image:  transport.PhotoSource{Ref: itemFlags.image},
	}
	return withDispatcher(cmd, func(ctx context.Context, d *delivery.Dispatcher) error {
		id, err := d.SendStructuredItem(ctx, itemFlags.to, it)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}
