// Package views renders the HTML pages served next to the JSON API.
package views

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/a-h/templ"

	"github.com/mbrock/execd/internal/command"
)

const style = `body { font-family: ui-monospace, monospace; margin: 2rem; }
table { border-collapse: collapse; }
th, td { padding: 0.25rem 0.75rem; text-align: left; border-bottom: 1px solid #ddd; }
.running { color: #0a0; }
.failed { color: #c00; }`

// CommandsPage lists commands, newest first, with their state and log size.
func CommandsPage(infos []command.Info, activeStreams int64) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>execd</title><style>%s</style></head><body>", style); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "<h1>Commands</h1><p>%d active streams</p>", activeStreams); err != nil {
			return err
		}
		if len(infos) == 0 {
			_, err := io.WriteString(w, "<p>No commands.</p></body></html>")
			return err
		}
		if _, err := io.WriteString(w, "<table><thead><tr><th>ID</th><th>Command</th><th>State</th><th>Exit</th><th>Started</th><th>Output</th></tr></thead><tbody>"); err != nil {
			return err
		}
		for _, info := range infos {
			if err := commandRow(info).Render(ctx, w); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "</tbody></table></body></html>")
		return err
	})
}

func commandRow(info command.Info) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		class, exit := "running", ""
		if info.ExitCode != nil {
			exit = strconv.Itoa(*info.ExitCode)
			class = ""
			if *info.ExitCode != 0 {
				class = "failed"
			}
		}
		logs := templ.EscapeString("/command/" + info.ID + "/logs")
		_, err := fmt.Fprintf(w,
			"<tr><td><a href=\"%s\">%s</a></td><td>%s</td><td class=\"%s\">%s</td><td>%s</td><td>%s</td><td>%d bytes</td></tr>",
			logs,
			templ.EscapeString(info.ID),
			templ.EscapeString(info.Command),
			class,
			templ.EscapeString(string(info.State)),
			exit,
			info.StartedAt.Format(time.DateTime),
			info.LogSize,
		)
		return err
	})
}
