package helpers

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/tidwall/pretty"
)

// WriteJSON renders v as indented JSON, colorized when the writer is a
// terminal that wants color.
func WriteJSON(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	return WriteRawJSON(w, raw)
}

// WriteRawJSON pretty-prints already-encoded JSON.
func WriteRawJSON(w io.Writer, raw []byte) error {
	out := pretty.Pretty(raw)
	if shouldColorize(w) {
		out = pretty.Color(out, nil)
	}
	_, err := w.Write(out)
	return err
}

func shouldColorize(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// FormatAge renders the elapsed time since t in the coarse form used by
// the tenant tables; the zero time renders as a dash.
func FormatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	}
}
