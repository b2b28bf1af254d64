// Package report renders a verification run as Markdown and as a sanitized standalone HTML page
// that sits next to the screenshots it references.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"

	"github.com/kuitang/themecheck/internal/errs"
	"github.com/kuitang/themecheck/internal/logutil"
	"github.com/kuitang/themecheck/internal/verify"
)

const (
	MarkdownName = "report.md"
	HTMLName     = "report.html"

	maxErrorChars = 2000
)

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            line-height: 1.5;
            max-width: 960px;
            margin: 0 auto;
            padding: 2rem 1rem;
        }
        table { border-collapse: collapse; }
        th, td { border: 1px solid #e0e0e0; padding: 0.25rem 0.75rem; text-align: left; }
        img { max-width: 100%; border: 1px solid #e0e0e0; }
        pre { background: #f5f5f5; padding: 1rem; overflow-x: auto; }
    </style>
</head>
<body>
    <article>
{{.Content}}
    </article>
</body>
</html>`

var pageTemplate = template.Must(template.New("report").Parse(htmlTemplate))

type templateData struct {
	Title   string
	Content template.HTML
}

// Files are the paths Write produced.
type Files struct {
	Markdown string
	HTML     string
}

// Status returns "PASSED" or "FAILED".
func Status(res *verify.Result, runErr error) string {
	if runErr == nil && res != nil && res.Passed {
		return "PASSED"
	}
	return "FAILED"
}

// Markdown renders the run summary. res may be nil when the plan was rejected before running.
func Markdown(res *verify.Result, runErr error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Theme toggle verification: %s\n\n", Status(res, runErr))

	if res != nil {
		b.WriteString("| Field | Value |\n|---|---|\n")
		row := func(k, v string) {
			if v == "" {
				v = "-"
			}
			fmt.Fprintf(&b, "| %s | %s |\n", k, cell(v))
		}
		row("Run ID", res.RunID)
		row("Engine", res.Engine)
		row("Document", res.DocumentURL)
		row("Activation", string(res.Activation))
		row("Initial theme", res.InitialTheme)
		row("Final theme", res.FinalTheme)
		row("Started", res.StartedAt.Format(time.RFC3339))
		row("Duration", res.Duration.Round(time.Millisecond).String())
		b.WriteString("\n")

		if len(res.Steps) > 0 {
			b.WriteString("## Steps\n\n| Step | Duration (ms) |\n|---|---|\n")
			for _, s := range res.Steps {
				fmt.Fprintf(&b, "| %s | %.1f |\n", cell(s.Name), s.DurMS)
			}
			b.WriteString("\n")
		}

		if len(res.Artifacts) > 0 {
			b.WriteString("## Screenshots\n\n")
			for _, a := range res.Artifacts {
				fmt.Fprintf(&b, "### %s (%dx%d, %d bytes)\n\n![%s mode](%s)\n\n", a.Name(), a.Width, a.Height, a.Bytes, a.Label, a.Name())
			}
		}
	}

	if runErr != nil {
		b.WriteString("## Failure\n\n")
		fmt.Fprintf(&b, "Code: `%s`\n\n", errs.CodeOf(runErr))
		var stepErr *verify.StepError
		if errors.As(runErr, &stepErr) {
			fmt.Fprintf(&b, "Step: `%s`\n\n", stepErr.Step)
		}
		fmt.Fprintf(&b, "```\n%s\n```\n", logutil.TruncateForLog(strings.ReplaceAll(runErr.Error(), "```", "'''"), maxErrorChars))
	}
	return b.String()
}

// HTML renders Markdown output as a standalone page. Rendered content passes through
// bluemonday's UGC policy, since error text and URLs come from the page under test.
func HTML(title, md string) []byte {
	extensions := parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock
	p := parser.NewWithExtensions(extensions)
	doc := p.Parse([]byte(md))

	renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags})
	sanitized := bluemonday.UGCPolicy().SanitizeBytes(markdown.Render(doc, renderer))

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, templateData{Title: title, Content: template.HTML(sanitized)}); err != nil {
		return []byte("<!DOCTYPE html><html><head><title>Error</title></head><body><h1>Error rendering report</h1></body></html>")
	}
	return buf.Bytes()
}

// Write renders both formats into dir, replacing earlier reports.
func Write(dir string, res *verify.Result, runErr error) (Files, error) {
	md := Markdown(res, runErr)
	page := HTML("Theme toggle verification: "+Status(res, runErr), md)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return Files{}, errs.Wrap(errs.Internal, "create report dir", err)
	}
	files := Files{
		Markdown: filepath.Join(dir, MarkdownName),
		HTML:     filepath.Join(dir, HTMLName),
	}
	if err := os.WriteFile(files.Markdown, []byte(md), 0644); err != nil {
		return Files{}, errs.Wrap(errs.Internal, "write "+files.Markdown, err)
	}
	if err := os.WriteFile(files.HTML, page, 0644); err != nil {
		return Files{}, errs.Wrap(errs.Internal, "write "+files.HTML, err)
	}
	return files, nil
}

// cell escapes a value for a Markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
