package digestsvc

import (
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/daybook-hq/daybook/internal/domain/digest"
)

const textBody = `Hello {{.Recipient.Name}},

here is your {{.Cadence}} Daybook digest.
{{range .Groups}}
{{.ProjectName}}
{{range .Events}}  - {{.Message}}
{{end}}{{end}}
Too many emails? Unsubscribe: {{.UnsubscribeURL}}

— Daybook
`

const htmlBody = `<html><body>
<p>Hello {{.Recipient.Name}},</p>
<p>here is your {{.Cadence}} Daybook digest.</p>
{{range .Groups}}<h3>{{.ProjectName}}</h3>
<ul>
{{range .Events}}<li>{{.Message}}</li>
{{end}}</ul>
{{end}}<p style="color:#888;font-size:12px">
Too many emails? <a href="{{.UnsubscribeURL}}">Unsubscribe</a>.
</p>
</body></html>
`

// TemplateRenderer is the default Renderer: embedded text and HTML
// templates parsed once at construction.
type TemplateRenderer struct {
	text *texttemplate.Template
	html *htmltemplate.Template
}

var _ digest.Renderer = (*TemplateRenderer)(nil)

func NewTemplateRenderer() (*TemplateRenderer, error) {
	tt, err := texttemplate.New("digest_text").Parse(textBody)
	if err != nil {
		return nil, fmt.Errorf("parse text template: %w", err)
	}
	ht, err := htmltemplate.New("digest_html").Parse(htmlBody)
	if err != nil {
		return nil, fmt.Errorf("parse html template: %w", err)
	}
	return &TemplateRenderer{text: tt, html: ht}, nil
}

func (t *TemplateRenderer) Render(d *digest.Prepared) (subject, html, text string, err error) {
	subject = fmt.Sprintf("Your %s digest: %d update%s in %d project%s",
		d.Cadence,
		d.EventCount(), plural(d.EventCount()),
		len(d.Groups), plural(len(d.Groups)),
	)

	var tb strings.Builder
	if err := t.text.Execute(&tb, d); err != nil {
		return "", "", "", fmt.Errorf("render text body: %w", err)
	}
	var hb strings.Builder
	if err := t.html.Execute(&hb, d); err != nil {
		return "", "", "", fmt.Errorf("render html body: %w", err)
	}
	return subject, hb.String(), tb.String(), nil
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
