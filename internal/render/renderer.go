// Package render merges subscriber data and selected content into email
// subject and body text. Rendering is pure: no I/O, no clock reads, and
// byte-identical output for identical inputs. Tracking URLs are minted by the
// queue processor and arrive here already rewritten.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"

	"mailloop/internal/types"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// RenderedEmail holds the pre-rendered email content ready for transmission.
type RenderedEmail struct {
	Subject  string
	BodyHTML string
	BodyText string
}

// Options carries the site-wide rendering inputs applied to every outgoing
// message plus the per-message tracking URLs.
type Options struct {
	SiteTitle      string
	HeaderText     string
	FooterText     string
	PreferencesURL string // already tokenized by the processor
	PixelURL       string // open-pixel URL; empty omits the pixel

	// Category labels for the two placeholder groups, resolved by the
	// caller from the external catalog.
	NewsCategoryLabels  []string
	EventCategoryLabels []string
}

// Item is a content item with its link already rewritten to the tracking
// redirect. Grouped under the category label it belongs to.
type Item struct {
	Title    string
	URL      string
	Summary  string
	Category string
}

// templateData is the struct passed into templates for rendering. All
// placeholder fields resolve to the empty string rather than failing when
// data is absent.
type templateData struct {
	Subject         string
	DisplayName     string
	CadenceLabel    string
	SiteTitle       string
	HeaderText      string
	FooterText      string
	PreferencesURL  string
	PixelURL        string
	NewsCategories  string // comma-joined labels
	EventCategories string
	Items           []Item
	HasItems        bool
}

// subjectsByKind maps notification kinds to their subject line template.
// Digest subjects get the cadence label and site title filled in.
var subjectsByKind = map[types.NotificationKind]string{
	types.KindWelcome:            "Welcome",
	types.KindWelcomeBack:        "Welcome back",
	types.KindPreferencesUpdated: "Your notification preferences were updated",
	types.KindDigestDaily:        "Your daily digest",
	types.KindDigestWeekly:       "Your weekly digest",
	types.KindDigestMonthly:      "Your monthly digest",
}

// templateNameByKind maps kinds to their template file basename. The three
// digest kinds share one template; the cadence label differentiates them.
var templateNameByKind = map[types.NotificationKind]string{
	types.KindWelcome:            "welcome",
	types.KindWelcomeBack:        "welcome_back",
	types.KindPreferencesUpdated: "preferences_updated",
	types.KindDigestDaily:        "digest",
	types.KindDigestWeekly:       "digest",
	types.KindDigestMonthly:      "digest",
}

// Renderer performs template rendering using Go templates parsed from
// embedded files at construction time.
type Renderer struct {
	htmlTemplates map[string]*template.Template
	textTemplates map[string]*texttemplate.Template
}

// NewRenderer parses the embedded templates and returns a Renderer.
// Returns an error if any template fails to parse.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		htmlTemplates: make(map[string]*template.Template),
		textTemplates: make(map[string]*texttemplate.Template),
	}

	baseHTML, err := templateFS.ReadFile("templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("render: failed to read base.html: %w", err)
	}

	for _, name := range []string{"welcome", "welcome_back", "preferences_updated", "digest"} {
		htmlContent, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.html", name))
		if err != nil {
			return nil, fmt.Errorf("render: failed to read %s.html: %w", name, err)
		}
		htmlTmpl, err := template.New("base").Parse(string(baseHTML))
		if err != nil {
			return nil, fmt.Errorf("render: failed to parse base.html: %w", err)
		}
		if _, err := htmlTmpl.Parse(string(htmlContent)); err != nil {
			return nil, fmt.Errorf("render: failed to parse %s.html: %w", name, err)
		}
		r.htmlTemplates[name] = htmlTmpl

		txtContent, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.txt", name))
		if err != nil {
			return nil, fmt.Errorf("render: failed to read %s.txt: %w", name, err)
		}
		txtTmpl, err := texttemplate.New(name).Parse(string(txtContent))
		if err != nil {
			return nil, fmt.Errorf("render: failed to parse %s.txt: %w", name, err)
		}
		r.textTemplates[name] = txtTmpl
	}

	return r, nil
}

// Render produces the subject and bodies for a notification. Digest bodies
// enumerate the provided items; an empty item list renders the "nothing new"
// fallback block instead of an empty section.
func (r *Renderer) Render(kind types.NotificationKind, sub *types.Subscriber, items []Item, opts Options) (*RenderedEmail, error) {
	if sub == nil {
		return nil, fmt.Errorf("render: subscriber is nil")
	}

	name, ok := templateNameByKind[kind]
	if !ok {
		return nil, fmt.Errorf("render: no template for kind %q", kind)
	}

	data := buildTemplateData(kind, sub, items, opts)

	var htmlBuf bytes.Buffer
	if err := r.htmlTemplates[name].Execute(&htmlBuf, data); err != nil {
		return nil, fmt.Errorf("render: failed to render HTML for %q: %w", kind, err)
	}

	var txtBuf bytes.Buffer
	if err := r.textTemplates[name].Execute(&txtBuf, data); err != nil {
		return nil, fmt.Errorf("render: failed to render text for %q: %w", kind, err)
	}

	return &RenderedEmail{
		Subject:  data.Subject,
		BodyHTML: htmlBuf.String(),
		BodyText: txtBuf.String(),
	}, nil
}

// buildTemplateData assembles the placeholder values. Absent data yields
// empty strings, never an error.
func buildTemplateData(kind types.NotificationKind, sub *types.Subscriber, items []Item, opts Options) templateData {
	subject := subjectsByKind[kind]
	if subject == "" {
		subject = string(kind)
	}
	if opts.SiteTitle != "" {
		subject = fmt.Sprintf("%s from %s", subject, opts.SiteTitle)
	}

	cadence := ""
	if sub.Cadence.Valid() {
		cadence = sub.Cadence.Label()
	}

	return templateData{
		Subject:         subject,
		DisplayName:     sub.DisplayName,
		CadenceLabel:    cadence,
		SiteTitle:       opts.SiteTitle,
		HeaderText:      opts.HeaderText,
		FooterText:      opts.FooterText,
		PreferencesURL:  opts.PreferencesURL,
		PixelURL:        opts.PixelURL,
		NewsCategories:  strings.Join(opts.NewsCategoryLabels, ", "),
		EventCategories: strings.Join(opts.EventCategoryLabels, ", "),
		Items:           items,
		HasItems:        len(items) > 0,
	}
}
