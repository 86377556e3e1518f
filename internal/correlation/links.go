// Package correlation derives external viewer locators from a check's
// correlation ids. Derivation is pure: no id means no locator.
package correlation

import (
	"net/url"
	"strings"

	"prime-checker/internal/models"
)

const placeholder = "{id}"

// Links are the locators for one check. Empty fields mean no locator.
type Links struct {
	Trace string `json:"trace,omitempty"`
	Mail  string `json:"mail,omitempty"`
}

// Empty reports whether neither locator is present.
func (l Links) Empty() bool {
	return l.Trace == "" && l.Mail == ""
}

// Linker renders locators from URL templates containing {id}. A template
// without the placeholder gets the id appended.
type Linker struct {
	traceTemplate string
	mailTemplate  string
}

// NewLinker builds a Linker; empty templates disable the matching locator.
func NewLinker(traceTemplate, mailTemplate string) Linker {
	return Linker{traceTemplate: traceTemplate, mailTemplate: mailTemplate}
}

// Links derives both locators for c.
func (l Linker) Links(c models.Check) Links {
	return Links{
		Trace: l.TraceURL(c.TraceID),
		Mail:  l.MailURL(c.MessageID),
	}
}

// TraceURL locates a distributed trace by id.
func (l Linker) TraceURL(traceID string) string {
	return render(l.traceTemplate, traceID)
}

// MailURL locates a delivered notification by message id.
func (l Linker) MailURL(messageID string) string {
	return render(l.mailTemplate, messageID)
}

// render substitutes id into tmpl, escaping it for the URL part it lands in.
func render(tmpl, id string) string {
	id = strings.TrimSpace(id)
	if tmpl == "" || id == "" {
		return ""
	}
	i := strings.Index(tmpl, placeholder)
	if i < 0 {
		i = len(tmpl)
		tmpl += placeholder
	}
	escaped := url.PathEscape(id)
	if q := strings.Index(tmpl, "?"); q >= 0 && q < i {
		escaped = url.QueryEscape(id)
	}
	return tmpl[:i] + escaped + tmpl[i+len(placeholder):]
}
