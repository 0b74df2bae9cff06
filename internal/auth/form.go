package auth

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"
)

// loginForm carries the hidden anti-CSRF/flow fields of the CAS login page.
// The page schema is unversioned; extraction is isolated here so a silent
// remote change surfaces as ErrPageStructureChanged in exactly one place.
type loginForm struct {
	Type      string
	Execution string
	EventID   string
}

func extractLoginForm(page []byte) (loginForm, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return loginForm{}, fmt.Errorf("parse login page: %w", err)
	}

	var form loginForm
	var ok bool

	if form.Type, ok = hiddenValue(doc, "type"); !ok {
		return loginForm{}, fmt.Errorf("hidden field %q missing: %w", "type", ErrPageStructureChanged)
	}
	if form.Execution, ok = hiddenValue(doc, "execution"); !ok {
		return loginForm{}, fmt.Errorf("hidden field %q missing: %w", "execution", ErrPageStructureChanged)
	}
	if form.EventID, ok = hiddenValue(doc, "_eventId"); !ok {
		return loginForm{}, fmt.Errorf("hidden field %q missing: %w", "_eventId", ErrPageStructureChanged)
	}

	return form, nil
}

func hiddenValue(doc *goquery.Document, name string) (string, bool) {
	sel := doc.Find(fmt.Sprintf(`input[name=%q]`, name)).First()
	if sel.Length() == 0 {
		return "", false
	}
	return sel.AttrOr("value", ""), true
}
