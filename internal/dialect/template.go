package dialect

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
)

var cache sync.Map // template text -> *template.Template

func parse(text string) (*template.Template, error) {
	if t, ok := cache.Load(text); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("cmd").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", text, err)
	}
	cache.Store(text, t)
	return t, nil
}

// Render expands one command template. An empty template renders to "".
func Render(text string, p Params) (string, error) {
	if text == "" {
		return "", nil
	}
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := parse(text)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := t.Execute(&b, p); err != nil {
		return "", fmt.Errorf("render command %q: %w", text, err)
	}
	return b.String(), nil
}
