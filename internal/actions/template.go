package actions

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/formaplus/automatisations/pkg/automatisations/domain"
)

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"default": func(fallback, v any) any {
		if v == nil || v == "" {
			return fallback
		}
		return v
	},
}

// Render expands a text/template against the evaluation context. Missing
// fields render as the empty string.
func Render(name, text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tpl, err := template.New(name).Funcs(templateFuncs).Parse(text)
	if err != nil {
		return "", domain.NewConfigurationError("template %s: %v", name, err)
	}
	var sb strings.Builder
	if err := tpl.Execute(&sb, data); err != nil {
		return "", domain.NewConfigurationError("template %s: %v", name, err)
	}
	return strings.ReplaceAll(sb.String(), "<no value>", ""), nil
}

// RenderValue renders every string inside maps and slices of v.
func RenderValue(name string, v any, data map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return Render(name, t, data)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			r, err := RenderValue(fmt.Sprintf("%s.%s", name, k), item, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			r, err := RenderValue(fmt.Sprintf("%s[%d]", name, i), item, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

// RenderMap is RenderValue for the common map case.
func RenderMap(name string, m map[string]any, data map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	r, err := RenderValue(name, m, data)
	if err != nil {
		return nil, err
	}
	return r.(map[string]any), nil
}
