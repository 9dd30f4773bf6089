package templates

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Engine wraps a Liquid engine with the custom filters response templates
// use and a parsed-template cache keyed by template key.
type Engine struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewEngine creates an engine with all custom filters registered.
func NewEngine() *Engine {
	e := &Engine{engine: liquid.NewEngine()}
	e.registerFilters()
	return e
}

func (e *Engine) registerFilters() {
	// Fallback value: {{ name | default: "Friend" }}
	e.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	// {{ phone_number | phone_pretty }} renders 4025551234 as (402) 555-1234.
	// Anything that is not a bare 10 digit number passes through untouched.
	e.engine.RegisterFilter("phone_pretty", func(s string) string {
		digits := s
		if len(digits) == 11 && digits[0] == '1' {
			digits = digits[1:]
		}
		if len(digits) != 10 {
			return s
		}
		for i := 0; i < len(digits); i++ {
			if digits[i] < '0' || digits[i] > '9' {
				return s
			}
		}
		return fmt.Sprintf("(%s) %s-%s", digits[:3], digits[3:6], digits[6:])
	})

	// {{ contacts | join_lines }} joins a list one entry per line. Liquid's
	// built-in join cannot emit a newline separator from template text.
	e.engine.RegisterFilter("join_lines", func(items []string) string {
		return strings.Join(items, "\n")
	})
}

// Render fills template text with the given bindings. Parsed templates are
// cached by key so steady-state renders skip the parse step; pass an empty
// key to bypass the cache.
func (e *Engine) Render(key, text string, bindings map[string]interface{}) (string, error) {
	if key != "" {
		if cached, ok := e.cache.Load(key); ok {
			return cached.(*liquid.Template).RenderString(bindings)
		}
	}
	tpl, err := e.engine.ParseString(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	if key != "" {
		e.cache.Store(key, tpl)
	}
	return tpl.RenderString(bindings)
}

// Forget drops a cached template. Called after the stored text changes.
func (e *Engine) Forget(key string) {
	e.cache.Delete(key)
}
