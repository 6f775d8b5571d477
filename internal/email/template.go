package email

import (
	"fmt"
	"os"
	"strings"
)

// RenderTemplate replaces every {{key}} placeholder in content with its value.
// Replacement is a single pass, so values are never re-expanded.
func RenderTemplate(content string, vars map[string]string) string {
	if len(vars) == 0 {
		return content
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(content)
}

// RenderTemplateFile reads path and renders it with vars.
func RenderTemplateFile(path string, vars map[string]string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: template %s: %v", ErrResource, path, err)
	}
	return RenderTemplate(string(data), vars), nil
}
