package loadspec

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var templateRefPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// templateRefs returns the {{name}} references in a template string.
func templateRefs(s string) []string {
	var names []string
	for _, m := range templateRefPattern.FindAllStringSubmatch(s, -1) {
		names = append(names, m[1])
	}
	return names
}

// ExtractValue applies one correlation rule to a response body.
// The second return is false when the path matches nothing.
func ExtractValue(body []byte, rule CorrelationRule) (string, bool) {
	res := gjson.GetBytes(body, rule.Path)
	if !res.Exists() {
		return "", false
	}
	return res.String(), true
}

// ApplyValues substitutes {{name}} references in a template string with the
// values in the correlation map. Unresolved references are left in place so
// failures surface visibly in generated output.
func ApplyValues(template string, values map[string]string) string {
	return templateRefPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.Trim(match, "{} \t")
		if v, ok := values[name]; ok {
			return v
		}
		return match
	})
}
