package template

import (
	"regexp"
	"strings"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/recipient"
	"github.com/goccy/go-json"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Render substitutes {{variable}} placeholders in a prompt template with the
// recipient's fields. Lookup is case-insensitive. Unresolved placeholders are
// left in place and reported back so the caller can log them; rendering never
// fails the dispatch.
func Render(promptTemplate string, r *recipient.Recipient) (string, []string) {
	if promptTemplate == "" {
		return "", nil
	}

	variables := buildVariables(r)

	var unresolved []string

	rendered := placeholderPattern.ReplaceAllStringFunc(promptTemplate, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]

		value, ok := variables[strings.ToLower(name)]
		if !ok {
			unresolved = append(unresolved, name)
			return match
		}

		return value
	})

	return rendered, unresolved
}

func buildVariables(r *recipient.Recipient) map[string]string {
	fullName := strings.TrimSpace(r.FirstName + " " + r.LastName)

	variables := map[string]string{
		"first_name": r.FirstName,
		"firstname":  r.FirstName,
		"last_name":  r.LastName,
		"lastname":   r.LastName,
		"full_name":  fullName,
		"fullname":   fullName,
		"name":       fullName,
		"email":      r.Email,
		"company":    r.Company,
		"phone":      r.PhoneNumber,
	}

	if len(r.Variables) > 0 {
		var custom map[string]string

		err := json.Unmarshal(r.Variables, &custom)
		if err == nil {
			for key, value := range custom {
				variables[strings.ToLower(key)] = value
			}
		}
	}

	return variables
}
