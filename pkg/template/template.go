// Package template renders work-item parameter templates against the data
// carried by the work item itself plus the process environment.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/procflow/procflow/pkg/models"
)

// RenderWorkItem renders input against a work item's parameters and identity.
// Templates see .params, .workitem and .env.
func RenderWorkItem(input string, wi *models.WorkItem) (any, error) {
	data := map[string]any{
		"params": wi.Parameters,
		"env":    getEnvVars(),
		"workitem": map[string]any{
			"id":                  wi.ID,
			"name":                wi.Name,
			"process_instance_id": wi.ProcessInstanceID,
			"node_instance_id":    wi.NodeInstanceID,
		},
	}

	return Render(input, data)
}

// Render evaluates a text/template expression and coerces the result: JSON
// objects and arrays decode to maps and slices, numeric and boolean strings
// to their typed values, everything else stays a string.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("render").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"rand": func(max int) int {
				if max <= 0 {
					return 0
				}
				num := make([]byte, 1)
				_, err := rand.Read(num)
				if err != nil {
					return 0
				}

				return int(num[0]) % max
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// Validate reports whether input is a parseable template without executing it.
func Validate(input string) error {
	_, err := template.New("validate").Parse(input)
	if err != nil {
		return fmt.Errorf("failed to parse template '%s': %w", input, err)
	}

	return nil
}

// getEnvVars returns environment variables as a map.
func getEnvVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
