package conversion

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/moduleconv/internal/models"
)

// DefaultSystemPrompt is used when a template defines none.
const DefaultSystemPrompt = `You are an expert code converter and software architect.
Your task is to convert code following the specified template rules.

Guidelines:
- Maintain the original functionality
- Follow best practices for the target language
- Add appropriate error handling
- Include type hints where applicable
- Generate clean, readable code
- Add comments for complex logic

Output only the converted code without explanations.`

// BuildConversionPrompt renders the user prompt of the transform step. A
// template's ConversionPromptTemplate has its {{key}} placeholders replaced
// with the job's input parameters, and {{content}} with the uploaded source
// unless a content parameter is given. Otherwise a structured default is
// built from the prepared context.
func BuildConversionPrompt(tpl models.Template, prepared map[string]any) string {
	params, _ := prepared["input_parameters"].(map[string]any)
	content, _ := prepared["source_content"].(string)

	if tpl.ConversionPromptTemplate != "" {
		pairs := make([]string, 0, len(params)*2+2)
		for k, v := range params {
			pairs = append(pairs, "{{"+k+"}}", fmt.Sprint(v))
		}
		if _, ok := params["content"]; !ok {
			pairs = append(pairs, "{{content}}", content)
		}
		return strings.NewReplacer(pairs...).Replace(tpl.ConversionPromptTemplate)
	}

	var b strings.Builder
	b.WriteString("Convert the following code according to these specifications:\n\n")
	fmt.Fprintf(&b, "Target Module: %s\n", orUnknown(prepared["package_name"]))
	fmt.Fprintf(&b, "Module Type: %s\n\n", orUnknown(prepared["module_type"]))
	writeSection(&b, "Conversion Rules", prepared["conversion_rules"])
	writeSection(&b, "Input Parameters", withoutContent(params, content))
	writeSection(&b, "Source Analysis", prepared["source_analysis"])
	if content != "" {
		b.WriteString("Source Code:\n```\n")
		b.WriteString(strings.TrimRight(content, "\n"))
		b.WriteString("\n```\n\n")
	}
	b.WriteString("Please generate the converted code.")
	return b.String()
}

// withoutContent drops the content parameter when it is already rendered as
// the source code section.
func withoutContent(params map[string]any, content string) map[string]any {
	if content == "" {
		return params
	}
	if v, ok := params["content"].(string); !ok || v != content {
		return params
	}
	out := make(map[string]any, len(params)-1)
	for k, v := range params {
		if k != "content" {
			out[k] = v
		}
	}
	return out
}

func orUnknown(v any) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return "unknown"
}

// writeSection renders v as YAML. Map keys come out sorted.
func writeSection(b *strings.Builder, title string, v any) {
	fmt.Fprintf(b, "%s:\n", title)
	body := "{}"
	if v != nil {
		if out, err := yaml.Marshal(v); err == nil && len(strings.TrimSpace(string(out))) > 0 {
			body = strings.TrimRight(string(out), "\n")
		}
	}
	if body == "null" {
		body = "{}"
	}
	b.WriteString(body)
	b.WriteString("\n\n")
}
