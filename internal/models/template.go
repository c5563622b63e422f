package models

import (
	"strings"
	"time"
)

// ModuleType classifies the module a template produces.
type ModuleType string

const (
	ModuleTypeCore         ModuleType = "core"
	ModuleTypeDomain       ModuleType = "domain"
	ModuleTypeReporting    ModuleType = "reporting"
	ModuleTypeDocuments    ModuleType = "documents"
	ModuleTypeAdapters     ModuleType = "adapters"
	ModuleTypeIntegrations ModuleType = "integrations"
)

// Template describes how a source artifact is converted into a module.
type Template struct {
	ID                       string         `json:"id" yaml:"id"`
	Name                     string         `json:"name" yaml:"name"`
	Description              string         `json:"description,omitempty" yaml:"description,omitempty"`
	ModuleType               ModuleType     `json:"module_type" yaml:"module_type"`
	PackageName              string         `json:"package_name" yaml:"package_name"`
	SourceSpec               map[string]any `json:"source_spec,omitempty" yaml:"source_spec,omitempty"`
	TargetSpec               map[string]any `json:"target_spec,omitempty" yaml:"target_spec,omitempty"`
	ConversionRules          map[string]any `json:"conversion_rules,omitempty" yaml:"conversion_rules,omitempty"`
	SystemPrompt             string         `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	ConversionPromptTemplate string         `json:"conversion_prompt_template,omitempty" yaml:"conversion_prompt_template,omitempty"`
	ValidationSchema         map[string]any `json:"validation_schema,omitempty" yaml:"validation_schema,omitempty"`
	IsActive                 bool           `json:"is_active" yaml:"is_active"`
	IsPublic                 bool           `json:"is_public" yaml:"is_public"`
	TenantID                 string         `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	CreatedAt                time.Time      `json:"created_at" yaml:"-"`
}

var languageExtensions = map[string]string{
	"go":         "go",
	"golang":     "go",
	"python":     "py",
	"typescript": "ts",
	"javascript": "js",
	"java":       "java",
	"kotlin":     "kt",
	"rust":       "rs",
	"csharp":     "cs",
	"ruby":       "rb",
}

// FileExtension returns the extension for generated files, derived from
// TargetSpec["language"]. Unknown or missing languages yield "py".
func (t Template) FileExtension() string {
	lang, _ := t.TargetSpec["language"].(string)
	if ext, ok := languageExtensions[strings.ToLower(lang)]; ok {
		return ext
	}
	return "py"
}
