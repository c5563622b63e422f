package models

import "strings"

// Staging defaults mirror the conventions of the GitHub integration.
const (
	DefaultBaseBranch      = "main"
	DefaultBranchPrefix    = "module-converter/"
	DefaultPRTitleTemplate = "[Module Converter] {module_name} - {action}"
	DefaultPRBodyTemplate  = "Automated module conversion\n\nJob ID: {job_id}"
	DefaultGitHubAPIBase   = "https://api.github.com"
)

// DefaultLabels are applied to staged pull requests when a target sets none.
var DefaultLabels = []string{"module-converter", "automated"}

// StagingTarget is a repository that receives generated modules as pull requests.
type StagingTarget struct {
	ID                    string   `json:"id" yaml:"id"`
	Name                  string   `json:"name" yaml:"name"`
	Owner                 string   `json:"owner" yaml:"owner"`
	Repo                  string   `json:"repo" yaml:"repo"`
	BaseBranch            string   `json:"base_branch,omitempty" yaml:"base_branch,omitempty"`
	APIBaseURL            string   `json:"api_base_url,omitempty" yaml:"api_base_url,omitempty"`
	TokenEncrypted        string   `json:"token_encrypted,omitempty" yaml:"token_encrypted,omitempty"`
	PRTitleTemplate       string   `json:"pr_title_template,omitempty" yaml:"pr_title_template,omitempty"`
	PRBodyTemplate        string   `json:"pr_body_template,omitempty" yaml:"pr_body_template,omitempty"`
	BranchPrefix          string   `json:"branch_prefix,omitempty" yaml:"branch_prefix,omitempty"`
	Labels                []string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Reviewers             []string `json:"reviewers,omitempty" yaml:"reviewers,omitempty"`
	AutoMerge             bool     `json:"auto_merge" yaml:"auto_merge"`
	DeleteBranchOnFailure bool     `json:"delete_branch_on_failure" yaml:"delete_branch_on_failure"`
	IsActive              bool     `json:"is_active" yaml:"is_active"`
	TenantID              string   `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
}

// WithDefaults fills unset fields with the staging defaults.
func (t StagingTarget) WithDefaults() StagingTarget {
	if t.BaseBranch == "" {
		t.BaseBranch = DefaultBaseBranch
	}
	if t.APIBaseURL == "" {
		t.APIBaseURL = DefaultGitHubAPIBase
	}
	if t.BranchPrefix == "" {
		t.BranchPrefix = DefaultBranchPrefix
	}
	if t.PRTitleTemplate == "" {
		t.PRTitleTemplate = DefaultPRTitleTemplate
	}
	if t.PRBodyTemplate == "" {
		t.PRBodyTemplate = DefaultPRBodyTemplate
	}
	if t.Labels == nil {
		t.Labels = append([]string(nil), DefaultLabels...)
	}
	return t
}

// RenderTemplate substitutes {key} placeholders in a PR title or body.
func RenderTemplate(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
