package conversion

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/raphaelgruber/moduleconv/internal/llm"
	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/staging"
)

// Sampling parameters of the transform step.
const (
	TransformTemperature = 0.7
	TransformMaxTokens   = 8192
)

func (s *Service) analyze(ctx context.Context, r *run, step *models.ConversionStep) (map[string]any, error) {
	job := r.job
	step.InputData = map[string]any{"source_type": string(job.Source.Kind)}

	analysis := map[string]any{
		"source_type":  string(job.Source.Kind),
		"files_found":  0,
		"structure":    map[string]any{},
		"dependencies": []string{},
		"warnings":     []string{},
	}

	switch job.Source.Kind {
	case models.SourceGitHub:
		analysis["repository"] = job.Source.Location
		branch := job.Source.Branch
		if s.sources != nil {
			repo, err := s.inspectRepository(ctx, job.Source.Location)
			if err != nil {
				s.logger.Warn("repository lookup failed", "job_id", job.ID, "repository", job.Source.Location, "error", err)
				analysis["warnings"] = []string{fmt.Sprintf("repository metadata unavailable: %v", err)}
			} else {
				analysis["full_name"] = repo.FullName
				analysis["default_branch"] = repo.DefaultBranch
				analysis["private"] = repo.Private
				if branch == "" {
					branch = repo.DefaultBranch
				}
			}
		}
		if branch == "" {
			branch = models.DefaultBaseBranch
		}
		analysis["branch"] = branch
		if job.Source.Commit != "" {
			analysis["commit"] = job.Source.Commit
		}
	case models.SourceUpload:
		content := sourceContent(job)
		if content == "" {
			analysis["warnings"] = []string{"no source content provided"}
			break
		}
		analysis["files_found"] = 1
		analysis["content_length"] = len(content)
		analysis["line_count"] = strings.Count(content, "\n") + 1
		analysis["dependencies"] = extractDependencies(content)
	}

	r.analysis = analysis
	return analysis, nil
}

func (s *Service) inspectRepository(ctx context.Context, location string) (*staging.Repository, error) {
	owner, repo, err := parseRepository(location)
	if err != nil {
		return nil, err
	}
	return s.sources.GetRepository(ctx, owner, repo)
}

// parseRepository accepts owner/repo, an https URL or an scp-style git
// address, with or without a .git suffix.
func parseRepository(location string) (owner, repo string, err error) {
	loc := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(location), "/"), ".git")
	if rest, ok := strings.CutPrefix(loc, "git@"); ok {
		_, loc, _ = strings.Cut(rest, ":")
	} else if u, perr := url.Parse(loc); perr == nil && u.Host != "" {
		loc = strings.TrimPrefix(u.Path, "/")
	}
	parts := strings.Split(loc, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot parse repository %q", location)
	}
	return parts[0], parts[1], nil
}

// sourceContent returns uploaded content from the source or, for callers
// that pass it as a parameter, from InputData["content"].
func sourceContent(job *models.ConversionJob) string {
	if job.Source.Content != "" {
		return job.Source.Content
	}
	content, _ := job.InputData["content"].(string)
	return content
}

var importPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import\b`),
	regexp.MustCompile(`(?m)^\s*import\s+([\w.]+)\s*$`),
	regexp.MustCompile(`(?m)^\s*import\s+.*?\s+from\s+['"]([^'"]+)['"]`),
	regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`),
	regexp.MustCompile(`(?m)^\s*import\s+(?:\w+\s+)?"([^"]+)"`),
}

// extractDependencies lists imported modules found in Python, JavaScript
// and single-line Go imports, sorted and deduplicated.
func extractDependencies(content string) []string {
	seen := make(map[string]bool)
	for _, re := range importPatterns {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			seen[m[1]] = true
		}
	}
	deps := make([]string, 0, len(seen))
	for d := range seen {
		deps = append(deps, d)
	}
	slices.Sort(deps)
	return deps
}

func (s *Service) prepare(_ context.Context, r *run, _ *models.ConversionStep) (map[string]any, error) {
	tpl := r.template
	prepared := map[string]any{
		"template_name":    tpl.Name,
		"module_type":      string(tpl.ModuleType),
		"package_name":     tpl.PackageName,
		"source_analysis":  r.analysis,
		"conversion_rules": tpl.ConversionRules,
		"input_parameters": r.job.InputData,
	}
	if content := sourceContent(r.job); content != "" {
		prepared["source_content"] = content
	}
	r.prepared = prepared
	return prepared, nil
}

func (s *Service) transform(ctx context.Context, r *run, step *models.ConversionStep) (map[string]any, error) {
	job := r.job
	system := r.template.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	prompt := BuildConversionPrompt(*r.template, r.prepared)
	step.LLMPrompt = prompt
	step.InputData = map[string]any{
		"config_id":   job.ProviderConfigID,
		"temperature": TransformTemperature,
		"max_tokens":  TransformMaxTokens,
	}

	resp, err := s.llm.Complete(ctx, llm.CompleteRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: prompt},
		},
		ConfigID:    job.ProviderConfigID,
		Temperature: TransformTemperature,
		MaxTokens:   TransformMaxTokens,
		UseCache:    true,
	})
	if err != nil {
		var all *llm.AllProvidersFailedError
		if errors.As(err, &all) {
			s.logFailures(job, all.Failures)
		}
		return nil, err
	}

	s.logFailures(job, resp.Fallbacks)
	job.TokensUsed += resp.TotalTokens
	job.LLMRequests = append(job.LLMRequests, models.LLMRequestLog{
		Timestamp:        s.now(),
		Provider:         resp.Provider,
		Model:            resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		LatencyMs:        resp.LatencyMs,
	})
	step.LLMResponse = resp.Content
	step.RetryCount = max(resp.Attempts-1, 0)

	r.output = &models.ConversionOutput{
		GeneratedCode: resp.Content,
		ModelUsed:     resp.Model,
		TokensUsed:    resp.TotalTokens,
	}
	return map[string]any{
		"generated_code": resp.Content,
		"model_used":     resp.Model,
		"tokens_used":    resp.TotalTokens,
		"provider":       resp.Provider,
		"config_id":      resp.ConfigID,
		"cached":         resp.Cached,
	}, nil
}

// logFailures records exhausted configurations in the job's request log.
func (s *Service) logFailures(job *models.ConversionJob, failures []llm.ProviderFailure) {
	for _, f := range failures {
		job.LLMRequests = append(job.LLMRequests, models.LLMRequestLog{
			Timestamp: s.now(),
			Provider:  f.Provider,
			Error:     f.Err.Error(),
		})
	}
}

func providerFailures(err error) []map[string]any {
	var all *llm.AllProvidersFailedError
	if !errors.As(err, &all) {
		return nil
	}
	out := make([]map[string]any, 0, len(all.Failures))
	for _, f := range all.Failures {
		out = append(out, map[string]any{
			"provider":  f.Provider,
			"config_id": f.ConfigID,
			"error":     f.Err.Error(),
		})
	}
	return out
}

func (s *Service) validate(_ context.Context, r *run, _ *models.ConversionStep) (map[string]any, error) {
	code := ""
	if r.output != nil {
		code = r.output.GeneratedCode
	}
	v := Validate(*r.template, code)
	r.validation = &v

	out := v.Map()
	if !v.IsValid {
		return out, &ValidationFailure{Errors: v.Errors, Warnings: v.Warnings}
	}
	for _, w := range v.Warnings {
		s.logger.Warn("generated code warning", "job_id", r.job.ID, "warning", w)
	}
	return out, nil
}

func (s *Service) stage(ctx context.Context, r *run, step *models.ConversionStep) (map[string]any, error) {
	job, target := r.job, *r.target
	step.InputData = map[string]any{
		"target_id": target.ID,
		"owner":     target.Owner,
		"repo":      target.Repo,
	}

	stager, err := s.newStager(ctx, target)
	if err != nil {
		return nil, err
	}

	cs := staging.ChangeSet{
		JobID:      job.ID,
		ModuleName: moduleName(job, r.template),
		Action:     "Convert",
		Files: []staging.File{{
			Path:    fmt.Sprintf("modules/%s/generated.%s", job.ID, r.template.FileExtension()),
			Content: r.output.GeneratedCode,
		}},
	}
	if r.validation != nil {
		cs.Warnings = r.validation.Warnings
	}

	res, err := stager.Stage(ctx, target, cs)
	if res != nil && res.BranchCreated && !res.BranchDeleted {
		job.StagingBranch = res.Branch
	}
	if err != nil {
		partial := map[string]any{}
		if res != nil {
			partial["branch"] = res.Branch
			partial["branch_created"] = res.BranchCreated
			partial["branch_deleted"] = res.BranchDeleted
			if res.PullRequest != nil {
				partial["pr_number"] = res.PullRequest.Number
				partial["pr_url"] = res.PullRequest.HTMLURL
			}
		}
		r.staged = partial
		return partial, err
	}

	job.StagingPRNumber = res.PullRequest.Number
	job.StagingPRURL = res.PullRequest.HTMLURL
	out := map[string]any{
		"branch":       res.Branch,
		"pr_number":    res.PullRequest.Number,
		"pr_url":       res.PullRequest.HTMLURL,
		"files_staged": len(cs.Files),
		"merged":       res.Merged,
	}
	if res.Commit != nil {
		out["commit_sha"] = res.Commit.SHA
	}
	return out, nil
}

// moduleName prefers the caller's module_name parameter, then the template
// package name, then the job ID.
func moduleName(job *models.ConversionJob, tpl *models.Template) string {
	if name, ok := job.InputData["module_name"].(string); ok && name != "" {
		return name
	}
	if tpl.PackageName != "" {
		return tpl.PackageName
	}
	return job.ID
}
