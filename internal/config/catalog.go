package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/store"
)

// Catalog is the YAML document listing provider configurations, templates
// and staging targets.
//
//	providers:
//	  - id: openai-primary
//	    provider: openai
//	    model: gpt-4o
//	    api_key_encrypted: env:OPENAI_API_KEY
//	    priority: 10
//	    is_active: true
//	templates:
//	  - id: billing
//	    name: Billing module
//	    module_type: domain
//	    is_active: true
//	staging_targets:
//	  - id: modules-repo
//	    owner: acme
//	    repo: modules
//	    token_encrypted: env:GITHUB_TOKEN
//	    is_active: true
type Catalog struct {
	Providers      []models.ProviderConfiguration `yaml:"providers"`
	Templates      []models.Template              `yaml:"templates"`
	StagingTargets []models.StagingTarget         `yaml:"staging_targets"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML. Unknown fields are errors.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that IDs are present and unique per section and that
// every provider names a kind.
func (c *Catalog) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("providers[%d]: id is required", i))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID))
		}
		if p.Provider == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: provider is required", i))
		}
		seen[p.ID] = true
	}

	seen = make(map[string]bool)
	for i, t := range c.Templates {
		switch {
		case t.ID == "":
			errs = append(errs, fmt.Errorf("templates[%d]: id is required", i))
		case seen[t.ID]:
			errs = append(errs, fmt.Errorf("templates[%d]: duplicate id %q", i, t.ID))
		}
		seen[t.ID] = true
	}

	seen = make(map[string]bool)
	for i, s := range c.StagingTargets {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("staging_targets[%d]: id is required", i))
		case seen[s.ID]:
			errs = append(errs, fmt.Errorf("staging_targets[%d]: duplicate id %q", i, s.ID))
		}
		if s.Owner == "" || s.Repo == "" {
			errs = append(errs, fmt.Errorf("staging_targets[%d]: owner and repo are required", i))
		}
		seen[s.ID] = true
	}
	return errors.Join(errs...)
}

// Seed saves every catalog entry, replacing entries with the same ID.
func (c *Catalog) Seed(ctx context.Context, dst store.Catalog) error {
	for i := range c.Providers {
		if err := dst.SaveProviderConfig(ctx, &c.Providers[i]); err != nil {
			return fmt.Errorf("seed provider %s: %w", c.Providers[i].ID, err)
		}
	}
	for i := range c.Templates {
		if err := dst.SaveTemplate(ctx, &c.Templates[i]); err != nil {
			return fmt.Errorf("seed template %s: %w", c.Templates[i].ID, err)
		}
	}
	for i := range c.StagingTargets {
		if err := dst.SaveStagingTarget(ctx, &c.StagingTargets[i]); err != nil {
			return fmt.Errorf("seed staging target %s: %w", c.StagingTargets[i].ID, err)
		}
	}
	return nil
}
