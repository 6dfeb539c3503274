package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/radiusdt/affiliate-attribution/internal/models"
	"gopkg.in/yaml.v3"
)

type campaignFile struct {
	Campaigns []*models.Campaign `yaml:"campaigns"`
}

// LoadCampaignsFile reads campaign definitions from a YAML file of the form
//
//	campaigns:
//	  - id: summer-sale
//	    organization_id: org-1
//	    attribution_model: last_click
//	    ...
func LoadCampaignsFile(path string) ([]*models.Campaign, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read campaigns file: %w", err)
	}

	var f campaignFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse campaigns file: %w", err)
	}

	for i, c := range f.Campaigns {
		if c == nil {
			return nil, fmt.Errorf("campaign %d: empty entry", i)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("campaign %d (%s): %w", i, c.ID, err)
		}
	}
	return f.Campaigns, nil
}

// SeedCampaigns upserts every campaign from path into repo and returns how
// many were loaded.
func SeedCampaigns(ctx context.Context, repo CampaignRepo, path string) (int, error) {
	campaigns, err := LoadCampaignsFile(path)
	if err != nil {
		return 0, err
	}
	for _, c := range campaigns {
		if err := repo.UpsertCampaign(ctx, c); err != nil {
			return 0, fmt.Errorf("seed campaign %s: %w", c.ID, err)
		}
	}
	return len(campaigns), nil
}
