package repository

import (
	"encoding/json"
	"fmt"

	"sitewide-aggregator/internal/models"
)

// ParseTagList converts a JSON tag list into tag refs.
// Accepted formats: ["name1", "name2", ...] or [{"name": "...", "slug": "..."}, ...]
// A bare string is used as both name and slug.
func ParseTagList(tagListJSON []byte) ([]models.TagRef, error) {
	if len(tagListJSON) == 0 || string(tagListJSON) == "null" || string(tagListJSON) == "[]" {
		return nil, nil
	}

	var tagList interface{}
	if err := json.Unmarshal(tagListJSON, &tagList); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tag list: %w", err)
	}

	var refs []models.TagRef

	switch v := tagList.(type) {
	case []interface{}:
		for _, item := range v {
			switch itemVal := item.(type) {
			case string:
				refs = append(refs, models.TagRef{Name: itemVal, Slug: itemVal})
			case map[string]interface{}:
				name, _ := itemVal["name"].(string)
				slug, _ := itemVal["slug"].(string)
				if name == "" && slug == "" {
					continue
				}
				refs = append(refs, models.TagRef{Name: name, Slug: slug})
			}
		}
	default:
		return nil, fmt.Errorf("unexpected tag list format: %T", v)
	}

	return refs, nil
}
