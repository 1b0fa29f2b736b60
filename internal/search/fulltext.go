// Package search keeps profiles queryable by free text. The directory
// index answers structured proximity queries; this package covers the
// "people who mention kubernetes anywhere" kind, backed by
// Elasticsearch.
package search

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joshuamckenty/anthill/internal/client"
	"github.com/joshuamckenty/anthill/internal/models"
	"github.com/joshuamckenty/anthill/internal/util"
)

// profileDocument is the indexed shape: searchable text only, no
// contact details.
type profileDocument struct {
	DisplayName string   `json:"display_name"`
	Role        string   `json:"role"`
	Skills      []string `json:"skills"`
	About       string   `json:"about"`
}

type searchResult struct {
	Hits struct {
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

type Fulltext struct {
	es    *client.ESClient
	index string
}

func NewFulltext(es *client.ESClient, index string) *Fulltext {
	return &Fulltext{es: es, index: index}
}

// IndexProfile writes the profile's searchable fields under its account
// id, replacing any previous version.
func (f *Fulltext) IndexProfile(ctx context.Context, p models.Profile) error {
	doc := profileDocument{
		DisplayName: p.DisplayName,
		Role:        string(p.Role),
		Skills:      p.Skills,
		About:       p.About,
	}

	res, err := f.es.IndexDocument(ctx, f.index, p.AccountID.String(), doc)
	if err != nil {
		return fmt.Errorf("failed to index profile: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("failed to index profile: %s", res.String())
	}

	util.Debug("Indexed profile for fulltext search",
		zap.String("account_id", p.AccountID.String()))
	return nil
}

// RemoveProfile deletes the document. Absent documents are fine; a
// remove after a remove is a no-op.
func (f *Fulltext) RemoveProfile(ctx context.Context, accountID uuid.UUID) error {
	res, err := f.es.DeleteDocument(ctx, f.index, accountID.String())
	if err != nil {
		return fmt.Errorf("failed to remove profile from fulltext index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to remove profile from fulltext index: %s", res.String())
	}
	return nil
}

// Query returns account ids ranked by relevance for the given text.
func (f *Fulltext) Query(ctx context.Context, text string, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 25
	}

	body := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":     text,
				"fields":    []string{"display_name^2", "skills^2", "about"},
				"fuzziness": "AUTO",
			},
		},
	}

	res, err := f.es.Search(ctx, f.index, body)
	if err != nil {
		return nil, fmt.Errorf("fulltext query failed: %w", err)
	}

	var result searchResult
	if err := f.es.ParseResponse(res, &result); err != nil {
		return nil, fmt.Errorf("fulltext query failed: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		id, err := uuid.Parse(hit.ID)
		if err != nil {
			util.Warn("Fulltext hit with non-uuid id; skipping",
				zap.String("id", hit.ID))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
