// Package artifact turns raw stage payloads into typed artifacts.
package artifact

import (
	"fmt"

	"github.com/mpataki/handoff/internal/models"
)

// Recognized payload keys, in priority order. The first key present wins.
const (
	KeyGammaURL       = "gammaUrl"
	KeySummary        = "summary"
	KeyRevisedSummary = "revisedSummary"
	KeySlideOutline   = "slideOutline"
	KeyRoute          = "route"
	KeyError          = "error"
)

var priority = []struct {
	key  string
	kind models.ArtifactKind
}{
	{KeyGammaURL, models.ArtifactGammaDeck},
	{KeySummary, models.ArtifactResearchSummary},
	{KeyRevisedSummary, models.ArtifactReviewFeedback},
	{KeySlideOutline, models.ArtifactSlideOutline},
	{KeyRoute, models.ArtifactRouteDecision},
	{KeyError, models.ArtifactStageError},
}

// Classify maps a payload to an Artifact. It never fails: a payload with no
// recognized key, including a nil one, becomes an Unclassified artifact that
// keeps the payload verbatim.
func Classify(stage models.StageName, payload map[string]any) models.Artifact {
	a := models.Artifact{
		Kind:  models.ArtifactUnclassified,
		Stage: stage,
		Data:  payload,
	}

	for _, p := range priority {
		v, ok := payload[p.key]
		if !ok {
			continue
		}
		a.Kind = p.kind
		switch p.kind {
		case models.ArtifactGammaDeck:
			a.URL = asString(v)
		case models.ArtifactRouteDecision:
			a.Route = asString(v)
		case models.ArtifactStageError:
			a.Message = asString(v)
		}
		return a
	}

	return a
}

// ClassifyAll classifies each payload in order.
func ClassifyAll(stage models.StageName, payloads []map[string]any) []models.Artifact {
	out := make([]models.Artifact, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, Classify(stage, p))
	}
	return out
}

// FindRoute returns the route of the first RouteDecision in artifacts.
func FindRoute(artifacts []models.Artifact) (string, bool) {
	for _, a := range artifacts {
		if a.Kind == models.ArtifactRouteDecision && a.Route != "" {
			return a.Route, true
		}
	}
	return "", false
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}
