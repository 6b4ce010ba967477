package models

type ArtifactKind string

const (
	ArtifactGammaDeck       ArtifactKind = "gamma_deck"
	ArtifactResearchSummary ArtifactKind = "research_summary"
	ArtifactSlideOutline    ArtifactKind = "slide_outline"
	ArtifactReviewFeedback  ArtifactKind = "review_feedback"
	ArtifactRouteDecision   ArtifactKind = "route_decision"
	ArtifactStageError      ArtifactKind = "stage_error"
	ArtifactUnclassified    ArtifactKind = "unclassified"
)

// Artifact is a classified stage result. Kind selects which of URL, Route,
// Message or Data is meaningful; Data always carries the raw payload.
type Artifact struct {
	Kind    ArtifactKind   `json:"kind" yaml:"kind"`
	Stage   StageName      `json:"stage" yaml:"stage"`
	URL     string         `json:"url,omitempty" yaml:"url,omitempty"`
	Route   string         `json:"route,omitempty" yaml:"route,omitempty"`
	Message string         `json:"message,omitempty" yaml:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// Title is a short human label for the artifact kind.
func (a Artifact) Title() string {
	switch a.Kind {
	case ArtifactGammaDeck:
		return "Gamma Deck"
	case ArtifactResearchSummary:
		return "Research Summary"
	case ArtifactSlideOutline:
		return "Slide Outline"
	case ArtifactReviewFeedback:
		return "Review Feedback"
	case ArtifactRouteDecision:
		return "Route Decision"
	case ArtifactStageError:
		return "Stage Error"
	default:
		return "Unclassified"
	}
}
