// Package agentcard loads the descriptive metadata of each stage service.
// Cards are display-only: a stage that does not serve one is described by
// built-in metadata instead.
package agentcard

import (
	"context"
	_ "embed"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/handoff/internal/a2a"
	"github.com/mpataki/handoff/internal/logging"
	"github.com/mpataki/handoff/internal/models"
)

//go:embed builtin.yaml
var builtinYAML []byte

// Info is the built-in description of a stage.
type Info struct {
	Name        string `yaml:"name"`
	Role        string `yaml:"role"`
	Description string `yaml:"description"`
	Color       string `yaml:"color"`
}

// Profile is what gets displayed for one stage: the built-in info plus the
// served card when one could be fetched.
type Profile struct {
	Stage models.StageName
	Info  Info
	Card  *a2a.AgentCard
	// Err is why the served card is missing, nil when Card is set.
	Err error
}

// Name prefers the served card's name.
func (p Profile) Name() string {
	if p.Card != nil && p.Card.Name != "" {
		return p.Card.Name
	}
	return p.Info.Name
}

func (p Profile) Description() string {
	if p.Card != nil && p.Card.Description != "" {
		return p.Card.Description
	}
	return p.Info.Description
}

func (p Profile) Fallback() bool {
	return p.Card == nil
}

var builtin map[models.StageName]Info

func init() {
	if err := yaml.Unmarshal(builtinYAML, &builtin); err != nil {
		panic(fmt.Sprintf("agentcard: bad builtin.yaml: %v", err))
	}
}

// Builtin returns the built-in info for stage.
func Builtin(stage models.StageName) Info {
	if info, ok := builtin[stage]; ok {
		return info
	}
	return Info{Name: stage.Label() + " Agent"}
}

type CardFetcher interface {
	AgentCard(ctx context.Context, stage models.StageName) (*a2a.AgentCard, error)
}

// Fetch loads the cards of stages concurrently. It never fails: a stage whose
// card cannot be fetched gets its built-in info and the error in Err.
// Profiles are returned in the order of stages.
func Fetch(ctx context.Context, client CardFetcher, stages []models.StageName, logger *logging.Logger) []Profile {
	profiles := make([]Profile, len(stages))

	g, gctx := errgroup.WithContext(ctx)
	for i, stage := range stages {
		profiles[i] = Profile{Stage: stage, Info: Builtin(stage)}
		g.Go(func() error {
			card, err := client.AgentCard(gctx, stage)
			if err != nil {
				logger.Debug("agent card unavailable, using built-in", "stage", stage, "error", err)
				profiles[i].Err = err
				return nil
			}
			profiles[i].Card = card
			return nil
		})
	}
	_ = g.Wait()

	return profiles
}
