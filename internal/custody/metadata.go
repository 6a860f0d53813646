package custody

import (
	"errors"
	"fmt"
	"strings"
)

// Size limits of the on-chain metadata standard.
const (
	MaxNameLen        = 32
	MaxSymbolLen      = 10
	MaxDescriptionLen = 500
	MaxImageURILen    = 200
	MaxAttributes     = 16
	MaxTraitLen       = 32
	MaxValueLen       = 64

	BadgeSymbol = "GIGBADGE"
)

var ErrInvalidMetadata = errors.New("invalid metadata")

type Attribute struct {
	Trait string `json:"trait_type"`
	Value string `json:"value"`
}

// ReviewBadge is earned by a seller for a 5-star review.
type ReviewBadge struct {
	ReviewID string `json:"reviewId"`
	GigID    string `json:"gigId,omitempty"`
	Rating   int    `json:"rating"`
}

// AchievementBadge marks a platform milestone.
type AchievementBadge struct {
	Code string `json:"code"`
	Tier string `json:"tier"`
}

// Metadata describes a badge. Exactly one of Review and Achievement is set,
// matching Kind. Build it with NewReviewBadge or NewAchievementBadge.
type Metadata struct {
	Kind        AssetKind         `json:"kind"`
	Name        string            `json:"name"`
	Symbol      string            `json:"symbol"`
	Description string            `json:"description"`
	Image       string            `json:"image"`
	Attributes  []Attribute       `json:"attributes"`
	Review      *ReviewBadge      `json:"review,omitempty"`
	Achievement *AchievementBadge `json:"achievement,omitempty"`
}

func NewReviewBadge(name, description, image string, badge ReviewBadge, extra ...Attribute) (Metadata, error) {
	attrs := append([]Attribute{
		{Trait: "rating", Value: fmt.Sprint(badge.Rating)},
		{Trait: "review", Value: badge.ReviewID},
	}, extra...)
	m := Metadata{
		Kind:        ReviewBadgeKind,
		Name:        name,
		Symbol:      BadgeSymbol,
		Description: description,
		Image:       image,
		Attributes:  attrs,
		Review:      &badge,
	}
	return m, m.Validate()
}

func NewAchievementBadge(name, description, image string, badge AchievementBadge, extra ...Attribute) (Metadata, error) {
	attrs := append([]Attribute{
		{Trait: "achievement", Value: badge.Code},
		{Trait: "tier", Value: badge.Tier},
	}, extra...)
	m := Metadata{
		Kind:        AchievementBadgeKind,
		Name:        name,
		Symbol:      BadgeSymbol,
		Description: description,
		Image:       image,
		Attributes:  attrs,
		Achievement: &badge,
	}
	return m, m.Validate()
}

// Validate checks the kind tag and every size bound.
func (m Metadata) Validate() error {
	switch m.Kind {
	case ReviewBadgeKind:
		if m.Review == nil || m.Achievement != nil {
			return fmt.Errorf("%w: review badge needs review details only", ErrInvalidMetadata)
		}
		if strings.TrimSpace(m.Review.ReviewID) == "" {
			return fmt.Errorf("%w: review id is required", ErrInvalidMetadata)
		}
		if m.Review.Rating != 5 {
			return fmt.Errorf("%w: review badges require a 5-star rating, got %d", ErrInvalidMetadata, m.Review.Rating)
		}
	case AchievementBadgeKind:
		if m.Achievement == nil || m.Review != nil {
			return fmt.Errorf("%w: achievement badge needs achievement details only", ErrInvalidMetadata)
		}
		if strings.TrimSpace(m.Achievement.Code) == "" || strings.TrimSpace(m.Achievement.Tier) == "" {
			return fmt.Errorf("%w: achievement code and tier are required", ErrInvalidMetadata)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMetadata, m.Kind)
	}

	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidMetadata)
	}
	for _, f := range []struct {
		field string
		value string
		max   int
	}{
		{"name", m.Name, MaxNameLen},
		{"symbol", m.Symbol, MaxSymbolLen},
		{"description", m.Description, MaxDescriptionLen},
		{"image", m.Image, MaxImageURILen},
	} {
		if len(f.value) > f.max {
			return fmt.Errorf("%w: %s is %d bytes, max %d", ErrInvalidMetadata, f.field, len(f.value), f.max)
		}
	}
	if len(m.Attributes) > MaxAttributes {
		return fmt.Errorf("%w: %d attributes, max %d", ErrInvalidMetadata, len(m.Attributes), MaxAttributes)
	}
	for _, a := range m.Attributes {
		if a.Trait == "" || len(a.Trait) > MaxTraitLen || len(a.Value) > MaxValueLen {
			return fmt.Errorf("%w: attribute %q out of bounds", ErrInvalidMetadata, a.Trait)
		}
	}
	return nil
}

// Document is the off-chain JSON a token URI resolves to.
type Document struct {
	Name        string      `json:"name"`
	Symbol      string      `json:"symbol"`
	Description string      `json:"description"`
	Image       string      `json:"image"`
	Attributes  []Attribute `json:"attributes"`
}

func (m Metadata) Document() Document {
	return Document{
		Name:        m.Name,
		Symbol:      m.Symbol,
		Description: m.Description,
		Image:       m.Image,
		Attributes:  m.Attributes,
	}
}
