// Package pattern implements the learned-pattern sharing protocol: binary
// serialization with a checksum trailer, content anonymization, optional
// differential privacy on embeddings, and a bounded similarity index.
package pattern

import (
	"time"

	"github.com/ruvnet/swarmlink/internal/crdt"
)

// Category classifies what kind of pattern was learned.
type Category string

const (
	CategoryTest        Category = "test"
	CategoryCode        Category = "code"
	CategoryRefactor    Category = "refactor"
	CategoryDefectFix   Category = "defect_fix"
	CategoryPerformance Category = "performance"
	CategorySecurity    Category = "security"
)

// Visibility controls which peers may receive a pattern during sync.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPeers   Visibility = "peers"
	VisibilityPublic  Visibility = "public"
)

// PrivacyLevel tunes how much of the raw content travels with a pattern.
type PrivacyLevel string

const (
	PrivacyNone        PrivacyLevel = "none"
	PrivacyAnonymized  PrivacyLevel = "anonymized"
	PrivacyDifferential PrivacyLevel = "differential"
)

// QualityLevel is a coarse bucket derived from quality metrics.
type QualityLevel string

const (
	QualityExperimental QualityLevel = "experimental"
	QualityStable        QualityLevel = "stable"
	QualityProven         QualityLevel = "proven"
)

// Content holds the raw and derived text representations of a pattern.
type Content struct {
	Raw               string
	Normalized        string
	Anonymized        string
	ContentHash       string
	Language          string
	Framework         string
	PlaceholderSchema map[string]string
}

// Metadata carries free-form tagging and lineage information.
type Metadata struct {
	Tags         []string
	SourceID     string
	Dependencies []string
}

// Version tracks a pattern's revision lineage.
type Version struct {
	Semver          crdt.SemVer
	Clock           map[string]uint64
	PreviousVersion string
}

// QualityMetrics tracks how well a pattern has performed in practice.
type QualityMetrics struct {
	Level           QualityLevel
	SuccessRate     float64
	UsageCount      uint64
	AverageConfidence float64
	FeedbackScore   float64
}

// SharingPolicy controls redistribution and privacy treatment during sync.
type SharingPolicy struct {
	Visibility      Visibility
	PrivacyLevel    PrivacyLevel
	AllowedPeers    []string
	BlockedPeers    []string
	DifferentialPrivacy bool
	DPParams        DPParams
	Redistributable bool
}

// SharedPattern is the full pattern record, as stored locally.
type SharedPattern struct {
	ID         string
	Category   Category
	Type       string
	Domain     string
	Content    Content
	Embedding  []float32
	Metadata   Metadata
	Version    Version
	Quality    QualityMetrics
	Sharing    SharingPolicy
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  *time.Time
}

// Summary omits raw content: content hash, category, domain, quality, tags,
// and (privacy-permitting) the embedding.
type Summary struct {
	ID          string
	ContentHash string
	Category    Category
	Domain      string
	Quality     QualityMetrics
	Tags        []string
	Embedding   []float32 // nil unless sharing policy permits
}

// ToSummary projects a pattern to its summary form. includeEmbedding should
// reflect the requester's privacy entitlement.
func (p SharedPattern) ToSummary(includeEmbedding bool) Summary {
	s := Summary{
		ID:          p.ID,
		ContentHash: p.Content.ContentHash,
		Category:    p.Category,
		Domain:      p.Domain,
		Quality:     p.Quality,
		Tags:        append([]string(nil), p.Metadata.Tags...),
	}
	if includeEmbedding {
		s.Embedding = append([]float32(nil), p.Embedding...)
	}
	return s
}

// AllowedFor reports whether the sharing policy permits disclosure to peerID.
func (sp SharingPolicy) AllowedFor(peerID string) bool {
	for _, blocked := range sp.BlockedPeers {
		if blocked == peerID {
			return false
		}
	}
	switch sp.Visibility {
	case VisibilityPrivate:
		return false
	case VisibilityPublic:
		return true
	case VisibilityPeers:
		if len(sp.AllowedPeers) == 0 {
			return true
		}
		for _, allowed := range sp.AllowedPeers {
			if allowed == peerID {
				return true
			}
		}
		return false
	default:
		return false
	}
}
