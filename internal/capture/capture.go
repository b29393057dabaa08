package capture

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/starford/mneme/internal/apperr"
	"github.com/starford/mneme/internal/hasher"
	"github.com/starford/mneme/internal/models"
)

// Proposal is a memory record suggested by a transcript, not yet embedded.
type Proposal struct {
	Record     models.Memory `json:"record"`
	Confidence float64       `json:"confidence"`
	Rule       string        `json:"rule,omitempty"`
}

// Result is the outcome of Capture.
type Result struct {
	Scanned   int        `json:"scanned"`
	Proposals []Proposal `json:"proposals"`
	Stored    int        `json:"stored"`
	DryRun    bool       `json:"dry_run"`
}

// Sink persists accepted records and reports how many were new.
type Sink interface {
	SaveCaptured(ctx context.Context, records []models.Memory) (int, error)
}

// Capturer turns transcripts into proposals.
type Capturer struct {
	scorer            *Scorer
	scope             models.Scope
	minSegmentChars   int
	maxContentChars   int
	summaryConfidence float64
	logger            *slog.Logger
	now               func() time.Time
}

// Option configures a Capturer.
type Option func(*Capturer)

// WithScorer replaces the default scorer.
func WithScorer(s *Scorer) Option { return func(c *Capturer) { c.scorer = s } }

// WithScope sets the scope proposals are addressed to.
func WithScope(s models.Scope) Option { return func(c *Capturer) { c.scope = s } }

// WithMinSegmentChars ignores assistant text shorter than n characters.
func WithMinSegmentChars(n int) Option { return func(c *Capturer) { c.minSegmentChars = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Capturer) { c.logger = l } }

// New returns a Capturer with the default scorer, scope project and a
// 20-character minimum segment length.
func New(opts ...Option) *Capturer {
	c := &Capturer{
		scorer:            NewScorer(),
		scope:             models.ScopeProject,
		minSegmentChars:   20,
		maxContentChars:   2000,
		summaryConfidence: 0.9,
		logger:            slog.Default(),
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Propose scores every segment and returns the proposals at or above
// minConfidence. It has no side effects.
func (c *Capturer) Propose(transcripts []Transcript, minConfidence float64) ([]Proposal, error) {
	if minConfidence < 0 || minConfidence > 1 {
		return nil, apperr.Validation("capture", "min_confidence %v outside [0,1]", minConfidence)
	}
	out := []Proposal{}
	seen := map[string]bool{}
	for _, tr := range transcripts {
		for _, seg := range tr.Segments {
			p, ok := c.propose(tr.Source, seg)
			if !ok || p.Confidence < minConfidence || seen[p.Record.ID] {
				continue
			}
			seen[p.Record.ID] = true
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *Capturer) propose(source string, seg Segment) (Proposal, bool) {
	var (
		content string
		score   Score
	)
	switch seg.Kind {
	case KindSummary:
		content = "Session summary: " + seg.Text
		score = Score{Type: models.TypeContext, Confidence: c.summaryConfidence, Rule: "summary"}
	case KindAssistant:
		if utf8.RuneCountInString(seg.Text) < c.minSegmentChars {
			return Proposal{}, false
		}
		content = seg.Text
		score = c.scorer.Score(seg.Text)
	default:
		return Proposal{}, false
	}
	content = truncate(content, c.maxContentChars)

	created := seg.Timestamp
	if created.IsZero() {
		created = c.now()
	}
	return Proposal{
		Record: models.Memory{
			ID:        hasher.RecordID(content, source, string(c.scope)),
			Content:   content,
			Type:      score.Type,
			Tags:      Tags(content),
			Scope:     c.scope,
			Source:    source,
			CreatedAt: created,
		},
		Confidence: score.Confidence,
		Rule:       score.Rule,
	}, true
}

// Capture proposes records from transcripts and, unless dryRun, hands them
// to sink. The dry run returns exactly what would have been stored.
func (c *Capturer) Capture(ctx context.Context, transcripts []Transcript, minConfidence float64, dryRun bool, sink Sink) (*Result, error) {
	proposals, err := c.Propose(transcripts, minConfidence)
	if err != nil {
		return nil, err
	}
	res := &Result{Scanned: len(transcripts), Proposals: proposals, DryRun: dryRun}
	if dryRun || len(proposals) == 0 {
		return res, nil
	}

	records := make([]models.Memory, len(proposals))
	for i, p := range proposals {
		records[i] = p.Record
	}
	n, err := sink.SaveCaptured(ctx, records)
	res.Stored = n
	if err != nil {
		return res, err
	}
	c.logger.Info("capture: stored", slog.String("scope", string(c.scope)), slog.Int("count", n))
	return res, nil
}

// LoadSessions discovers and parses up to limit transcripts under dir.
// Unreadable transcripts are logged and skipped.
func (c *Capturer) LoadSessions(dir string, limit int) ([]Transcript, error) {
	paths, err := Discover(dir, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Transcript, 0, len(paths))
	for _, p := range paths {
		tr, err := ParseFile(p, c.logger)
		if err != nil {
			c.logger.Warn("capture: skip transcript", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		out = append(out, *tr)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
