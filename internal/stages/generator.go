package stages

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/seisho-ai/seisho/internal/model"
	"github.com/seisho-ai/seisho/internal/pipeline"
)

// sectionSpec names one section of the generated document.
type sectionSpec struct {
	ID    string
	Title string
}

// documentSections is the canonical section plan, in document order.
var documentSections = []sectionSpec{
	{"executive_summary", "Executive Summary"},
	{"introduction", "Introduction and Background"},
	{"project_description", "Project Description"},
	{"environmental_impact", "Environmental Impact Assessment"},
	{"mitigation_measures", "Mitigation Measures"},
	{"monitoring_plan", "Monitoring and Follow-up Plan"},
	{"conclusions", "Conclusions"},
}

// sectionOrder returns the canonical position of a section ID, for
// consumers that need document order back out of a section map.
func sectionOrder(id string) int {
	for i, s := range documentSections {
		if s.ID == id {
			return i
		}
	}
	return len(documentSections)
}

// SectionRequest is the input to a SectionWriter for one section.
type SectionRequest struct {
	SectionID    string
	Title        string
	Query        string
	DocumentType string
	Context      string
}

// SectionWriter drafts one section of the document. Mock reports whether
// the writer produces placeholder content; it feeds the using_mock flag
// and the per-section confidence.
type SectionWriter interface {
	WriteSection(ctx context.Context, req SectionRequest) (string, error)
	Mock() bool
}

// Section confidence by writer class. Template sections produced without
// any source content score lower still.
const (
	liveConfidence     = 0.85
	mockConfidence     = 0.3
	templateConfidence = 0.2
)

// Generator is the section-drafting stage.
type Generator struct {
	writer  SectionWriter
	docType string
	delay   time.Duration
	logger  *slog.Logger
}

// NewGenerator builds the generation stage from cfg. A nil writer
// selects the deterministic mock.
func NewGenerator(cfg Config) *Generator {
	w := cfg.Writer
	if w == nil {
		w = MockWriter{}
	}
	return &Generator{
		writer:  w,
		docType: cfg.documentType(),
		delay:   cfg.StepDelay,
		logger:  cfg.logger(),
	}
}

func (g *Generator) Kind() pipeline.Kind { return pipeline.KindGenerate }

func (g *Generator) Execute(ctx context.Context, em *pipeline.Emitter, art pipeline.Artifact) (pipeline.Artifact, error) {
	em.Step("analysis", "Analyzing source content")

	if len(art.Documents) == 0 {
		em.Warning("No content to analyze, generating basic template", nil)
		art.Generation = g.basicTemplate(art.Query)
		return art, nil
	}
	sourceContext := buildContext(art.Documents)
	em.StepDone("analysis", "")

	em.Step("generation", "Generating document sections")
	confidence := liveConfidence
	if g.writer.Mock() {
		confidence = mockConfidence
	}
	total := len(documentSections)
	sections := make(map[string]model.Section, total)
	for i, spec := range documentSections {
		if err := ctx.Err(); err != nil {
			return art, err
		}
		em.Progress(i, total, "Generating "+spec.Title)

		content, err := g.writer.WriteSection(ctx, SectionRequest{
			SectionID:    spec.ID,
			Title:        spec.Title,
			Query:        art.Query,
			DocumentType: g.docType,
			Context:      sourceContext,
		})
		if err != nil {
			em.Warning(fmt.Sprintf("Failed to generate %s: %v", spec.Title, err), nil)
			sections[spec.ID] = model.Section{
				Title:      spec.Title,
				Content:    fmt.Sprintf("[Error generating section: %v]", err),
				Confidence: 0,
			}
			continue
		}
		sections[spec.ID] = model.Section{Title: spec.Title, Content: content, Confidence: confidence}
		pause(ctx, g.delay)
	}
	em.Progress(total, total, "Content generation complete")
	em.StepDone("generation", "")

	art.Generation = &model.GenerationSummary{
		Sections:     sections,
		DocumentType: g.docType,
		SourceFiles:  len(art.Documents),
		Query:        art.Query,
		UsingMock:    g.writer.Mock(),
	}
	return art, nil
}

// basicTemplate covers the no-source-documents path with a minimal
// two-section draft.
func (g *Generator) basicTemplate(query string) *model.GenerationSummary {
	subject := query
	if subject == "" {
		subject = "the proposed project"
	}
	return &model.GenerationSummary{
		Sections: map[string]model.Section{
			"executive_summary": {
				Title: "Executive Summary",
				Content: fmt.Sprintf("This document presents a preliminary environmental assessment for %s. "+
					"No source documentation was available; the content below is a structural template "+
					"to be completed with project-specific information.", subject),
				Confidence: templateConfidence,
			},
			"project_description": {
				Title: "Project Description",
				Content: fmt.Sprintf("Describe here the main characteristics of %s: location, scale, "+
					"construction and operation phases, and expected lifetime.", subject),
				Confidence: templateConfidence,
			},
		},
		DocumentType: g.docType,
		SourceFiles:  0,
		Query:        query,
		UsingMock:    true,
	}
}

// contextDocs and contextSlice bound how much source text reaches the
// writer per request.
const (
	contextDocs  = 5
	contextSlice = 2000
)

// buildContext summarizes the most relevant documents into one prompt
// context block.
func buildContext(docs []model.Document) string {
	ranked := make([]model.Document, len(docs))
	copy(ranked, docs)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Relevance > ranked[j].Relevance })
	if len(ranked) > contextDocs {
		ranked = ranked[:contextDocs]
	}
	parts := make([]string, 0, len(ranked))
	for _, d := range ranked {
		content := d.Content
		if len(content) > contextSlice {
			content = content[:contextSlice]
		}
		parts = append(parts, fmt.Sprintf("[%s]\n%s", d.Name, content))
	}
	return strings.Join(parts, "\n\n")
}

// MockWriter produces deterministic placeholder sections. Used whenever
// no LLM credentials are configured, and throughout the test suite.
type MockWriter struct{}

func (MockWriter) Mock() bool { return true }

func (MockWriter) WriteSection(_ context.Context, req SectionRequest) (string, error) {
	subject := req.Query
	if subject == "" {
		subject = "the proposed project"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "This section covers the %s for %s.\n\n", strings.ToLower(req.Title), subject)
	if req.Context != "" {
		fmt.Fprintf(&b, "The analysis draws on the provided source documentation. ")
	}
	fmt.Fprintf(&b, "Detailed findings for %q will be incorporated once a content model is configured. "+
		"The structure and scope of this section follow standard %s reporting practice.",
		req.SectionID, req.DocumentType)
	return b.String(), nil
}
