package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/seisho-ai/seisho/internal/model"
	"github.com/seisho-ai/seisho/internal/pipeline"
)

// Assembler is the final stage: it renders the drafted sections into
// markdown and HTML and writes the output files.
type Assembler struct {
	outputDir string
	delay     time.Duration
	logger    *slog.Logger

	// now is swappable for deterministic file names in tests.
	now func() time.Time
}

// NewAssembler builds the assembly stage from cfg.
func NewAssembler(cfg Config) *Assembler {
	dir := cfg.OutputDir
	if dir == "" {
		dir = "./output"
	}
	return &Assembler{
		outputDir: dir,
		delay:     cfg.StepDelay,
		logger:    cfg.logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (a *Assembler) Kind() pipeline.Kind { return pipeline.KindAssemble }

func (a *Assembler) Execute(ctx context.Context, em *pipeline.Emitter, art pipeline.Artifact) (pipeline.Artifact, error) {
	gen := art.Generation
	if gen == nil || len(gen.Sections) == 0 {
		return art, errors.New("no sections provided for assembly")
	}
	em.Step("assembly", "Assembling final document")

	now := a.now()
	title := art.Query
	if title == "" {
		title = "Untitled Project"
	}
	meta := model.DocumentMetadata{
		Title:             "Environmental Impact Statement - " + title,
		ProjectName:       title,
		DocumentType:      gen.DocumentType,
		GeneratedDate:     now.Format("2006-01-02"),
		GeneratedDatetime: now.Format(time.RFC3339),
		SourceFiles:       gen.SourceFiles,
		SectionsCount:     len(gen.Sections),
		UsingMock:         gen.UsingMock,
	}

	em.Progress(1, 4, "Creating markdown version")
	markdown := renderMarkdown(meta, gen.Sections)
	pause(ctx, a.delay)

	em.Progress(2, 4, "Creating HTML version")
	htmlDoc := renderHTML(meta, gen.Sections)
	pause(ctx, a.delay)

	em.Progress(3, 4, "Saving documents")
	if err := ctx.Err(); err != nil {
		return art, err
	}
	files, err := a.save(markdown, htmlDoc, meta, now)
	if err != nil {
		return art, fmt.Errorf("stages: save documents: %w", err)
	}
	em.Progress(4, 4, "Document assembly complete")
	em.StepDone("assembly", "")

	art.Assembly = &model.AssemblySummary{
		Markdown:      markdown,
		HTML:          htmlDoc,
		Files:         files,
		Metadata:      meta,
		SectionsCount: len(gen.Sections),
		DocumentType:  gen.DocumentType,
	}
	return art, nil
}

// orderedSections returns the present sections in canonical document
// order. Unknown IDs sort last, by name.
func orderedSections(sections map[string]model.Section) []model.Section {
	ids := make([]string, 0, len(sections))
	for id := range sections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		oi, oj := sectionOrder(ids[i]), sectionOrder(ids[j])
		if oi != oj {
			return oi < oj
		}
		return ids[i] < ids[j]
	})
	out := make([]model.Section, 0, len(ids))
	for _, id := range ids {
		out = append(out, sections[id])
	}
	return out
}

func renderMarkdown(meta model.DocumentMetadata, sections map[string]model.Section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", meta.Title)
	fmt.Fprintf(&b, "**Project:** %s\n", meta.ProjectName)
	fmt.Fprintf(&b, "**Document type:** %s\n", meta.DocumentType)
	fmt.Fprintf(&b, "**Generated:** %s\n", meta.GeneratedDate)
	fmt.Fprintf(&b, "**Source files:** %d\n\n", meta.SourceFiles)
	b.WriteString("---\n\n")

	for i, sec := range orderedSections(sections) {
		fmt.Fprintf(&b, "## %d. %s\n\n%s\n\n", i+1, sec.Title, sec.Content)
	}

	fmt.Fprintf(&b, "---\n\n*Generated by Seisho on %s*\n", meta.GeneratedDate)
	return b.String()
}

func renderHTML(meta model.DocumentMetadata, sections map[string]model.Section) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n", html.EscapeString(meta.Title))
	b.WriteString("<style>body{font-family:Georgia,serif;max-width:50rem;margin:2rem auto;line-height:1.6}h1,h2{color:#1a3c34}</style>\n")
	b.WriteString("</head>\n<body>\n")
	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(meta.Title))
	fmt.Fprintf(&b, "<p><strong>Project:</strong> %s<br>\n<strong>Generated:</strong> %s</p>\n<hr>\n",
		html.EscapeString(meta.ProjectName), meta.GeneratedDate)

	for i, sec := range orderedSections(sections) {
		fmt.Fprintf(&b, "<h2>%d. %s</h2>\n", i+1, html.EscapeString(sec.Title))
		for _, para := range strings.Split(sec.Content, "\n\n") {
			if para = strings.TrimSpace(para); para != "" {
				fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(para))
			}
		}
	}

	b.WriteString("</body>\n</html>\n")
	return b.String()
}

// save writes the markdown, HTML and metadata files and returns their
// paths.
func (a *Assembler) save(markdown, htmlDoc string, meta model.DocumentMetadata, now time.Time) ([]string, error) {
	if err := os.MkdirAll(a.outputDir, 0o755); err != nil {
		return nil, err
	}
	base := fmt.Sprintf("%s-%s", slugify(meta.ProjectName), now.Format("20060102-150405"))

	mdPath := filepath.Join(a.outputDir, base+".md")
	htmlPath := filepath.Join(a.outputDir, base+".html")
	metaPath := filepath.Join(a.outputDir, base+".metadata.json")

	if err := os.WriteFile(mdPath, []byte(markdown), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(htmlPath, []byte(htmlDoc), 0o644); err != nil {
		return nil, err
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		return nil, err
	}

	a.logger.Info("stages: documents saved", "dir", a.outputDir, "base", base)
	return []string{mdPath, htmlPath, metaPath}, nil
}
