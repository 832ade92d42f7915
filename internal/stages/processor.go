package stages

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/seisho-ai/seisho/internal/model"
	"github.com/seisho-ai/seisho/internal/pipeline"
)

// contentCap bounds how much extracted text a document carries forward.
// FullLength preserves the pre-cap size.
const contentCap = 5000

// defaultRelevance is used when the query has no scoreable words.
const defaultRelevance = 0.5

// sourceExtensions is the set of file types the ingest stage picks up.
var sourceExtensions = map[string]bool{
	".pdf":  true,
	".docx": true,
	".txt":  true,
	".md":   true,
}

// Extractor pulls plain text out of one source file. Implementations
// return an error for file types they cannot handle; the processor
// reports that as a warning and skips the file.
type Extractor interface {
	Extract(path string) (string, error)
}

// PlainTextExtractor reads .txt and .md files verbatim. It is the
// default extractor; richer formats need an injected implementation.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Extract(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".txt", ".md":
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("no extractor for %s files", ext)
	}
}

// Processor is the ingest stage: it scans the source directory, extracts
// text from each document, and scores relevance against the run query.
type Processor struct {
	sourceDir string
	extractor Extractor
	delay     time.Duration
	logger    *slog.Logger
}

// NewProcessor builds the ingest stage from cfg.
func NewProcessor(cfg Config) *Processor {
	ex := cfg.Extractor
	if ex == nil {
		ex = PlainTextExtractor{}
	}
	dir := cfg.SourceDir
	if dir == "" {
		dir = "./source_documents"
	}
	return &Processor{
		sourceDir: dir,
		extractor: ex,
		delay:     cfg.StepDelay,
		logger:    cfg.logger(),
	}
}

func (p *Processor) Kind() pipeline.Kind { return pipeline.KindProcess }

func (p *Processor) Execute(ctx context.Context, em *pipeline.Emitter, art pipeline.Artifact) (pipeline.Artifact, error) {
	em.Step("scanning", "Scanning source directory")

	files, err := p.findSourceFiles()
	if err != nil {
		return art, fmt.Errorf("stages: scan %s: %w", p.sourceDir, err)
	}
	if art.MaxDocs > 0 && len(files) > art.MaxDocs {
		files = files[:art.MaxDocs]
	}
	em.StepDone("scanning", "")

	if len(files) == 0 {
		em.Warning("No documents found to process", nil)
		art.Documents = nil
		art.Processing = &model.ProcessingSummary{ProcessedFiles: []string{}}
		return art, nil
	}

	em.ProgressPayload(0, len(files), fmt.Sprintf("Found %d documents to process", len(files)),
		map[string]any{model.PayloadTotalDocs: len(files)})

	docs := make([]model.Document, 0, len(files))
	processed := make([]string, 0, len(files))
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return art, err
		}
		em.Progress(i, len(files), "Processing "+f.name)

		doc, err := p.processFile(f.path)
		if err != nil {
			em.Warning(fmt.Sprintf("Failed to process %s: %v", f.name, err), nil)
			continue
		}
		if doc.Content == "" {
			p.logger.Debug("stages: skipping empty document", "file", f.name)
			continue
		}
		doc.Relevance = relevance(doc.Content, art.Query)
		docs = append(docs, doc)
		processed = append(processed, f.name)
		pause(ctx, p.delay)
	}
	em.Progress(len(files), len(files), "Document processing complete")

	art.Documents = docs
	art.Processing = &model.ProcessingSummary{
		FilesFound:     len(files),
		FilesProcessed: len(docs),
		ProcessedFiles: processed,
	}
	return art, nil
}

type sourceFile struct {
	path    string
	name    string
	modTime time.Time
}

// findSourceFiles walks the source directory recursively and returns
// matching files, newest first.
func (p *Processor) findSourceFiles() ([]sourceFile, error) {
	if _, err := os.Stat(p.sourceDir); os.IsNotExist(err) {
		return nil, nil
	}
	var files []sourceFile
	err := filepath.WalkDir(p.sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !sourceExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, sourceFile{path: path, name: d.Name(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	return files, nil
}

func (p *Processor) processFile(path string) (model.Document, error) {
	content, err := p.extractor.Extract(path)
	if err != nil {
		return model.Document{}, err
	}
	full := len(content)
	if full > contentCap {
		content = content[:contentCap]
	}
	return model.Document{
		Path:       path,
		Name:       filepath.Base(path),
		Type:       filepath.Ext(path),
		Content:    content,
		FullLength: full,
	}, nil
}

// relevance scores content against the query by word overlap: the share
// of query words that appear in the content.
func relevance(content, query string) float64 {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return defaultRelevance
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			matched++
		}
	}
	return float64(matched) / float64(len(words))
}
