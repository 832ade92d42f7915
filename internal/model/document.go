package model

// Document is one source file after extraction. Content is capped by the
// ingest stage; FullLength preserves the pre-cap size.
type Document struct {
	Path       string  `json:"file_path"`
	Name       string  `json:"file_name"`
	Type       string  `json:"file_type"`
	Content    string  `json:"content"`
	FullLength int     `json:"full_length"`
	Relevance  float64 `json:"relevance_score"`
}

// Section is one drafted section of the output document.
type Section struct {
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// ProcessingSummary is the document-ingest stage output.
type ProcessingSummary struct {
	FilesFound     int      `json:"files_found"`
	FilesProcessed int      `json:"files_processed"`
	ProcessedFiles []string `json:"processed_files"`
}

// GenerationSummary is the content-generation stage output.
type GenerationSummary struct {
	Sections     map[string]Section `json:"sections"`
	DocumentType string             `json:"document_type"`
	SourceFiles  int                `json:"source_files"`
	Query        string             `json:"query"`
	UsingMock    bool               `json:"using_mock"`
}

// DocumentMetadata describes the assembled document.
type DocumentMetadata struct {
	Title             string `json:"title"`
	ProjectName       string `json:"project_name"`
	DocumentType      string `json:"document_type"`
	GeneratedDate     string `json:"generated_date"`
	GeneratedDatetime string `json:"generated_datetime"`
	SourceFiles       int    `json:"source_files"`
	SectionsCount     int    `json:"sections_count"`
	UsingMock         bool   `json:"using_mock"`
}

// AssemblySummary is the document-assembly stage output.
type AssemblySummary struct {
	Markdown      string           `json:"markdown"`
	HTML          string           `json:"html"`
	Files         []string         `json:"files"`
	Metadata      DocumentMetadata `json:"metadata"`
	SectionsCount int              `json:"sections_count"`
	DocumentType  string           `json:"document_type"`
}

// RunResult is the combined payload stored on a succeeded run.
type RunResult struct {
	PipelineCompleted  bool              `json:"pipeline_completed"`
	DocumentProcessing ProcessingSummary `json:"document_processing"`
	ContentGeneration  GenerationResult  `json:"content_generation"`
	DocumentAssembly   AssemblyResult    `json:"document_assembly"`
	Summary            ResultSummary     `json:"summary"`
}

// GenerationResult is the content-generation slice of a RunResult.
type GenerationResult struct {
	SectionsGenerated int                `json:"sections_generated"`
	UsingMock         bool               `json:"using_mock"`
	Sections          map[string]Section `json:"sections"`
}

// AssemblyResult is the document-assembly slice of a RunResult.
type AssemblyResult struct {
	Markdown string           `json:"markdown"`
	HTML     string           `json:"html"`
	Files    []string         `json:"files"`
	Metadata DocumentMetadata `json:"metadata"`
}

// ResultSummary is the top-level rollup of a RunResult.
type ResultSummary struct {
	Query                string   `json:"query"`
	DocumentType         string   `json:"document_type"`
	SourceFilesProcessed int      `json:"source_files_processed"`
	SectionsGenerated    int      `json:"sections_generated"`
	OutputFiles          []string `json:"output_files"`
}
