package models

import "time"

// ProcessingStatus is a read-only snapshot of pipeline progress
type ProcessingStatus struct {
	CurrentStep string  `json:"current_step"`
	Progress    int     `json:"progress"`
	TotalSteps  int     `json:"total_steps"`
	Percentage  float64 `json:"percentage"`
}

// PipelineResult is everything one pipeline invocation produced
type PipelineResult struct {
	InvocationID string `json:"invocation_id"`
	ContentHash  string `json:"content_hash"`
	Filename     string `json:"filename,omitempty"`
	MediaType    string `json:"media_type"`
	FileSize     int    `json:"file_size"`

	Extraction *ExtractionResult   `json:"extraction"`
	Locale     LocaleHint          `json:"locale"`
	Analysis   *StructuredAnalysis `json:"analysis"`
	Status     ProcessingStatus    `json:"status"`
	Warnings   []string            `json:"warnings"`

	ProcessingConfidence float64   `json:"processing_confidence"`
	ExtractedTextExcerpt string    `json:"extracted_text"`
	ProcessedAt          time.Time `json:"processed_at"`
	ProcessingSeconds    float64   `json:"processing_seconds"`

	// ArchivePath is "bucket/object" of the archived upload, empty when not archived
	ArchivePath string `json:"archive_path,omitempty"`

	// Reused is set when the result came from a previous invocation
	Reused bool `json:"reused,omitempty"`
}

// StoredResult is a persisted PipelineResult with corrections applied
type StoredResult struct {
	Result           *PipelineResult `json:"result"`
	CorrectionsCount int             `json:"corrections_count"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Correction records a manual change to one analysis field
type Correction struct {
	ID               string    `json:"id"`
	ContentHash      string    `json:"content_hash"`
	FieldPath        string    `json:"field_path"`
	OriginalValue    any       `json:"original_value"`
	NewValue         any       `json:"new_value"`
	ConfidenceBefore *float64  `json:"confidence_before,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
