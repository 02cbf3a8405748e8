package pipeline

import (
	"math"
	"sync"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

// Step names a pipeline stage
type Step string

const (
	StepFileValidation    Step = "file_validation"
	StepTextExtraction    Step = "text_extraction"
	StepLanguageDetection Step = "language_detection"
	StepAIAnalysis        Step = "ai_analysis"
	StepFieldParsing      Step = "field_parsing"
	StepValidation        Step = "validation"
	StepConfidenceScoring Step = "confidence_scoring"
	StepFinalization      Step = "finalization"
)

// Steps in execution order
var Steps = []Step{
	StepFileValidation,
	StepTextExtraction,
	StepLanguageDetection,
	StepAIAnalysis,
	StepFieldParsing,
	StepValidation,
	StepConfidenceScoring,
	StepFinalization,
}

// TotalSteps is len(Steps)
const TotalSteps = 8

func ordinal(step Step) int {
	for i, s := range Steps {
		if s == step {
			return i + 1
		}
	}
	return 0
}

// Status tracks the progress of one invocation. Progress never decreases.
type Status struct {
	mu       sync.Mutex
	step     Step
	progress int
}

func NewStatus() *Status {
	return &Status{}
}

// Update moves to step. Progress becomes the step's ordinal, or override when
// override > 0. Unknown steps are ignored and report false.
func (s *Status) Update(step Step, override int) bool {
	n := ordinal(step)
	if n == 0 {
		return false
	}
	if override > 0 {
		n = override
	}
	if n > TotalSteps {
		n = TotalSteps
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.step = step
	if n > s.progress {
		s.progress = n
	}
	return true
}

// Snapshot returns a copy safe to hand to observers
func (s *Status) Snapshot() models.ProcessingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(string(s.step), s.progress)
}

// Completed is the snapshot of a finished invocation
func Completed() models.ProcessingStatus {
	return snapshot(string(StepFinalization), TotalSteps)
}

func snapshot(step string, progress int) models.ProcessingStatus {
	return models.ProcessingStatus{
		CurrentStep: step,
		Progress:    progress,
		TotalSteps:  TotalSteps,
		Percentage:  math.Round(float64(progress)/TotalSteps*1000) / 10,
	}
}
