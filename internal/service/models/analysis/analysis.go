package analysis

import "time"

// Result is a persisted analysis of one auth error.
type Result struct {
	ID              int64     `json:"id"`
	AuthErrorID     int64     `json:"authErrorId"`
	AnalysisVersion string    `json:"analysisVersion"`
	Model           string    `json:"model"`
	Category        string    `json:"category"`
	Severity        string    `json:"severity"`
	Summary         string    `json:"summary"`
	SuggestedAction string    `json:"suggestedAction"`
	Confidence      float64   `json:"confidence"`
	CreatedAt       time.Time `json:"createdAt"`
}
