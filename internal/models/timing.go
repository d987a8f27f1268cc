package models

// PathCTelemetry records one set-disambiguation run.
type PathCTelemetry struct {
	Ran        bool     `json:"ran"`
	Action     string   `json:"action,omitempty"` // hard_filter, soft_rerank, discard, skipped
	Confidence float64  `json:"confidence,omitempty"`
	SetHint    string   `json:"set_hint,omitempty"`
	Signals    []string `json:"signals,omitempty"`
	LatencyMs  int64    `json:"latency_ms,omitempty"`
}

// StageTimings stores per-stage durations for a scan job. Persisted as a
// JSON column; used by the timing surface and for debugging slow scans.
type StageTimings struct {
	CaptureMs    int64 `json:"capture_ms,omitempty"`
	PreprocessMs int64 `json:"preprocess_ms,omitempty"`
	InferMs      int64 `json:"infer_ms,omitempty"`
	ValidationMs int64 `json:"validation_ms,omitempty"`
	UIMs         int64 `json:"ui_ms,omitempty"`

	RetriedOnce bool `json:"retried_once,omitempty"`

	// Primary-path call telemetry.
	UploadBytes int64  `json:"upload_bytes,omitempty"`
	UploadMs    int64  `json:"upload_ms,omitempty"`
	TokensIn    int    `json:"tokens_in,omitempty"`
	TokensOut   int    `json:"tokens_out,omitempty"`
	Model       string `json:"model,omitempty"`

	PathC *PathCTelemetry `json:"path_c,omitempty"`
}

// TotalMs derives the end-to-end duration from the recorded stages.
func (t *StageTimings) TotalMs() int64 {
	return t.CaptureMs + t.PreprocessMs + t.InferMs + t.ValidationMs + t.UIMs
}
