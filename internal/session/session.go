// Package session defines the upload session model and its repository.
//
// A session is created when an upload is accepted and mutated only by the
// processor, which owns it exclusively for the duration of a job. Cutting
// instructions and parsed parts become immutable once written into the
// session state.
package session

import (
	"time"
)

// ParseStatus tracks the outcome of the primary vision pass.
type ParseStatus string

const (
	ParseNotParsed ParseStatus = "NOT_PARSED"
	ParseParsed    ParseStatus = "PARSED"
	ParseFailed    ParseStatus = "FAILED"
)

// SecondPassStatus tracks the verification pass lifecycle.
// Stored as the literal string NOT_NEEDED; the repository maps a NULL column
// to NOT_NEEDED on read for rows written by older builds.
type SecondPassStatus string

const (
	SecondPassNotNeeded SecondPassStatus = "NOT_NEEDED"
	SecondPassQueued    SecondPassStatus = "QUEUED"
	SecondPassComplete  SecondPassStatus = "COMPLETE"
	SecondPassFailed    SecondPassStatus = "FAILED"
)

// RoutingDecision is the terminal classification of a session.
type RoutingDecision string

const (
	RouteAutoParseAutoApprove RoutingDecision = "auto_parse_auto_approve"
	RouteAutoParseSecondPass  RoutingDecision = "auto_parse_second_pass"
	RouteNoParseSecondPass    RoutingDecision = "no_parse_second_pass"
)

// CuttingInstruction describes one output part. Page ranges are 1-indexed
// inclusive at this boundary; the segmentation engine and splitter work
// 0-indexed internally.
type CuttingInstruction struct {
	PartName      string `json:"partName"`
	Instrument    string `json:"instrument"`
	Section       string `json:"section"`
	Transposition string `json:"transposition"`
	PartNumber    int    `json:"partNumber"`
	PageStart     int    `json:"pageStart"`
	PageEnd       int    `json:"pageEnd"`
}

// ParsedPart is one materialized output PDF plus its identity.
type ParsedPart struct {
	Instrument    string `json:"instrument"`
	PartName      string `json:"partName"`
	Section       string `json:"section"`
	Transposition string `json:"transposition"`
	PartNumber    int    `json:"partNumber"`
	StorageKey    string `json:"storageKey"`
	Filename      string `json:"filename"`
	ByteSize      int64  `json:"byteSize"`
	PageCount     int    `json:"pageCount"`
	PageStart     int    `json:"pageStart"` // 1-indexed inclusive
	PageEnd       int    `json:"pageEnd"`
}

// Metadata is the structured result of the vision pass.
type Metadata struct {
	Title               string               `json:"title"`
	Composer            string               `json:"composer,omitempty"`
	Arranger            string               `json:"arranger,omitempty"`
	IsMultiPart         bool                 `json:"isMultiPart"`
	ConfidenceScore     int                  `json:"confidenceScore"`
	CuttingInstructions []CuttingInstruction `json:"cuttingInstructions"`
}

// Provenance records which models produced the session's state.
type Provenance struct {
	Provider          string `json:"provider"`
	VisionModel       string `json:"visionModel"`
	VerificationModel string `json:"verificationModel"`
	ModelParams       string `json:"modelParams,omitempty"`
	PromptVersion     string `json:"promptVersion"`
}

// State is the mutable bundle the processor writes back atomically.
type State struct {
	ExtractedMetadata   *Metadata            `json:"extractedMetadata,omitempty"`
	ConfidenceScore     int                  `json:"confidenceScore"`
	FinalConfidence     int                  `json:"finalConfidence"`
	RoutingDecision     RoutingDecision      `json:"routingDecision,omitempty"`
	ParseStatus         ParseStatus          `json:"parseStatus"`
	SecondPassStatus    SecondPassStatus     `json:"secondPassStatus"`
	AutoApproved        bool                 `json:"autoApproved"`
	RequiresHumanReview bool                 `json:"requiresHumanReview"`
	ParsedParts         []ParsedPart         `json:"parsedParts,omitempty"`
	CuttingInstructions []CuttingInstruction `json:"cuttingInstructions,omitempty"`
	TempFiles           []string             `json:"tempFiles,omitempty"`
	FirstPassRaw        string               `json:"firstPassRaw,omitempty"`
	Notes               string               `json:"notes,omitempty"`
	Provenance          Provenance           `json:"provenance"`
}

// Session is one accepted upload.
type Session struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	ByteSize   int64     `json:"byteSize"`
	MIMEType   string    `json:"mimeType"`
	StorageKey string    `json:"storageKey"`
	UploadedBy string    `json:"uploadedBy"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	State      State     `json:"state"`
}
