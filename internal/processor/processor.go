// Package processor runs the smart upload pipeline.
//
// The primary job downloads the original PDF, extracts metadata and cutting
// instructions through deterministic segmentation plus a vision-model pass,
// validates them, splits the document into parts, and routes the session into
// one of three autonomy tiers. Two follow-up jobs handle the verification
// pass and the autonomous commit.
//
// DESIGN: One job owns its session exclusively; all state lands in a single
// atomic UpdateState per terminal path, and follow-up jobs are enqueued only
// after that write commits.
package processor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stavekit/partflow/internal/audit"
	"github.com/stavekit/partflow/internal/config"
	"github.com/stavekit/partflow/internal/cutting"
	"github.com/stavekit/partflow/internal/gates"
	"github.com/stavekit/partflow/internal/pdfkit"
	"github.com/stavekit/partflow/internal/providers"
	"github.com/stavekit/partflow/internal/queue"
	"github.com/stavekit/partflow/internal/segment"
	"github.com/stavekit/partflow/internal/session"
	"github.com/stavekit/partflow/internal/settings"
	"github.com/stavekit/partflow/internal/storage"
)

// Queue names.
const (
	QueueProcess    = "smart-upload-process"
	QueueSecondPass = "smart-upload-second-pass"
	QueueAutoCommit = "smart-upload-auto-commit"
)

const (
	// firstPassRawCap bounds the raw model output stored on the session.
	firstPassRawCap = 64 * 1024

	// headerCropBatchSize caps images per header-labelling call.
	headerCropBatchSize = 30

	// headerCropTopFraction is the page strip sent for header labelling.
	headerCropTopFraction = 0.2

	// textLayerCoverageMin is the fraction of pages that must carry a text
	// layer before deterministic segmentation trusts it.
	textLayerCoverageMin = 0.6

	renderConcurrency = 4
)

// ProcessPayload is the primary job payload.
type ProcessPayload struct {
	SessionID string `json:"sessionId"`
}

// SecondPassPayload is the verification job payload.
type SecondPassPayload struct {
	SessionID string `json:"sessionId"`
}

// AutoCommitPayload is the autonomous-commit job payload.
type AutoCommitPayload struct {
	SessionID string `json:"sessionId"`
}

// Enqueuer is the narrow queue interface the processor depends on.
type Enqueuer interface {
	Enqueue(payload any, opts ...queue.EnqueueOptions) (*queue.Job, error)
}

// Committer finalizes an auto-approved session in the hosting application
// (library record creation, file moves). The pipeline itself stays agnostic
// of what a commit means.
type Committer interface {
	Commit(ctx context.Context, sess *session.Session) error
}

// Processor bundles the pipeline's collaborators.
type Processor struct {
	Sessions session.Repository
	Settings settings.Store
	Objects  storage.ObjectStore
	Renderer pdfkit.Renderer
	Text     pdfkit.TextExtractor
	Splitter pdfkit.Splitter
	Caller   providers.Caller

	SecondPassQueue Enqueuer
	AutoCommitQueue Enqueuer
	Committer       Committer
	Audit           audit.Sink
}

type progressFunc func(step string, percent int, message string)

// HandleProcess adapts the primary pipeline to the queue handler contract.
func (p *Processor) HandleProcess(ctx context.Context, job *queue.Job) error {
	var payload ProcessPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("bad process payload: %w", err))
	}
	report := func(step string, percent int, message string) {
		job.ReportProgress(queue.Progress{Step: step, Percent: percent, Message: message, SessionID: payload.SessionID})
	}
	return p.Process(ctx, payload.SessionID, report)
}

// Process runs the full pipeline for one session.
func (p *Processor) Process(ctx context.Context, sessionID string, report progressFunc) error {
	report("starting", 0, "loading configuration")
	cfg, err := config.Load(ctx, p.Settings)
	if err != nil {
		if errors.Is(err, config.ErrConfigInvalid) {
			return queue.Fatal(err)
		}
		return err
	}
	sess, err := p.Sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return queue.Fatal(err)
		}
		return err
	}

	report("downloading", 5, "fetching original upload")
	pdf, err := p.fetchOriginal(ctx, sess.StorageKey, cfg.MaxFileSizeBytes)
	if err != nil {
		return err
	}

	report("rendering", 10, "rendering sampled pages")
	total, err := p.Text.PageCount(pdf)
	if err != nil || total <= 0 {
		return queue.Fatal(fmt.Errorf("document is not a readable PDF: %w", err))
	}
	budget := NewBudget(cfg.BudgetMaxLLMCalls, cfg.BudgetMaxInputTokens)
	sampled := SamplePageIndices(total)
	images, err := p.renderPages(ctx, pdf, sampled)
	if err != nil {
		return err
	}

	// Deterministic segmentation, text layer first. det holds a result good
	// enough to override the model's cuts; seg holds the best result of any
	// confidence, kept around in case the vision pass cannot run.
	report("analyzing", 20, "reading text layer")
	var det, seg *segment.Result
	headers, coverage := p.textLayerHeaders(pdf, total)
	if coverage >= textLayerCoverageMin {
		r := segment.Segment(headers, total, true)
		seg = &r
		if r.Confidence >= cfg.SkipParseThreshold {
			det = seg
		}
	}

	// Header-crop labelling fallback for scans without a text layer.
	if det == nil {
		report("analyzing", 25, "labelling page headers")
		if r, ok := p.headerCropSegment(ctx, cfg, budget, pdf, total); ok {
			if seg == nil || r.Confidence >= seg.Confidence {
				seg = r
			}
			if r.Confidence >= cfg.SkipParseThreshold {
				det = r
			}
		}
	}

	report("analyzing", 30, "running vision analysis")
	var notes []string
	raw, meta, parsed, err := p.visionPass(ctx, cfg, budget, pdf, images, total)
	switch {
	case err == nil:
		if !parsed {
			notes = append(notes, "vision response was not valid JSON; using fallback metadata")
		}
	case errors.Is(err, ErrBudgetExhausted) && seg != nil:
		// The header-labelling batches spent the budget but left a usable
		// segmentation. Keep the partial result and finish without further
		// calls; confidence alone decides the routing.
		raw, parsed = "", false
		meta = FallbackMetadata(total)
		det = seg
		notes = append(notes, "LLM budget exhausted before vision analysis; continuing with deterministic segmentation only")
	case errors.Is(err, ErrBudgetExhausted):
		return queue.Fatal(err)
	default:
		return err
	}

	// Deterministic instructions win over the model's when available; the
	// model still contributes title/composer identification.
	segUsed := false
	segConf := 0
	if det != nil {
		meta.CuttingInstructions = toSessionInstructions(det.Instructions)
		if det.Confidence > meta.ConfidenceScore {
			meta.ConfidenceScore = det.Confidence
		}
		segUsed = true
		segConf = det.Confidence
	}

	prov := session.Provenance{
		Provider:          cfg.Provider,
		VisionModel:       cfg.VisionModel,
		VerificationModel: cfg.VerificationModel,
		ModelParams:       encodeParams(cfg.VisionModelParams),
		PromptVersion:     cfg.PromptVersion,
	}

	report("validating", 50, "validating cutting instructions")
	outcome := cutting.Validate(meta.CuttingInstructions, total, cutting.Options{OneIndexed: true, DetectGaps: true})

	if !outcome.IsValid || meta.ConfidenceScore < cfg.SkipParseThreshold {
		notes = append(notes, outcome.Errors...)
		state := sess.State
		state.ExtractedMetadata = &meta
		state.ConfidenceScore = meta.ConfidenceScore
		state.FinalConfidence = gates.FinalConfidence(meta.ConfidenceScore, segConf, segUsed)
		state.RoutingDecision = session.RouteNoParseSecondPass
		state.ParseStatus = session.ParseNotParsed
		state.SecondPassStatus = session.SecondPassQueued
		state.AutoApproved = false
		state.RequiresHumanReview = true
		state.FirstPassRaw = truncateRaw(raw)
		state.Notes = joinNotes(notes)
		state.Provenance = prov
		if err := p.Sessions.UpdateState(ctx, sess.ID, state); err != nil {
			return err
		}
		p.enqueueSecondPass(sess.ID)
		report("queued_for_second_pass", 100, "awaiting verification pass")
		return nil
	}

	report("splitting", 70, "splitting document into parts")
	instructions := outcome.Instructions
	ranges := make([][2]int, len(instructions))
	for i, in := range instructions {
		ranges[i] = [2]int{in.PageStart - 1, in.PageEnd - 1}
	}
	buffers, err := p.Splitter.SplitByRanges(ctx, pdf, ranges)
	if err != nil {
		return fmt.Errorf("failed to split document: %w", err)
	}
	if len(buffers) != len(instructions) {
		return queue.Fatal(fmt.Errorf("splitter produced %d parts for %d instructions", len(buffers), len(instructions)))
	}

	report("saving", 90, "storing split parts")
	parts := make([]session.ParsedPart, 0, len(instructions))
	tempFiles := make([]string, 0, len(instructions))
	for i, in := range instructions {
		displayName := partDisplayName(in)
		key := storage.PartKey(sess.ID, displayName)
		objMeta := storage.Metadata{
			"sessionId":  sess.ID,
			"instrument": in.Instrument,
			"partName":   in.PartName,
			"section":    in.Section,
			"original":   sess.StorageKey,
		}
		if err := p.Objects.PutObject(ctx, key, buffers[i], objMeta); err != nil {
			return fmt.Errorf("failed to store part %q: %w", displayName, err)
		}
		parts = append(parts, session.ParsedPart{
			Instrument:    in.Instrument,
			PartName:      in.PartName,
			Section:       in.Section,
			Transposition: in.Transposition,
			PartNumber:    in.PartNumber,
			StorageKey:    key,
			Filename:      storage.Slug(displayName) + ".pdf",
			ByteSize:      int64(len(buffers[i])),
			PageCount:     in.PageEnd - in.PageStart + 1,
			PageStart:     in.PageStart,
			PageEnd:       in.PageEnd,
		})
		tempFiles = append(tempFiles, key)
	}

	verdict := gates.Evaluate(gates.Input{
		Parts:                  parts,
		Metadata:               meta,
		TotalPages:             total,
		MaxPagesPerPart:        cfg.MaxPagesPerPart,
		SegmentationConfidence: segConf,
		SegmentationUsed:       segUsed,
	})
	final := verdict.FinalConfidence

	routing := session.RouteAutoParseSecondPass
	secondPass := session.SecondPassNotNeeded
	if final >= cfg.AutoApproveThreshold && !verdict.Failed {
		routing = session.RouteAutoParseAutoApprove
	} else if cfg.TwoPassEnabled {
		secondPass = session.SecondPassQueued
	}
	autoCommit := cfg.EnableFullyAutonomousMode &&
		final >= cfg.AutonomousApprovalThreshold &&
		secondPass == session.SecondPassNotNeeded &&
		!verdict.Failed

	notes = append(notes, outcome.Warnings...)
	notes = append(notes, verdict.Reasons...)

	state := sess.State
	state.ExtractedMetadata = &meta
	state.ConfidenceScore = meta.ConfidenceScore
	state.FinalConfidence = final
	state.RoutingDecision = routing
	state.ParseStatus = session.ParseParsed
	state.SecondPassStatus = secondPass
	state.AutoApproved = autoCommit
	state.RequiresHumanReview = routing != session.RouteAutoParseAutoApprove
	state.ParsedParts = parts
	state.CuttingInstructions = instructions
	state.TempFiles = tempFiles
	state.FirstPassRaw = truncateRaw(raw)
	state.Notes = joinNotes(notes)
	state.Provenance = prov
	if err := p.Sessions.UpdateState(ctx, sess.ID, state); err != nil {
		return err
	}

	// Follow-up jobs go out only after the state write commits.
	if secondPass == session.SecondPassQueued {
		p.enqueueSecondPass(sess.ID)
	}
	if autoCommit {
		p.enqueueAutoCommit(sess.ID)
	}
	p.recordAudit(ctx, "smart_upload.processed", sess.ID, true, map[string]any{
		"routing":         string(routing),
		"finalConfidence": final,
		"parts":           len(parts),
	})

	if secondPass == session.SecondPassQueued {
		report("queued_for_second_pass", 100, "awaiting verification pass")
	} else {
		report("complete", 100, fmt.Sprintf("%d parts created", len(parts)))
	}
	return nil
}

// fetchOriginal downloads the session's upload, enforcing the size cap.
func (p *Processor) fetchOriginal(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	rc, err := p.Objects.GetObject(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, queue.Fatal(fmt.Errorf("original upload missing: %w", err))
		}
		return nil, fmt.Errorf("failed to fetch original upload: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read original upload: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, queue.Fatal(fmt.Errorf("upload exceeds the %d byte limit", maxBytes))
	}
	return data, nil
}

// renderPages rasterizes the sampled pages concurrently, preserving order.
func (p *Processor) renderPages(ctx context.Context, pdf []byte, pages []int) ([]providers.Image, error) {
	images := make([]providers.Image, len(pages))
	opts := pdfkit.DefaultRenderOptions()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(renderConcurrency)
	for i, page := range pages {
		i, page := i, page
		g.Go(func() error {
			png, err := p.Renderer.RenderPage(gctx, pdf, page, opts)
			if err != nil {
				return fmt.Errorf("failed to render page %d: %w", page+1, err)
			}
			images[i] = providers.Image{
				MimeType:   "image/png",
				Base64Data: base64.StdEncoding.EncodeToString(png),
				Label:      fmt.Sprintf("page %d", page+1),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

// textLayerHeaders extracts the first text line of every page and reports
// the fraction of pages that had one.
func (p *Processor) textLayerHeaders(pdf []byte, total int) ([]segment.PageHeader, float64) {
	headers := make([]segment.PageHeader, 0, total)
	labeled := 0
	for page := 0; page < total; page++ {
		text, err := p.Text.ExtractPageText(pdf, page)
		if err != nil {
			continue
		}
		line := firstLine(text)
		h := segment.PageHeader{PageIndex: page, HeaderText: line, HasText: line != ""}
		if h.HasText {
			labeled++
		}
		headers = append(headers, h)
	}
	if total == 0 {
		return headers, 0
	}
	return headers, float64(labeled) / float64(total)
}

// headerCropSegment renders the top strip of every page and asks the
// verification model to label the instruments, in batches. Best effort: any
// failure falls through to the primary vision pass. Budget exhaustion keeps
// the batches labeled so far.
func (p *Processor) headerCropSegment(ctx context.Context, cfg *config.Runtime, budget *Budget, pdf []byte, total int) (*segment.Result, bool) {
	var headers []segment.PageHeader
	for batchStart := 0; batchStart < total; batchStart += headerCropBatchSize {
		batchEnd := min(batchStart+headerCropBatchSize, total)
		crops, err := p.renderHeaderCrops(ctx, pdf, batchStart, batchEnd)
		if err != nil {
			log.Warn().Err(err).Msg("header crop rendering failed, skipping deterministic fallback")
			return nil, false
		}
		userPrompt := fmt.Sprintf("Label the instrument header on each of these %d page crops.", len(crops))
		if err := budget.Reserve(cfg.HeaderLabelPrompt+userPrompt, len(crops)); err != nil {
			break
		}
		res, err := p.Caller.CallVisionModel(ctx, p.modelConfig(cfg, cfg.VerificationModel), crops, userPrompt, providers.CallOptions{
			System:         cfg.HeaderLabelPrompt,
			ResponseFormat: "json",
			ModelParams:    cfg.VerificationModelParams,
		})
		if err != nil {
			log.Warn().Err(err).Msg("header labelling call failed, skipping deterministic fallback")
			return nil, false
		}
		headers = append(headers, ParseHeaderLabels(res.Content, batchStart, batchEnd-batchStart)...)
	}
	if len(headers) == 0 {
		return nil, false
	}
	r := segment.Segment(headers, total, false)
	return &r, true
}

func (p *Processor) renderHeaderCrops(ctx context.Context, pdf []byte, start, end int) ([]providers.Image, error) {
	crops := make([]providers.Image, end-start)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(renderConcurrency)
	for page := start; page < end; page++ {
		page := page
		g.Go(func() error {
			png, err := p.Renderer.RenderHeaderCrop(gctx, pdf, page, headerCropTopFraction)
			if err != nil {
				return fmt.Errorf("failed to render header crop of page %d: %w", page+1, err)
			}
			crops[page-start] = providers.Image{
				MimeType:   "image/png",
				Base64Data: base64.StdEncoding.EncodeToString(png),
				Label:      fmt.Sprintf("page %d", page+1),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return crops, nil
}

// visionPass performs the primary metadata extraction call. parsed is false
// when the response could not be decoded and the fallback metadata is in use.
func (p *Processor) visionPass(ctx context.Context, cfg *config.Runtime, budget *Budget, pdf []byte, images []providers.Image, total int) (raw string, meta session.Metadata, parsed bool, err error) {
	labels := make([]string, len(images))
	for i, img := range images {
		labels[i] = img.Label
	}
	userPrompt := fmt.Sprintf(
		"The document has %d pages. The attached images are: %s. Analyze the document and respond with the JSON object.",
		total, strings.Join(labels, ", "))

	opts := providers.CallOptions{
		System:         cfg.VisionSystemPrompt,
		ResponseFormat: "json",
		ModelParams:    cfg.VisionModelParams,
	}

	imageCount := len(images)
	pm, _ := providers.GetMeta(cfg.Provider)
	if cfg.SendFullPDFToLLM && pm.SupportsPDFInput {
		opts.Documents = []providers.Document{{
			MimeType:   "application/pdf",
			Base64Data: base64.StdEncoding.EncodeToString(pdf),
			Name:       "score.pdf",
		}}
		images = nil
		imageCount = total
		userPrompt = fmt.Sprintf("The attached PDF has %d pages. Analyze it and respond with the JSON object.", total)
	}

	if err := budget.Reserve(cfg.VisionSystemPrompt+userPrompt, imageCount); err != nil {
		return "", session.Metadata{}, false, err
	}
	res, err := p.Caller.CallVisionModel(ctx, p.modelConfig(cfg, cfg.VisionModel), images, userPrompt, opts)
	if err != nil {
		return "", session.Metadata{}, false, err
	}

	m, ok := ParseMetadata(res.Content)
	if !ok {
		return res.Content, FallbackMetadata(total), false, nil
	}
	return res.Content, m, true, nil
}

func (p *Processor) modelConfig(cfg *config.Runtime, model string) providers.ModelConfig {
	return providers.ModelConfig{
		Provider: cfg.Provider,
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		Model:    model,
	}
}

func (p *Processor) enqueueSecondPass(sessionID string) {
	if p.SecondPassQueue == nil {
		return
	}
	if _, err := p.SecondPassQueue.Enqueue(SecondPassPayload{SessionID: sessionID}); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to enqueue verification pass")
	}
}

func (p *Processor) enqueueAutoCommit(sessionID string) {
	if p.AutoCommitQueue == nil {
		return
	}
	if _, err := p.AutoCommitQueue.Enqueue(AutoCommitPayload{SessionID: sessionID}); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to enqueue autonomous commit")
	}
}

func (p *Processor) recordAudit(ctx context.Context, action, sessionID string, success bool, detail map[string]any) {
	if p.Audit == nil {
		return
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["sessionId"] = sessionID
	p.Audit.Record(ctx, audit.Event{Action: action, Actor: "pipeline", Success: success, Detail: detail})
}

// toSessionInstructions converts 0-indexed engine output to the 1-indexed
// session convention.
func toSessionInstructions(in []segment.Instruction) []session.CuttingInstruction {
	out := make([]session.CuttingInstruction, 0, len(in))
	for _, i := range in {
		out = append(out, session.CuttingInstruction{
			PartName:      i.PartName,
			Instrument:    i.Instrument,
			Section:       i.Section,
			Transposition: i.Transposition,
			PartNumber:    i.PartNumber,
			PageStart:     i.StartPage + 1,
			PageEnd:       i.EndPage + 1,
		})
	}
	return out
}

func partDisplayName(in session.CuttingInstruction) string {
	if strings.TrimSpace(in.PartName) != "" {
		return in.PartName
	}
	if in.PartNumber > 1 {
		return fmt.Sprintf("%s %d", in.Instrument, in.PartNumber)
	}
	return in.Instrument
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

func truncateRaw(raw string) string {
	if len(raw) > firstPassRawCap {
		return raw[:firstPassRawCap]
	}
	return raw
}

func joinNotes(notes []string) string {
	filtered := notes[:0]
	for _, n := range notes {
		if strings.TrimSpace(n) != "" {
			filtered = append(filtered, n)
		}
	}
	return strings.Join(filtered, "; ")
}

func encodeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	return string(raw)
}
