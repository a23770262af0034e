package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stavekit/partflow/internal/config"
	"github.com/stavekit/partflow/internal/gates"
	"github.com/stavekit/partflow/internal/providers"
	"github.com/stavekit/partflow/internal/queue"
	"github.com/stavekit/partflow/internal/session"
)

// HandleSecondPass adapts the verification pass to the queue handler
// contract. When the final attempt fails, the session is marked so a human
// reviewer sees why.
func (p *Processor) HandleSecondPass(ctx context.Context, job *queue.Job) error {
	var payload SecondPassPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("bad second-pass payload: %w", err))
	}
	report := func(step string, percent int, message string) {
		job.ReportProgress(queue.Progress{Step: step, Percent: percent, Message: message, SessionID: payload.SessionID})
	}

	err := p.SecondPass(ctx, payload.SessionID, report)
	if err != nil && !errors.Is(err, context.Canceled) {
		if queue.IsFatal(err) || job.Attempts >= job.MaxAttempts {
			p.markSecondPassFailed(ctx, payload.SessionID, err)
		}
	}
	return err
}

// SecondPass re-examines the document with the verification model and the
// first pass's extracted metadata, then updates confidence and review flags.
func (p *Processor) SecondPass(ctx context.Context, sessionID string, report progressFunc) error {
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
	if sess.State.SecondPassStatus != session.SecondPassQueued {
		// Stale or duplicate job; the session moved on.
		return nil
	}

	report("downloading", 10, "fetching original upload")
	pdf, err := p.fetchOriginal(ctx, sess.StorageKey, cfg.MaxFileSizeBytes)
	if err != nil {
		return err
	}
	total, err := p.Text.PageCount(pdf)
	if err != nil || total <= 0 {
		return queue.Fatal(fmt.Errorf("document is not a readable PDF: %w", err))
	}

	report("rendering", 30, "rendering sampled pages")
	images, err := p.renderPages(ctx, pdf, SamplePageIndices(total))
	if err != nil {
		return err
	}

	previous := "{}"
	if sess.State.ExtractedMetadata != nil {
		if raw, err := json.Marshal(sess.State.ExtractedMetadata); err == nil {
			previous = string(raw)
		}
	}
	userPrompt := fmt.Sprintf(
		"The document has %d pages. Previous analysis:\n%s\nVerify it against the attached pages and respond with the corrected JSON object.",
		total, previous)

	budget := NewBudget(cfg.BudgetMaxLLMCalls, cfg.BudgetMaxInputTokens)
	if err := budget.Reserve(cfg.VerificationSystemPrompt+userPrompt, len(images)); err != nil {
		return queue.Fatal(err)
	}

	report("analyzing", 50, "running verification analysis")
	res, err := p.Caller.CallVisionModel(ctx, p.modelConfig(cfg, cfg.VerificationModel), images, userPrompt, providers.CallOptions{
		System:         cfg.VerificationSystemPrompt,
		ResponseFormat: "json",
		ModelParams:    cfg.VerificationModelParams,
	})
	if err != nil {
		return err
	}

	verified, ok := ParseMetadata(res.Content)
	if !ok {
		return queue.Fatal(errors.New("verification response was not valid JSON"))
	}

	report("validating", 80, "reconciling verified metadata")
	meta := reconcileMetadata(sess.State.ExtractedMetadata, verified)

	verdict := gates.Evaluate(gates.Input{
		Parts:           sess.State.ParsedParts,
		Metadata:        meta,
		TotalPages:      total,
		MaxPagesPerPart: cfg.MaxPagesPerPart,
	})
	final := verdict.FinalConfidence

	hasParts := len(sess.State.ParsedParts) > 0
	autoCommit := cfg.EnableFullyAutonomousMode &&
		final >= cfg.AutonomousApprovalThreshold &&
		hasParts && !verdict.Failed

	state := sess.State
	state.ExtractedMetadata = &meta
	state.ConfidenceScore = meta.ConfidenceScore
	state.FinalConfidence = final
	state.SecondPassStatus = session.SecondPassComplete
	state.AutoApproved = autoCommit
	state.RequiresHumanReview = !hasParts || verdict.Failed || final < cfg.AutoApproveThreshold
	if len(verdict.Reasons) > 0 {
		state.Notes = joinNotes(append(splitNotes(state.Notes), verdict.Reasons...))
	}
	if err := p.Sessions.UpdateState(ctx, sess.ID, state); err != nil {
		return err
	}

	if autoCommit {
		p.enqueueAutoCommit(sess.ID)
	}
	p.recordAudit(ctx, "smart_upload.second_pass", sess.ID, true, map[string]any{
		"finalConfidence": final,
	})
	report("complete", 100, "verification pass complete")
	return nil
}

// reconcileMetadata overlays the verified fields onto the first-pass
// metadata. Verified values win when present; the part structure already
// materialized on disk is never rewritten here.
func reconcileMetadata(first *session.Metadata, verified session.Metadata) session.Metadata {
	meta := verified
	if first != nil {
		if strings.TrimSpace(meta.Title) == "" {
			meta.Title = first.Title
		}
		if strings.TrimSpace(meta.Composer) == "" {
			meta.Composer = first.Composer
		}
		if strings.TrimSpace(meta.Arranger) == "" {
			meta.Arranger = first.Arranger
		}
		if len(meta.CuttingInstructions) == 0 {
			meta.CuttingInstructions = first.CuttingInstructions
		}
	}
	return meta
}

// markSecondPassFailed records a terminal verification failure on the
// session. Best effort; the job error is what the queue reports.
func (p *Processor) markSecondPassFailed(ctx context.Context, sessionID string, cause error) {
	sess, err := p.Sessions.Get(ctx, sessionID)
	if err != nil {
		return
	}
	state := sess.State
	state.SecondPassStatus = session.SecondPassFailed
	state.AutoApproved = false
	state.RequiresHumanReview = true
	state.Notes = joinNotes(append(splitNotes(state.Notes), "verification pass failed: "+cause.Error()))
	_ = p.Sessions.UpdateState(ctx, sessionID, state)
}

func splitNotes(notes string) []string {
	if strings.TrimSpace(notes) == "" {
		return nil
	}
	return strings.Split(notes, "; ")
}
