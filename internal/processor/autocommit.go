package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/stavekit/partflow/internal/queue"
	"github.com/stavekit/partflow/internal/session"
)

// HandleAutoCommit finalizes an auto-approved session through the configured
// Committer. A terminal failure demotes the session back to human review.
func (p *Processor) HandleAutoCommit(ctx context.Context, job *queue.Job) error {
	var payload AutoCommitPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("bad auto-commit payload: %w", err))
	}

	sess, err := p.Sessions.Get(ctx, payload.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return queue.Fatal(err)
		}
		return err
	}
	if !sess.State.AutoApproved {
		// Approval was withdrawn between enqueue and execution.
		return nil
	}
	if p.Committer == nil {
		return queue.Fatal(errors.New("no committer configured for autonomous mode"))
	}

	if err := p.Committer.Commit(ctx, sess); err != nil {
		if queue.IsFatal(err) || job.Attempts >= job.MaxAttempts {
			state := sess.State
			state.AutoApproved = false
			state.RequiresHumanReview = true
			state.Notes = joinNotes(append(splitNotes(state.Notes), "autonomous commit failed: "+err.Error()))
			if uerr := p.Sessions.UpdateState(ctx, sess.ID, state); uerr != nil {
				log.Error().Err(uerr).Str("session_id", sess.ID).Msg("failed to record commit failure")
			}
			p.recordAudit(ctx, "smart_upload.auto_commit", sess.ID, false, map[string]any{"error": err.Error()})
		}
		return err
	}

	p.recordAudit(ctx, "smart_upload.auto_commit", sess.ID, true, nil)
	return nil
}

// LogCommitter is the standalone-mode committer: it only records that the
// session would have been committed. Deployments embed the pipeline and
// supply a real one.
type LogCommitter struct{}

// Commit logs the commit.
func (LogCommitter) Commit(_ context.Context, sess *session.Session) error {
	log.Info().
		Str("session_id", sess.ID).
		Int("parts", len(sess.State.ParsedParts)).
		Msg("session auto-committed")
	return nil
}

var _ Committer = LogCommitter{}
