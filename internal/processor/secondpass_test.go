package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stavekit/partflow/internal/config"
	"github.com/stavekit/partflow/internal/queue"
	"github.com/stavekit/partflow/internal/session"
)

// queueForVerification puts the session into the state the primary pass
// leaves behind when it routes to the verification queue.
func queueForVerification(t *testing.T, h *harness, withParts bool) {
	t.Helper()
	meta := session.Metadata{
		Title:           "Jupiter Hymn",
		Composer:        "Holst",
		IsMultiPart:     true,
		ConfidenceScore: 80,
		CuttingInstructions: []session.CuttingInstruction{
			{PartName: "Flute 1", Instrument: "Flute", PartNumber: 1, PageStart: 1, PageEnd: 3},
			{PartName: "Oboe", Instrument: "Oboe", PartNumber: 1, PageStart: 4, PageEnd: 6},
		},
	}
	state := session.State{
		ExtractedMetadata: &meta,
		ConfidenceScore:   80,
		FinalConfidence:   80,
		SecondPassStatus:  session.SecondPassQueued,
		ParseStatus:       session.ParseNotParsed,
		RoutingDecision:   session.RouteNoParseSecondPass,
	}
	if withParts {
		state.ParseStatus = session.ParseParsed
		state.RoutingDecision = session.RouteAutoParseSecondPass
		state.ParsedParts = []session.ParsedPart{
			{PartName: "Flute 1", Instrument: "Flute", PageStart: 1, PageEnd: 3, PageCount: 3},
			{PartName: "Oboe", Instrument: "Oboe", PageStart: 4, PageEnd: 6, PageCount: 3},
		}
	}
	state.RequiresHumanReview = true
	require.NoError(t, h.sessions.UpdateState(context.Background(), h.sessionID, state))
}

func runSecondPass(t *testing.T, h *harness) error {
	t.Helper()
	return h.proc.SecondPass(context.Background(), h.sessionID, func(step string, _ int, _ string) {
		h.steps = append(h.steps, step)
	})
}

func TestSecondPassClearsReviewOnHighConfidence(t *testing.T) {
	h := newHarness(t, 6, nil)
	queueForVerification(t, h, true)
	h.caller.response = fmt.Sprintf(twoPartResponse, 96)

	require.NoError(t, runSecondPass(t, h))

	state := h.state(t)
	assert.Equal(t, session.SecondPassComplete, state.SecondPassStatus)
	assert.Equal(t, 96, state.FinalConfidence)
	assert.False(t, state.RequiresHumanReview)
	assert.False(t, state.AutoApproved, "autonomous mode is off by default")
	assert.Empty(t, h.autoCommit.payloads)

	// the materialized parts are untouched
	require.Len(t, state.ParsedParts, 2)
	assert.Equal(t, session.RouteAutoParseSecondPass, state.RoutingDecision, "routing is decided by the first pass only")
}

func TestSecondPassAutonomousModeTriggersCommit(t *testing.T) {
	h := newHarness(t, 6, map[string]string{
		config.KeyAutonomousMode: "true",
	})
	queueForVerification(t, h, true)
	h.caller.response = fmt.Sprintf(twoPartResponse, 97)

	require.NoError(t, runSecondPass(t, h))

	state := h.state(t)
	assert.True(t, state.AutoApproved)
	require.Len(t, h.autoCommit.payloads, 1)
	assert.Equal(t, AutoCommitPayload{SessionID: h.sessionID}, h.autoCommit.payloads[0])
}

func TestSecondPassWithoutPartsStaysInReview(t *testing.T) {
	h := newHarness(t, 6, map[string]string{
		config.KeyAutonomousMode: "true",
	})
	queueForVerification(t, h, false)
	h.caller.response = fmt.Sprintf(twoPartResponse, 97)

	require.NoError(t, runSecondPass(t, h))

	state := h.state(t)
	assert.Equal(t, session.SecondPassComplete, state.SecondPassStatus)
	assert.True(t, state.RequiresHumanReview, "no materialized parts means a human confirms")
	assert.False(t, state.AutoApproved)
	assert.Empty(t, h.autoCommit.payloads)
	assert.Equal(t, "Jupiter Hymn", state.ExtractedMetadata.Title)
}

func TestSecondPassSkipsStaleJobs(t *testing.T) {
	h := newHarness(t, 6, nil)
	// session was never queued for verification

	require.NoError(t, runSecondPass(t, h))
	assert.Zero(t, h.caller.calls)

	state := h.state(t)
	assert.Equal(t, session.SecondPassNotNeeded, state.SecondPassStatus)
}

func TestSecondPassUnparseableResponseIsFatal(t *testing.T) {
	h := newHarness(t, 6, nil)
	queueForVerification(t, h, true)
	h.caller.response = "the model rambled instead of answering"

	err := runSecondPass(t, h)
	require.Error(t, err)
	assert.True(t, queue.IsFatal(err))

	// the handler wrapper marks terminal failures on the session
	h.proc.markSecondPassFailed(context.Background(), h.sessionID, err)
	state := h.state(t)
	assert.Equal(t, session.SecondPassFailed, state.SecondPassStatus)
	assert.True(t, state.RequiresHumanReview)
	assert.False(t, state.AutoApproved)
	assert.Contains(t, state.Notes, "verification pass failed")
}

func TestReconcileMetadataFillsBlanksFromFirstPass(t *testing.T) {
	first := &session.Metadata{
		Title:    "Jupiter Hymn",
		Composer: "Holst",
		Arranger: "Smith",
		CuttingInstructions: []session.CuttingInstruction{
			{PartName: "Flute", Instrument: "Flute", PageStart: 1, PageEnd: 6},
		},
	}
	verified := session.Metadata{Title: "Jupiter Hymn (rev.)", ConfidenceScore: 95}

	meta := reconcileMetadata(first, verified)
	assert.Equal(t, "Jupiter Hymn (rev.)", meta.Title, "verified values win")
	assert.Equal(t, "Holst", meta.Composer, "blanks fall back to the first pass")
	assert.Equal(t, "Smith", meta.Arranger)
	assert.Equal(t, 95, meta.ConfidenceScore)
	require.Len(t, meta.CuttingInstructions, 1)
}

func TestReconcileMetadataWithoutFirstPass(t *testing.T) {
	verified := session.Metadata{Title: "Solo"}
	meta := reconcileMetadata(nil, verified)
	assert.Equal(t, "Solo", meta.Title)
}

// ====== AUTO COMMIT ======

type fakeCommitter struct {
	err     error
	commits int
}

func (f *fakeCommitter) Commit(_ context.Context, _ *session.Session) error {
	f.commits++
	return f.err
}

func autoApproveSession(t *testing.T, h *harness) {
	t.Helper()
	state := h.state(t)
	state.AutoApproved = true
	state.RequiresHumanReview = false
	require.NoError(t, h.sessions.UpdateState(context.Background(), h.sessionID, state))
}

func autoCommitJob(t *testing.T, sessionID string, attempts, maxAttempts int) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(AutoCommitPayload{SessionID: sessionID})
	require.NoError(t, err)
	return &queue.Job{Payload: payload, Attempts: attempts, MaxAttempts: maxAttempts}
}

func TestAutoCommitRunsCommitter(t *testing.T) {
	h := newHarness(t, 6, nil)
	autoApproveSession(t, h)
	committer := &fakeCommitter{}
	h.proc.Committer = committer

	require.NoError(t, h.proc.HandleAutoCommit(context.Background(), autoCommitJob(t, h.sessionID, 1, 3)))
	assert.Equal(t, 1, committer.commits)
}

func TestAutoCommitSkipsWithdrawnApproval(t *testing.T) {
	h := newHarness(t, 6, nil)
	committer := &fakeCommitter{}
	h.proc.Committer = committer

	require.NoError(t, h.proc.HandleAutoCommit(context.Background(), autoCommitJob(t, h.sessionID, 1, 3)))
	assert.Zero(t, committer.commits)
}

func TestAutoCommitTerminalFailureDemotesSession(t *testing.T) {
	h := newHarness(t, 6, nil)
	autoApproveSession(t, h)
	committer := &fakeCommitter{err: errors.New("library rejected the record")}
	h.proc.Committer = committer

	err := h.proc.HandleAutoCommit(context.Background(), autoCommitJob(t, h.sessionID, 3, 3))
	require.Error(t, err)

	state := h.state(t)
	assert.False(t, state.AutoApproved)
	assert.True(t, state.RequiresHumanReview)
	assert.Contains(t, state.Notes, "autonomous commit failed")
}

func TestAutoCommitNonTerminalFailureLeavesSession(t *testing.T) {
	h := newHarness(t, 6, nil)
	autoApproveSession(t, h)
	committer := &fakeCommitter{err: errors.New("transient")}
	h.proc.Committer = committer

	err := h.proc.HandleAutoCommit(context.Background(), autoCommitJob(t, h.sessionID, 1, 3))
	require.Error(t, err)

	state := h.state(t)
	assert.True(t, state.AutoApproved, "a retriable failure does not demote")
}

func TestAutoCommitWithoutCommitterIsFatal(t *testing.T) {
	h := newHarness(t, 6, nil)
	autoApproveSession(t, h)
	h.proc.Committer = nil

	err := h.proc.HandleAutoCommit(context.Background(), autoCommitJob(t, h.sessionID, 1, 3))
	require.Error(t, err)
	assert.True(t, queue.IsFatal(err))
}
