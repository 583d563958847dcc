package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autodev/internal/types"
)

func storeLearning(t *testing.T, s *Store, title, content string, keywords []string, confidence float64) *types.Learning {
	t.Helper()
	l, err := s.StoreLearning(&types.Learning{
		UserID:     "u1",
		Project:    "proj",
		Category:   types.LearnPattern,
		Title:      title,
		Content:    content,
		Keywords:   keywords,
		Confidence: confidence,
	})
	require.NoError(t, err)
	return l
}

func TestStoreLearningRoundTrip(t *testing.T) {
	s := openTestStore(t)

	l := storeLearning(t, s, "Use parameterized queries",
		"Raw string concatenation in SQL caused an injection finding",
		[]string{"sql", "injection"}, 0.8)

	got, err := s.GetLearning(l.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LearnPattern, got.Category)
	assert.Equal(t, []string{"sql", "injection"}, got.Keywords)
	assert.True(t, got.IsActive)
	assert.Equal(t, 0, got.UsageCount)
}

func TestRelevantLearningsScoring(t *testing.T) {
	s := openTestStore(t)

	sql := storeLearning(t, s, "SQL migrations need version gating",
		"Schema changes must check the version table before altering", []string{"sqlite", "migration"}, 0.9)
	storeLearning(t, s, "Frontend bundle splitting",
		"Large bundles slow initial page load", []string{"webpack"}, 0.9)

	matches, err := s.RelevantLearnings("u1", "proj",
		"Add a migration for the new tasks column in sqlite", 10, 0.05)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, sql.ID, matches[0].ID)
}

func TestRelevantLearningsRespectsLimitAndThreshold(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 15; i++ {
		storeLearning(t, s, "Handle timeout in agent subprocess",
			"Agent calls must carry a deadline", []string{"timeout", "agent"}, 0.8)
	}

	matches, err := s.RelevantLearnings("u1", "proj", "agent subprocess timeout handling", 10, 0.1)
	require.NoError(t, err)
	assert.Len(t, matches, 10)

	none, err := s.RelevantLearnings("u1", "proj", "completely unrelated cooking recipe", 10, 0.1)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRelevantLearningsScaleByConfidence(t *testing.T) {
	s := openTestStore(t)

	weak := storeLearning(t, s, "Retry transient agent errors",
		"Transient errors deserve a retry with backoff", []string{"retry"}, 0.2)
	strong := storeLearning(t, s, "Retry transient agent errors",
		"Transient errors deserve a retry with backoff", []string{"retry"}, 0.9)

	matches, err := s.RelevantLearnings("u1", "proj", "retry transient agent errors", 10, 0.01)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, strong.ID, matches[0].ID)
	assert.Equal(t, weak.ID, matches[1].ID)
}

func TestMarkUsedIncrementsUsage(t *testing.T) {
	s := openTestStore(t)
	l := storeLearning(t, s, "Title", "Content words here", nil, 0.5)

	require.NoError(t, s.MarkUsed(l.ID))
	require.NoError(t, s.MarkUsed(l.ID))

	got, err := s.GetLearning(l.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsageCount)
	require.NotNil(t, got.LastUsed)
}

func TestDecayLearnings(t *testing.T) {
	s := openTestStore(t)

	stale := storeLearning(t, s, "Old fact", "Unused for a long time", nil, 0.35)
	fresh := storeLearning(t, s, "Fresh fact", "Recently used", nil, 0.9)
	require.NoError(t, s.MarkUsed(fresh.ID))

	// Backdate the stale learning past the inactivity window.
	_, err := s.db.Exec("UPDATE learnings SET created_at = ? WHERE id = ?",
		encodeTime(time.Now().Add(-40*24*time.Hour)), stale.ID)
	require.NoError(t, err)

	decayed, deactivated, err := s.DecayLearnings("u1", "proj", 30*24*time.Hour, 0.9, 0.35)
	require.NoError(t, err)
	assert.Equal(t, 1, decayed)
	assert.Equal(t, 1, deactivated, "0.35*0.9 falls below the floor")

	got, err := s.GetLearning(stale.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.InDelta(t, 0.315, got.Confidence, 0.001)

	// Deactivated learnings no longer surface.
	active, err := s.ListLearnings("u1", "proj", 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, fresh.ID, active[0].ID)
}

func TestTokenizeDropsStopWordsAndShortWords(t *testing.T) {
	words := tokenize("The agent is at an IN_PROGRESS state for DB work")
	assert.True(t, words["agent"])
	assert.True(t, words["in_progress"])
	assert.False(t, words["the"])
	assert.False(t, words["is"])
	assert.False(t, words["db"], "two-letter words are dropped")
}
