package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"autodev/internal/logging"
	"autodev/internal/types"
)

// StoreLearning persists an extracted learning.
func (s *Store) StoreLearning(l *types.Learning) (*types.Learning, error) {
	now := time.Now()
	keywords, err := encodeJSON(l.Keywords)
	if err != nil {
		return nil, err
	}

	var taskID any
	if l.TaskID != nil {
		taskID = *l.TaskID
	}

	res, err := s.db.Exec(`
		INSERT INTO learnings (user_id, project, task_id, category, title, content,
			relevance_keywords, confidence, usage_count, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 1, ?)`,
		l.UserID, l.Project, taskID, l.Category, l.Title, l.Content,
		keywords, l.Confidence, encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("store learning: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	logging.Learning("Learning #%d stored [%s]: %s", id, l.Category, l.Title)
	return s.GetLearning(id)
}

const learningColumns = `
	id, user_id, project, task_id, category, title, content,
	relevance_keywords, confidence, usage_count, last_used, is_active, created_at`

// GetLearning returns a learning by id, or nil when not found.
func (s *Store) GetLearning(id int64) (*types.Learning, error) {
	row := s.db.QueryRow("SELECT "+learningColumns+" FROM learnings WHERE id = ?", id)
	l, err := scanLearning(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// ListLearnings returns active learnings for (userID, project), newest first.
// A zero limit means no limit.
func (s *Store) ListLearnings(userID, project string, limit int) ([]*types.Learning, error) {
	query := "SELECT " + learningColumns + ` FROM learnings
		WHERE user_id = ? AND project = ? AND is_active = 1
		ORDER BY id DESC`
	args := []any{userID, project}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list learnings: %w", err)
	}
	defer rows.Close()
	return collectLearnings(rows)
}

// scoredLearning pairs a learning with its relevance to a query.
type scoredLearning struct {
	learning *types.Learning
	score    float64
}

// RelevantLearnings scores active learnings against the task text and
// returns the top maxResults above the minimum score. Scoring weights
// title matches highest, then content, then declared keywords, and scales
// by the learning's confidence.
func (s *Store) RelevantLearnings(userID, project, taskText string, maxResults int, minScore float64) ([]*types.Learning, error) {
	all, err := s.ListLearnings(userID, project, 0)
	if err != nil {
		return nil, err
	}

	queryWords := tokenize(taskText)
	if len(queryWords) == 0 {
		return nil, nil
	}

	var scored []scoredLearning
	for _, l := range all {
		score := relevanceScore(l, queryWords)
		if score >= minScore {
			scored = append(scored, scoredLearning{l, score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})
	if maxResults > 0 && len(scored) > maxResults {
		scored = scored[:maxResults]
	}

	out := make([]*types.Learning, len(scored))
	for i, sl := range scored {
		out[i] = sl.learning
	}
	logging.LearningDebug("Relevance query matched %d/%d learnings", len(out), len(all))
	return out, nil
}

// relevanceScore computes word-overlap relevance: title 0.5, content 0.3,
// keywords 0.2, scaled by confidence with a small usage bonus.
func relevanceScore(l *types.Learning, queryWords map[string]bool) float64 {
	titleHit := overlap(queryWords, tokenize(l.Title))
	contentHit := overlap(queryWords, tokenize(l.Content))

	keywordWords := make(map[string]bool, len(l.Keywords))
	for _, k := range l.Keywords {
		keywordWords[strings.ToLower(k)] = true
	}
	keywordHit := overlap(queryWords, keywordWords)

	score := (titleHit*0.5 + contentHit*0.3 + keywordHit*0.2) * l.Confidence
	if l.UsageCount > 0 {
		bonus := 1.0 + float64(l.UsageCount)*0.02
		if bonus > 1.2 {
			bonus = 1.2
		}
		score *= bonus
	}
	return score
}

// overlap returns the fraction of query words present in the candidate set.
func overlap(query, candidate map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for w := range query {
		if candidate[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"this": true, "to": true, "was": true, "with": true, "will": true,
	"should": true, "when": true, "then": true,
}

// tokenize lowercases and splits text into significant words.
func tokenize(text string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '_'
	})
	out := make(map[string]bool, len(words))
	for _, w := range words {
		if len(w) < 3 || stopWords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

// MarkUsed records that a learning was injected into a task context.
func (s *Store) MarkUsed(id int64) error {
	_, err := s.db.Exec(`
		UPDATE learnings SET usage_count = usage_count + 1, last_used = ?
		WHERE id = ?`,
		encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark learning used: %w", err)
	}
	return nil
}

// DecayLearnings multiplies the confidence of learnings unused for the
// inactivity window by the decay factor and deactivates any that fall
// below the floor. Returns (decayed, deactivated).
func (s *Store) DecayLearnings(userID, project string, inactiveFor time.Duration, factor, floor float64) (int, int, error) {
	cutoff := encodeTime(time.Now().Add(-inactiveFor))

	res, err := s.db.Exec(`
		UPDATE learnings SET confidence = confidence * ?
		WHERE user_id = ? AND project = ? AND is_active = 1
			AND COALESCE(last_used, created_at) < ?`,
		factor, userID, project, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("decay learnings: %w", err)
	}
	decayed, _ := res.RowsAffected()

	res, err = s.db.Exec(`
		UPDATE learnings SET is_active = 0
		WHERE user_id = ? AND project = ? AND is_active = 1 AND confidence < ?`,
		userID, project, floor)
	if err != nil {
		return 0, 0, fmt.Errorf("deactivate learnings: %w", err)
	}
	deactivated, _ := res.RowsAffected()

	if decayed > 0 || deactivated > 0 {
		logging.Learning("Decay pass: %d decayed, %d deactivated", decayed, deactivated)
	}
	return int(decayed), int(deactivated), nil
}

func collectLearnings(rows *sql.Rows) ([]*types.Learning, error) {
	var out []*types.Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLearning(row rowScanner) (*types.Learning, error) {
	var l types.Learning
	var taskID sql.NullInt64
	var keywords, createdAt string
	var lastUsed sql.NullString

	err := row.Scan(&l.ID, &l.UserID, &l.Project, &taskID, &l.Category,
		&l.Title, &l.Content, &keywords, &l.Confidence, &l.UsageCount,
		&lastUsed, &l.IsActive, &createdAt)
	if err != nil {
		return nil, err
	}

	if taskID.Valid {
		l.TaskID = &taskID.Int64
	}
	if err := decodeJSON(keywords, &l.Keywords); err != nil {
		return nil, fmt.Errorf("decode learning keywords: %w", err)
	}
	if l.LastUsed, err = decodeTimePtr(lastUsed); err != nil {
		return nil, err
	}
	if l.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	return &l, nil
}
