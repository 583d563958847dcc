package store

import (
	"database/sql"
	"fmt"
	"time"

	"autodev/internal/logging"
	"autodev/internal/types"
)

// CreateStory inserts a new story under a PRD. The order index defaults to
// the next free slot within the PRD.
func (s *Store) CreateStory(prdID int64, title, description string, criteria []string, priority int) (*types.Story, error) {
	now := time.Now()
	criteriaJSON, err := encodeJSON(criteria)
	if err != nil {
		return nil, err
	}

	var next int
	if err := s.db.QueryRow(
		"SELECT COALESCE(MAX(order_index), -1) + 1 FROM stories WHERE prd_id = ?", prdID,
	).Scan(&next); err != nil {
		return nil, fmt.Errorf("next story order: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO stories (prd_id, title, description, acceptance_criteria, priority, order_index, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		prdID, title, description, criteriaJSON, priority, next, types.StoryPending,
		encodeTime(now), encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("create story: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	logging.Store("Story #%d created under PRD #%d: %s", id, prdID, title)
	return s.GetStory(id)
}

const storyColumns = `
	st.id, st.prd_id, st.title, st.description, st.acceptance_criteria,
	st.priority, st.order_index, st.status, st.created_at, st.updated_at,
	COUNT(t.id),
	COALESCE(SUM(CASE WHEN t.status = 'COMPLETED' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN t.status = 'FAILED' THEN 1 ELSE 0 END), 0)`

// GetStory returns a story with derived task counts, or nil when not found.
func (s *Store) GetStory(id int64) (*types.Story, error) {
	row := s.db.QueryRow(`
		SELECT `+storyColumns+`
		FROM stories st LEFT JOIN tasks t ON t.story_id = st.id
		WHERE st.id = ?
		GROUP BY st.id`, id)

	story, err := scanStory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return story, err
}

// ListStories returns the stories under a PRD ordered by order index.
func (s *Store) ListStories(prdID int64) ([]*types.Story, error) {
	rows, err := s.db.Query(`
		SELECT `+storyColumns+`
		FROM stories st LEFT JOIN tasks t ON t.story_id = st.id
		WHERE st.prd_id = ?
		GROUP BY st.id
		ORDER BY st.order_index ASC`, prdID)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	var stories []*types.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, story)
	}
	return stories, rows.Err()
}

// UpdateStoryStatus transitions a story.
func (s *Store) UpdateStoryStatus(id int64, status types.StoryStatus) error {
	res, err := s.db.Exec(
		"UPDATE stories SET status = ?, updated_at = ? WHERE id = ?",
		status, encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update story status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("story %d not found", id)
	}
	logging.Store("Story #%d -> %s", id, status)
	return nil
}

func scanStory(row rowScanner) (*types.Story, error) {
	var st types.Story
	var criteria, createdAt, updatedAt string

	err := row.Scan(&st.ID, &st.PRDID, &st.Title, &st.Description, &criteria,
		&st.Priority, &st.OrderIndex, &st.Status, &createdAt, &updatedAt,
		&st.TotalTasks, &st.CompletedTasks, &st.FailedTasks)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(criteria, &st.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("decode acceptance criteria: %w", err)
	}
	if st.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}
