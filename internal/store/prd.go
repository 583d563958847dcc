package store

import (
	"database/sql"
	"fmt"
	"time"

	"autodev/internal/logging"
	"autodev/internal/types"
)

// CreatePRD inserts a new PRD in DRAFT status and returns it with its id.
func (s *Store) CreatePRD(userID, project, title, description string) (*types.PRD, error) {
	now := time.Now()
	meta, err := encodeJSON(map[string]string{})
	if err != nil {
		return nil, err
	}

	res, err := s.db.Exec(`
		INSERT INTO prds (user_id, project, title, description, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, project, title, description, types.PRDDraft, meta, encodeTime(now), encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("create prd: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	logging.Store("PRD #%d created for %s/%s: %s", id, userID, project, title)
	return s.GetPRD(id)
}

// prdColumns selects PRD fields plus derived story counts in one query.
const prdColumns = `
	p.id, p.user_id, p.project, p.title, p.description, p.status, p.metadata,
	p.created_at, p.updated_at, p.completed_at,
	COUNT(st.id),
	COALESCE(SUM(CASE WHEN st.status = 'COMPLETED' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN st.status = 'FAILED' THEN 1 ELSE 0 END), 0)`

// GetPRD returns a PRD with derived child counts, or nil when not found.
func (s *Store) GetPRD(id int64) (*types.PRD, error) {
	row := s.db.QueryRow(`
		SELECT `+prdColumns+`
		FROM prds p LEFT JOIN stories st ON st.prd_id = p.id
		WHERE p.id = ?
		GROUP BY p.id`, id)

	prd, err := scanPRD(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return prd, err
}

// ListPRDs returns the PRDs owned by (userID, project), newest first.
func (s *Store) ListPRDs(userID, project string) ([]*types.PRD, error) {
	rows, err := s.db.Query(`
		SELECT `+prdColumns+`
		FROM prds p LEFT JOIN stories st ON st.prd_id = p.id
		WHERE p.user_id = ? AND p.project = ?
		GROUP BY p.id
		ORDER BY p.id DESC`, userID, project)
	if err != nil {
		return nil, fmt.Errorf("list prds: %w", err)
	}
	defer rows.Close()

	var prds []*types.PRD
	for rows.Next() {
		prd, err := scanPRD(rows)
		if err != nil {
			return nil, err
		}
		prds = append(prds, prd)
	}
	return prds, rows.Err()
}

// UpdatePRDStatus transitions a PRD. Completing stamps completed_at.
func (s *Store) UpdatePRDStatus(id int64, status types.PRDStatus) error {
	now := time.Now()
	var completedAt any
	if status == types.PRDCompleted {
		completedAt = encodeTime(now)
	}

	res, err := s.db.Exec(`
		UPDATE prds SET status = ?, updated_at = ?,
			completed_at = COALESCE(?, completed_at)
		WHERE id = ?`,
		status, encodeTime(now), completedAt, id)
	if err != nil {
		return fmt.Errorf("update prd status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("prd %d not found", id)
	}
	logging.Store("PRD #%d -> %s", id, status)
	return nil
}

// DeletePRD removes a PRD; child stories and tasks cascade.
func (s *Store) DeletePRD(id int64) error {
	_, err := s.db.Exec("DELETE FROM prds WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete prd: %w", err)
	}
	logging.Store("PRD #%d deleted", id)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPRD(row rowScanner) (*types.PRD, error) {
	var p types.PRD
	var metadata, createdAt, updatedAt string
	var completedAt sql.NullString

	err := row.Scan(&p.ID, &p.UserID, &p.Project, &p.Title, &p.Description,
		&p.Status, &metadata, &createdAt, &updatedAt, &completedAt,
		&p.TotalStories, &p.CompletedStories, &p.FailedStories)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(metadata, &p.Metadata); err != nil {
		return nil, fmt.Errorf("decode prd metadata: %w", err)
	}
	if p.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	if p.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
