package uploads

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLiteStore persists files in the uploaded_files table created by the
// database package migrations.
type SQLiteStore struct {
	DB *sql.DB
}

func (s *SQLiteStore) MaxFileID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM uploaded_files`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, sessionID, widgetID string, rec FileRec) error {
	data := rec.Data
	if data == nil {
		data = []byte{}
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO uploaded_files (id, session_id, widget_id, name, mime_type, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, sessionID, widgetID, rec.Name, rec.Type, data)
	return err
}

func (s *SQLiteStore) List(ctx context.Context, sessionID, widgetID string) ([]FileRec, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, mime_type, data FROM uploaded_files
		WHERE session_id = ? AND widget_id = ?
		ORDER BY id
	`, sessionID, widgetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileRec
	for rows.Next() {
		var r FileRec
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Data); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID, widgetID string, ids []int64) (int, error) {
	query := `DELETE FROM uploaded_files WHERE session_id = ? AND widget_id = ?`
	args := []any{sessionID, widgetID}
	if ids != nil {
		if len(ids) == 0 {
			return 0, nil
		}
		query += fmt.Sprintf(" AND id IN (%s)", strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","))
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM uploaded_files WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Usage(ctx context.Context) ([]Usage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT session_id, SUM(LENGTH(data)) FROM uploaded_files
		GROUP BY session_id ORDER BY session_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Usage
	for rows.Next() {
		var u Usage
		if err := rows.Scan(&u.SessionID, &u.Bytes); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
