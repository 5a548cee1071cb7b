// Package report holds the thin read-only aggregation queries behind the
// admin dashboard: entity counts and appointment exports. No engine logic
// lives here.
package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Reporter struct {
	pool *pgxpool.Pool
}

func NewReporter(pool *pgxpool.Pool) *Reporter {
	return &Reporter{pool: pool}
}

// Summary is the admin dashboard headline block.
type Summary struct {
	Doctors      int            `json:"doctors"`
	Patients     int            `json:"patients"`
	Appointments int            `json:"appointments"`
	ByStatus     map[string]int `json:"by_status"`
}

func (r *Reporter) Summary(ctx context.Context) (*Summary, error) {
	s := Summary{ByStatus: make(map[string]int)}

	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM doctors),
			(SELECT count(*) FROM patients),
			(SELECT count(*) FROM appointments)
	`).Scan(&s.Doctors, &s.Patients, &s.Appointments)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT status, count(*) FROM appointments GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		s.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &s, nil
}

// ExportRow is one appointment line in a CSV or JSON export.
type ExportRow struct {
	ID          string `json:"id"`
	DoctorName  string `json:"doctor"`
	PatientName string `json:"patient"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	Status      string `json:"status"`
	Notes       string `json:"notes"`
	CreatedAt   string `json:"created_at"`
}

// ExportFilter narrows an export; zero values mean no constraint.
type ExportFilter struct {
	Status string
	From   time.Time
	To     time.Time
}

func (r *Reporter) fetchRows(ctx context.Context, f ExportFilter) ([]ExportRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, d.name, p.name, to_char(a.visit_date, 'YYYY-MM-DD'),
		       to_char(a.visit_time, 'HH24:MI'), a.status, a.notes, a.created_at
		FROM appointments a
		JOIN doctors d ON d.id = a.doctor_id
		JOIN patients p ON p.id = a.patient_id
		WHERE ($1 = '' OR a.status = $1)
		  AND ($2::date IS NULL OR a.visit_date >= $2)
		  AND ($3::date IS NULL OR a.visit_date <= $3)
		ORDER BY a.visit_date, a.visit_time
	`, f.Status, nullableDate(f.From), nullableDate(f.To))
	if err != nil {
		return nil, fmt.Errorf("query export rows: %w", err)
	}
	defer rows.Close()

	var result []ExportRow
	for rows.Next() {
		var row ExportRow
		var createdAt time.Time
		err := rows.Scan(&row.ID, &row.DoctorName, &row.PatientName, &row.Date,
			&row.Time, &row.Status, &row.Notes, &createdAt)
		if err != nil {
			return nil, err
		}
		row.CreatedAt = createdAt.Format(time.RFC3339)
		result = append(result, row)
	}
	return result, rows.Err()
}

// WriteCSV streams the filtered appointments as CSV.
func (r *Reporter) WriteCSV(ctx context.Context, w io.Writer, f ExportFilter) error {
	rows, err := r.fetchRows(ctx, f)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "doctor", "patient", "date", "time", "status", "notes", "created_at"}); err != nil {
		return err
	}
	for _, row := range rows {
		rec := []string{row.ID, row.DoctorName, row.PatientName, row.Date, row.Time, row.Status, row.Notes, row.CreatedAt}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON streams the filtered appointments as a JSON array.
func (r *Reporter) WriteJSON(ctx context.Context, w io.Writer, f ExportFilter) error {
	rows, err := r.fetchRows(ctx, f)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []ExportRow{}
	}
	return json.NewEncoder(w).Encode(rows)
}

func nullableDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
