package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore reads an existing DICOM index out of Postgres. The schema is
// owned by whatever populated the index; this store only consumes the
// agreed table and column names. Unknown UIDs resolve to empty values, not
// errors, matching the collections' permissive lookup contract.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps a caller-owned connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var patientColumns = map[string]string{
	StorePatientID:        "patient_id",
	StorePatientName:      "patient_name",
	StorePatientBirthDate: "birth_date",
	StorePatientSex:       "sex",
}

var studyColumns = map[string]string{
	StoreStudyID:           "study_id",
	StoreStudyDescription:  "description",
	StoreStudyDate:         "study_date",
	StoreStudyTime:         "study_time",
	StoreAccessionNumber:   "accession_number",
	StoreModalitiesInStudy: "modalities_in_study",
}

var seriesColumns = map[string]string{
	StoreSeriesNumber:      "series_number",
	StoreModality:          "modality",
	StoreSeriesDescription: "description",
	StoreRows:              "pixel_rows",
	StoreColumns:           "pixel_columns",
	StoreThumbnailPath:     "thumbnail_path",
}

func (s *PGStore) PatientUIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT patient_uid FROM dicom_patients ORDER BY inserted_at, patient_uid`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *PGStore) PatientField(ctx context.Context, patientUID, field string) (string, error) {
	col, ok := patientColumns[field]
	if !ok {
		return "", fmt.Errorf("unknown patient field %q", field)
	}
	var v *string
	err := s.pool.QueryRow(ctx,
		`SELECT `+col+` FROM dicom_patients WHERE patient_uid = $1`, patientUID).Scan(&v)
	return stringValue(v, err)
}

func (s *PGStore) InsertTimestamp(ctx context.Context, patientUID string) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT inserted_at FROM dicom_patients WHERE patient_uid = $1`, patientUID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("insert timestamp: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

func (s *PGStore) StudyUIDsForPatient(ctx context.Context, patientUID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT study_instance_uid FROM dicom_studies
		 WHERE patient_uid = $1 ORDER BY inserted_at, study_instance_uid`, patientUID)
	if err != nil {
		return nil, fmt.Errorf("list studies: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *PGStore) StudyField(ctx context.Context, studyInstanceUID, field string) (string, error) {
	col, ok := studyColumns[field]
	if !ok {
		return "", fmt.Errorf("unknown study field %q", field)
	}
	var v *string
	err := s.pool.QueryRow(ctx,
		`SELECT `+col+` FROM dicom_studies WHERE study_instance_uid = $1`, studyInstanceUID).Scan(&v)
	return stringValue(v, err)
}

func (s *PGStore) SeriesUIDsForStudy(ctx context.Context, studyInstanceUID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT series_instance_uid FROM dicom_series
		 WHERE study_instance_uid = $1 ORDER BY inserted_at, series_instance_uid`, studyInstanceUID)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *PGStore) SeriesField(ctx context.Context, seriesInstanceUID, field string) (string, error) {
	col, ok := seriesColumns[field]
	if !ok {
		return "", fmt.Errorf("unknown series field %q", field)
	}
	var v *string
	err := s.pool.QueryRow(ctx,
		`SELECT `+col+`::text FROM dicom_series WHERE series_instance_uid = $1`, seriesInstanceUID).Scan(&v)
	return stringValue(v, err)
}

func (s *PGStore) InstanceUIDsForSeries(ctx context.Context, seriesInstanceUID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sop_instance_uid FROM dicom_instances
		 WHERE series_instance_uid = $1 ORDER BY sop_instance_uid`, seriesInstanceUID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *PGStore) LoadedInstanceCount(ctx context.Context, seriesInstanceUID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dicom_instances
		 WHERE series_instance_uid = $1 AND local_path IS NOT NULL`, seriesInstanceUID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count loaded instances: %w", err)
	}
	return n, nil
}

func (s *PGStore) ConnectionsInformation(ctx context.Context, patientUID string) ([]string, []string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT connection_name, allowed FROM patient_connections
		 WHERE patient_uid = $1 ORDER BY connection_name`, patientUID)
	if err != nil {
		return nil, nil, fmt.Errorf("connections information: %w", err)
	}
	defer rows.Close()
	var allow, deny []string
	for rows.Next() {
		var name string
		var allowed bool
		if err := rows.Scan(&name, &allowed); err != nil {
			return nil, nil, fmt.Errorf("scan connection: %w", err)
		}
		if allowed {
			allow = append(allow, name)
		} else {
			deny = append(deny, name)
		}
	}
	return allow, deny, rows.Err()
}

func (s *PGStore) UpdateConnections(ctx context.Context, patientUID string, allow, deny []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin connections update: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM patient_connections WHERE patient_uid = $1`, patientUID); err != nil {
		return fmt.Errorf("clear connections: %w", err)
	}
	insert := func(names []string, allowed bool) error {
		for _, name := range names {
			if _, err := tx.Exec(ctx,
				`INSERT INTO patient_connections (patient_uid, connection_name, allowed)
				 VALUES ($1, $2, $3)`, patientUID, name, allowed); err != nil {
				return fmt.Errorf("insert connection %q: %w", name, err)
			}
		}
		return nil
	}
	if err := insert(allow, true); err != nil {
		return err
	}
	if err := insert(deny, false); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan uid: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func stringValue(v *string, err error) (string, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("field lookup: %w", err)
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}
