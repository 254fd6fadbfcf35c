package browser

import (
	"context"
	"time"
)

// Store field keys understood by PatientField, StudyField and SeriesField.
// They mirror the DICOM attribute names the backing index keeps.
const (
	StorePatientID        = "PatientID"
	StorePatientName      = "PatientsName"
	StorePatientBirthDate = "PatientsBirthDate"
	StorePatientSex       = "PatientsSex"

	StoreStudyID           = "StudyID"
	StoreStudyDescription  = "StudyDescription"
	StoreStudyDate         = "StudyDate"
	StoreStudyTime         = "StudyTime"
	StoreAccessionNumber   = "AccessionNumber"
	StoreModalitiesInStudy = "ModalitiesInStudy"

	StoreSeriesNumber      = "SeriesNumber"
	StoreModality          = "Modality"
	StoreSeriesDescription = "SeriesDescription"
	StoreRows              = "Rows"
	StoreColumns           = "Columns"
	StoreThumbnailPath     = "ThumbnailPath"
)

// Store is the backing database the collections are a cache over. It is an
// externally-owned collaborator: the core never manages its lifetime, and a
// collection with no store configured degrades every dependent call to a
// logged no-op. Lookups for unknown UIDs return empty values, not errors.
type Store interface {
	// PatientUIDs lists the store-assigned keys of every patient currently
	// considered valid, in insertion order.
	PatientUIDs(ctx context.Context) ([]string, error)
	PatientField(ctx context.Context, patientUID, field string) (string, error)
	InsertTimestamp(ctx context.Context, patientUID string) (time.Time, error)

	StudyUIDsForPatient(ctx context.Context, patientUID string) ([]string, error)
	StudyField(ctx context.Context, studyInstanceUID, field string) (string, error)

	SeriesUIDsForStudy(ctx context.Context, studyInstanceUID string) ([]string, error)
	SeriesField(ctx context.Context, seriesInstanceUID, field string) (string, error)

	// InstanceUIDsForSeries lists every instance known for the series,
	// local or remote; LoadedInstanceCount counts the locally stored ones.
	InstanceUIDsForSeries(ctx context.Context, seriesInstanceUID string) ([]string, error)
	LoadedInstanceCount(ctx context.Context, seriesInstanceUID string) (int, error)

	// ConnectionsInformation returns the explicitly allowed and explicitly
	// denied connection names recorded for the patient.
	ConnectionsInformation(ctx context.Context, patientUID string) (allow, deny []string, err error)
	UpdateConnections(ctx context.Context, patientUID string, allow, deny []string) error
}
