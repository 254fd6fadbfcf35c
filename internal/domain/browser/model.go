// Package browser implements the hierarchical Patient → Study → Series
// collection cache behind a DICOM browser. Each collection wraps a backing
// Store query, applies cascading visibility filters, lazily owns one child
// collection per row, and reports asynchronous job progress delivered by a
// Scheduler. Read-only sorted/filtered projections over the collections are
// provided by the FilterView types and MergedView.
package browser

import (
	"strconv"
	"time"
)

// OperationStatus tracks the most recent scheduler operation touching a row.
type OperationStatus int

const (
	OpNone OperationStatus = iota
	OpInProgress
	OpCompleted
	OpFailed
)

func (s OperationStatus) String() string {
	switch s {
	case OpInProgress:
		return "in-progress"
	case OpCompleted:
		return "completed"
	case OpFailed:
		return "failed"
	default:
		return "none"
	}
}

// Field identifies one row attribute for change notifications and for
// generic attribute lookup by the render layer.
type Field string

const (
	FieldPatientUID          Field = "patientUID"
	FieldPatientID           Field = "patientID"
	FieldPatientName         Field = "patientName"
	FieldBirthDate           Field = "birthDate"
	FieldSex                 Field = "sex"
	FieldInsertTimestamp     Field = "insertTimestamp"
	FieldStudyCount          Field = "studyCount"
	FieldFilteredStudyCount  Field = "filteredStudyCount"
	FieldSeriesCount         Field = "seriesCount"
	FieldFilteredSeriesCount Field = "filteredSeriesCount"
	FieldIsVisible           Field = "isVisible"
	FieldIsQueryResult       Field = "isQueryResult"
	FieldOperationStatus     Field = "operationStatus"
	FieldAllowedServers      Field = "allowedServers"

	FieldStudyInstanceUID  Field = "studyInstanceUID"
	FieldStudyID           Field = "studyID"
	FieldDescription       Field = "description"
	FieldDate              Field = "date"
	FieldTime              Field = "time"
	FieldAccessionNumber   Field = "accessionNumber"
	FieldModalitiesInStudy Field = "modalitiesInStudy"
	FieldIsCollapsed       Field = "isCollapsed"

	FieldSeriesInstanceUID  Field = "seriesInstanceUID"
	FieldSeriesNumber       Field = "seriesNumber"
	FieldModality           Field = "modality"
	FieldInstanceCount      Field = "instanceCount"
	FieldInstancesLoaded    Field = "instancesLoaded"
	FieldRows               Field = "rows"
	FieldColumns            Field = "columns"
	FieldThumbnailPath      Field = "thumbnailPath"
	FieldThumbnailGenerated Field = "thumbnailGenerated"
	FieldIsCloud            Field = "isCloud"
	FieldIsLoaded           Field = "isLoaded"
	FieldOperationProgress  Field = "operationProgress"
)

// PatientRow is one patient entry in the root collection. PatientUID is the
// store-assigned key, unique and stable for the row's lifetime; PatientID is
// the DICOM identifier and may repeat across in-flight query placeholders.
type PatientRow struct {
	PatientUID          string          `json:"patient_uid"`
	PatientID           string          `json:"patient_id"`
	PatientName         string          `json:"patient_name"`
	BirthDate           string          `json:"birth_date"`
	Sex                 string          `json:"sex"`
	InsertTimestamp     time.Time       `json:"insert_timestamp"`
	StudyCount          int             `json:"study_count"`
	FilteredStudyCount  int             `json:"filtered_study_count"`
	SeriesCount         int             `json:"series_count"`
	FilteredSeriesCount int             `json:"filtered_series_count"`
	IsVisible           bool            `json:"is_visible"`
	IsQueryResult       bool            `json:"is_query_result"`
	OperationStatus     OperationStatus `json:"operation_status"`
	AllowedServers      []string        `json:"allowed_servers"`
	StoppedJobUID       string          `json:"stopped_job_uid,omitempty"`
}

// Value returns the attribute identified by f, or nil for an unknown field.
func (r *PatientRow) Value(f Field) any {
	switch f {
	case FieldPatientUID:
		return r.PatientUID
	case FieldPatientID:
		return r.PatientID
	case FieldPatientName:
		return r.PatientName
	case FieldBirthDate:
		return r.BirthDate
	case FieldSex:
		return r.Sex
	case FieldInsertTimestamp:
		return r.InsertTimestamp
	case FieldStudyCount:
		return r.StudyCount
	case FieldFilteredStudyCount:
		return r.FilteredStudyCount
	case FieldSeriesCount:
		return r.SeriesCount
	case FieldFilteredSeriesCount:
		return r.FilteredSeriesCount
	case FieldIsVisible:
		return r.IsVisible
	case FieldIsQueryResult:
		return r.IsQueryResult
	case FieldOperationStatus:
		return r.OperationStatus
	case FieldAllowedServers:
		return r.AllowedServers
	default:
		return nil
	}
}

// StudyRow is one study entry in a patient's StudyCollection. The patient
// identifiers are denormalized for display.
type StudyRow struct {
	StudyInstanceUID    string          `json:"study_instance_uid"`
	PatientUID          string          `json:"patient_uid"`
	PatientID           string          `json:"patient_id"`
	StudyID             string          `json:"study_id"`
	Description         string          `json:"description"`
	Date                string          `json:"date"`
	Time                string          `json:"time"`
	AccessionNumber     string          `json:"accession_number"`
	ModalitiesInStudy   string          `json:"modalities_in_study"`
	SeriesCount         int             `json:"series_count"`
	FilteredSeriesCount int             `json:"filtered_series_count"`
	IsCollapsed         bool            `json:"is_collapsed"`
	IsVisible           bool            `json:"is_visible"`
	OperationStatus     OperationStatus `json:"operation_status"`
	StoppedJobUID       string          `json:"stopped_job_uid,omitempty"`
}

func (r *StudyRow) Value(f Field) any {
	switch f {
	case FieldStudyInstanceUID:
		return r.StudyInstanceUID
	case FieldPatientUID:
		return r.PatientUID
	case FieldPatientID:
		return r.PatientID
	case FieldStudyID:
		return r.StudyID
	case FieldDescription:
		return r.Description
	case FieldDate:
		return r.Date
	case FieldTime:
		return r.Time
	case FieldAccessionNumber:
		return r.AccessionNumber
	case FieldModalitiesInStudy:
		return r.ModalitiesInStudy
	case FieldSeriesCount:
		return r.SeriesCount
	case FieldFilteredSeriesCount:
		return r.FilteredSeriesCount
	case FieldIsCollapsed:
		return r.IsCollapsed
	case FieldIsVisible:
		return r.IsVisible
	case FieldOperationStatus:
		return r.OperationStatus
	default:
		return nil
	}
}

// SeriesRow is one series entry in a study's SeriesCollection.
type SeriesRow struct {
	SeriesInstanceUID  string          `json:"series_instance_uid"`
	StudyInstanceUID   string          `json:"study_instance_uid"`
	SeriesNumber       string          `json:"series_number"`
	Modality           string          `json:"modality"`
	Description        string          `json:"description"`
	InstanceCount      int             `json:"instance_count"`
	InstancesLoaded    int             `json:"instances_loaded"`
	Rows               int             `json:"rows"`
	Columns            int             `json:"columns"`
	ThumbnailPath      string          `json:"thumbnail_path,omitempty"`
	ThumbnailGenerated bool            `json:"thumbnail_generated"`
	IsCloud            bool            `json:"is_cloud"`
	IsLoaded           bool            `json:"is_loaded"`
	IsVisible          bool            `json:"is_visible"`
	OperationProgress  float64         `json:"operation_progress"`
	OperationStatus    OperationStatus `json:"operation_status"`
	JobUID             string          `json:"job_uid,omitempty"`
}

func (r *SeriesRow) Value(f Field) any {
	switch f {
	case FieldSeriesInstanceUID:
		return r.SeriesInstanceUID
	case FieldStudyInstanceUID:
		return r.StudyInstanceUID
	case FieldSeriesNumber:
		return r.SeriesNumber
	case FieldModality:
		return r.Modality
	case FieldDescription:
		return r.Description
	case FieldInstanceCount:
		return r.InstanceCount
	case FieldInstancesLoaded:
		return r.InstancesLoaded
	case FieldRows:
		return r.Rows
	case FieldColumns:
		return r.Columns
	case FieldThumbnailPath:
		return r.ThumbnailPath
	case FieldThumbnailGenerated:
		return r.ThumbnailGenerated
	case FieldIsCloud:
		return r.IsCloud
	case FieldIsLoaded:
		return r.IsLoaded
	case FieldIsVisible:
		return r.IsVisible
	case FieldOperationProgress:
		return r.OperationProgress
	case FieldOperationStatus:
		return r.OperationStatus
	default:
		return nil
	}
}

// NumericSeriesNumber parses the series number for ordering. The second
// return is false for empty or non-numeric values, which sort after all
// numeric ones.
func (r *SeriesRow) NumericSeriesNumber() (int, bool) {
	n, err := strconv.Atoi(r.SeriesNumber)
	if err != nil {
		return 0, false
	}
	return n, true
}
