// Package dicomfs indexes a directory tree of DICOM files into the
// browser's in-memory store, so the server can run against a plain folder
// of studies with no database at all.
package dicomfs

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/dicomdesk/dicomdesk/internal/domain/browser"
)

// fileMeta is the header subset the index needs from one file.
type fileMeta struct {
	PatientID        string
	PatientName      string
	BirthDate        string
	Sex              string
	StudyInstanceUID string
	StudyID          string
	StudyDescription string
	StudyDate        string
	StudyTime        string
	AccessionNumber  string

	SeriesInstanceUID string
	SeriesNumber      string
	Modality          string
	SeriesDescription string
	Rows              int
	Columns           int

	SOPInstanceUID string
}

// Summary reports what one indexing pass found.
type Summary struct {
	Files    int `json:"files"`
	Skipped  int `json:"skipped"`
	Patients int `json:"patients"`
	Studies  int `json:"studies"`
	Series   int `json:"series"`
}

// Indexer walks a directory and loads every parseable DICOM file into a
// MemStore. Parsed headers are cached by path so repeated passes over an
// unchanged tree skip the expensive parse.
type Indexer struct {
	log   zerolog.Logger
	cache *lru.Cache[string, *fileMeta]
}

// NewIndexer creates an indexer with a header cache of the given size.
func NewIndexer(log zerolog.Logger, cacheSize int) (*Indexer, error) {
	if cacheSize < 16 {
		cacheSize = 16
	}
	cache, err := lru.New[string, *fileMeta](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create header cache: %w", err)
	}
	return &Indexer{
		log:   log.With().Str("component", "dicomfs").Logger(),
		cache: cache,
	}, nil
}

// Index walks dir and inserts every parseable file into the store. Files
// that fail to parse are skipped and counted, never fatal.
func (ix *Indexer) Index(ctx context.Context, dir string, store *browser.MemStore) (Summary, error) {
	var sum Summary
	patientUIDs := map[string]string{}
	studies := map[string]bool{}
	series := map[string]bool{}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.EqualFold(d.Name(), "DICOMDIR") {
			return nil
		}
		meta, err := ix.parse(path)
		if err != nil {
			ix.log.Debug().Err(err).Str("path", path).Msg("skipping unparseable file")
			sum.Skipped++
			return nil
		}
		sum.Files++

		// Patients are keyed by PatientID within one filesystem index;
		// the store assigns the stable UID.
		uid, ok := patientUIDs[meta.PatientID]
		if !ok {
			uid = store.AddPatient("", map[string]string{
				browser.StorePatientID:        meta.PatientID,
				browser.StorePatientName:      meta.PatientName,
				browser.StorePatientBirthDate: meta.BirthDate,
				browser.StorePatientSex:       meta.Sex,
			})
			patientUIDs[meta.PatientID] = uid
			sum.Patients++
		}
		if meta.StudyInstanceUID != "" && !studies[meta.StudyInstanceUID] {
			store.AddStudy(uid, meta.StudyInstanceUID, map[string]string{
				browser.StoreStudyID:           meta.StudyID,
				browser.StoreStudyDescription:  meta.StudyDescription,
				browser.StoreStudyDate:         meta.StudyDate,
				browser.StoreStudyTime:         meta.StudyTime,
				browser.StoreAccessionNumber:   meta.AccessionNumber,
				browser.StoreModalitiesInStudy: meta.Modality,
			})
			studies[meta.StudyInstanceUID] = true
			sum.Studies++
		}
		if meta.SeriesInstanceUID != "" && !series[meta.SeriesInstanceUID] {
			store.AddSeries(meta.StudyInstanceUID, meta.SeriesInstanceUID, map[string]string{
				browser.StoreSeriesNumber:      meta.SeriesNumber,
				browser.StoreModality:          meta.Modality,
				browser.StoreSeriesDescription: meta.SeriesDescription,
				browser.StoreRows:              strconv.Itoa(meta.Rows),
				browser.StoreColumns:           strconv.Itoa(meta.Columns),
			})
			series[meta.SeriesInstanceUID] = true
			sum.Series++
		}
		if meta.SOPInstanceUID != "" {
			store.AddInstance(meta.SeriesInstanceUID, meta.SOPInstanceUID, true)
		}
		return nil
	})
	if err != nil {
		return sum, fmt.Errorf("walk %s: %w", dir, err)
	}
	ix.log.Info().
		Int("files", sum.Files).
		Int("skipped", sum.Skipped).
		Int("patients", sum.Patients).
		Int("studies", sum.Studies).
		Int("series", sum.Series).
		Msg("index pass complete")
	return sum, nil
}

// parse reads the header subset from one file, consulting the cache first.
func (ix *Indexer) parse(path string) (*fileMeta, error) {
	if meta, ok := ix.cache.Get(path); ok {
		return meta, nil
	}
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	meta := &fileMeta{
		PatientID:         stringTag(&ds, tag.PatientID),
		PatientName:       stringTag(&ds, tag.PatientName),
		BirthDate:         stringTag(&ds, tag.PatientBirthDate),
		Sex:               stringTag(&ds, tag.PatientSex),
		StudyInstanceUID:  stringTag(&ds, tag.StudyInstanceUID),
		StudyID:           stringTag(&ds, tag.StudyID),
		StudyDescription:  stringTag(&ds, tag.StudyDescription),
		StudyDate:         stringTag(&ds, tag.StudyDate),
		StudyTime:         stringTag(&ds, tag.StudyTime),
		AccessionNumber:   stringTag(&ds, tag.AccessionNumber),
		SeriesInstanceUID: stringTag(&ds, tag.SeriesInstanceUID),
		SeriesNumber:      stringTag(&ds, tag.SeriesNumber),
		Modality:          stringTag(&ds, tag.Modality),
		SeriesDescription: stringTag(&ds, tag.SeriesDescription),
		Rows:              intTag(&ds, tag.Rows),
		Columns:           intTag(&ds, tag.Columns),
		SOPInstanceUID:    stringTag(&ds, tag.SOPInstanceUID),
	}
	if meta.PatientID == "" {
		meta.PatientID = "UNKNOWN"
	}
	ix.cache.Add(path, meta)
	return meta, nil
}

func stringTag(ds *dicom.Dataset, t tag.Tag) string {
	e, err := ds.FindElementByTag(t)
	if err != nil || e == nil {
		return ""
	}
	if vals, ok := e.Value.GetValue().([]string); ok && len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

func intTag(ds *dicom.Dataset, t tag.Tag) int {
	e, err := ds.FindElementByTag(t)
	if err != nil || e == nil {
		return 0
	}
	switch v := e.Value.GetValue().(type) {
	case int:
		return v
	case []int:
		if len(v) > 0 {
			return v[0]
		}
	}
	return 0
}
