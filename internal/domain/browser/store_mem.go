package browser

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is a thread-safe, insertion-ordered in-memory Store. It backs
// the dev server mode and the filesystem indexer, and doubles as the test
// double for the collections.
type MemStore struct {
	mu sync.RWMutex

	patients     map[string]*memPatient
	patientOrder []string

	studies    map[string]*memStudy
	studyOrder []string

	series      map[string]*memSeries
	seriesOrder []string

	nextPatient int
}

type memPatient struct {
	fields          map[string]string
	insertTimestamp time.Time
	studyUIDs       []string
	allow, deny     []string
}

type memStudy struct {
	patientUID string
	fields     map[string]string
	seriesUIDs []string
}

type memSeries struct {
	studyUID     string
	fields       map[string]string
	instanceUIDs []string
	loaded       int
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		patients: map[string]*memPatient{},
		studies:  map[string]*memStudy{},
		series:   map[string]*memSeries{},
	}
}

// AddPatient inserts a patient and returns its store-assigned UID. An
// explicit uid may be passed for deterministic tests; empty means assign.
func (s *MemStore) AddPatient(uid string, fields map[string]string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uid == "" {
		s.nextPatient++
		uid = fmt.Sprintf("pat-%d", s.nextPatient)
	}
	if _, ok := s.patients[uid]; ok {
		return uid
	}
	s.patients[uid] = &memPatient{
		fields:          copyFields(fields),
		insertTimestamp: time.Now(),
	}
	s.patientOrder = append(s.patientOrder, uid)
	return uid
}

// SetInsertTimestamp overrides a patient's insertion timestamp.
func (s *MemStore) SetInsertTimestamp(patientUID string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.patients[patientUID]; ok {
		p.insertTimestamp = ts
	}
}

// AddStudy inserts a study under a patient. Unknown patients are created
// implicitly so indexers can insert in any order.
func (s *MemStore) AddStudy(patientUID, studyInstanceUID string, fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[patientUID]
	if !ok {
		p = &memPatient{fields: map[string]string{}, insertTimestamp: time.Now()}
		s.patients[patientUID] = p
		s.patientOrder = append(s.patientOrder, patientUID)
	}
	if _, ok := s.studies[studyInstanceUID]; ok {
		return
	}
	s.studies[studyInstanceUID] = &memStudy{patientUID: patientUID, fields: copyFields(fields)}
	s.studyOrder = append(s.studyOrder, studyInstanceUID)
	p.studyUIDs = append(p.studyUIDs, studyInstanceUID)
}

// AddSeries inserts a series under a study.
func (s *MemStore) AddSeries(studyInstanceUID, seriesInstanceUID string, fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.studies[studyInstanceUID]
	if !ok {
		return
	}
	if _, ok := s.series[seriesInstanceUID]; ok {
		return
	}
	s.series[seriesInstanceUID] = &memSeries{studyUID: studyInstanceUID, fields: copyFields(fields)}
	s.seriesOrder = append(s.seriesOrder, seriesInstanceUID)
	st.seriesUIDs = append(st.seriesUIDs, seriesInstanceUID)
}

// AddInstance records one instance of a series; loaded marks it as locally
// stored.
func (s *MemStore) AddInstance(seriesInstanceUID, sopInstanceUID string, loaded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.series[seriesInstanceUID]
	if !ok {
		return
	}
	for _, uid := range sr.instanceUIDs {
		if uid == sopInstanceUID {
			return
		}
	}
	sr.instanceUIDs = append(sr.instanceUIDs, sopInstanceUID)
	if loaded {
		sr.loaded++
	}
}

// SetSeriesField updates one series attribute in place.
func (s *MemStore) SetSeriesField(seriesInstanceUID, field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.series[seriesInstanceUID]; ok {
		sr.fields[field] = value
	}
}

// SetLoadedInstanceCount overrides the locally stored instance count.
func (s *MemStore) SetLoadedInstanceCount(seriesInstanceUID string, loaded int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.series[seriesInstanceUID]; ok {
		sr.loaded = loaded
	}
}

// RemovePatient drops a patient and its whole subtree.
func (s *MemStore) RemovePatient(patientUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[patientUID]
	if !ok {
		return
	}
	for _, studyUID := range p.studyUIDs {
		s.removeStudyLocked(studyUID)
	}
	delete(s.patients, patientUID)
	s.patientOrder = removeString(s.patientOrder, patientUID)
}

// RemoveStudy drops a study and its series.
func (s *MemStore) RemoveStudy(studyInstanceUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.studies[studyInstanceUID]; ok {
		if p, ok := s.patients[st.patientUID]; ok {
			p.studyUIDs = removeString(p.studyUIDs, studyInstanceUID)
		}
	}
	s.removeStudyLocked(studyInstanceUID)
}

func (s *MemStore) removeStudyLocked(studyInstanceUID string) {
	st, ok := s.studies[studyInstanceUID]
	if !ok {
		return
	}
	for _, seriesUID := range st.seriesUIDs {
		delete(s.series, seriesUID)
		s.seriesOrder = removeString(s.seriesOrder, seriesUID)
	}
	delete(s.studies, studyInstanceUID)
	s.studyOrder = removeString(s.studyOrder, studyInstanceUID)
}

// RemoveSeries drops one series.
func (s *MemStore) RemoveSeries(seriesInstanceUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.series[seriesInstanceUID]
	if !ok {
		return
	}
	if st, ok := s.studies[sr.studyUID]; ok {
		st.seriesUIDs = removeString(st.seriesUIDs, seriesInstanceUID)
	}
	delete(s.series, seriesInstanceUID)
	s.seriesOrder = removeString(s.seriesOrder, seriesInstanceUID)
}

// -- Store interface --

func (s *MemStore) PatientUIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.patientOrder...), nil
}

func (s *MemStore) PatientField(_ context.Context, patientUID, field string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.patients[patientUID]; ok {
		return p.fields[field], nil
	}
	return "", nil
}

func (s *MemStore) InsertTimestamp(_ context.Context, patientUID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.patients[patientUID]; ok {
		return p.insertTimestamp, nil
	}
	return time.Time{}, nil
}

func (s *MemStore) StudyUIDsForPatient(_ context.Context, patientUID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.patients[patientUID]; ok {
		return append([]string(nil), p.studyUIDs...), nil
	}
	return nil, nil
}

func (s *MemStore) StudyField(_ context.Context, studyInstanceUID, field string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.studies[studyInstanceUID]; ok {
		return st.fields[field], nil
	}
	return "", nil
}

func (s *MemStore) SeriesUIDsForStudy(_ context.Context, studyInstanceUID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.studies[studyInstanceUID]; ok {
		return append([]string(nil), st.seriesUIDs...), nil
	}
	return nil, nil
}

func (s *MemStore) SeriesField(_ context.Context, seriesInstanceUID, field string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr, ok := s.series[seriesInstanceUID]; ok {
		return sr.fields[field], nil
	}
	return "", nil
}

func (s *MemStore) InstanceUIDsForSeries(_ context.Context, seriesInstanceUID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr, ok := s.series[seriesInstanceUID]; ok {
		return append([]string(nil), sr.instanceUIDs...), nil
	}
	return nil, nil
}

func (s *MemStore) LoadedInstanceCount(_ context.Context, seriesInstanceUID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr, ok := s.series[seriesInstanceUID]; ok {
		return sr.loaded, nil
	}
	return 0, nil
}

func (s *MemStore) ConnectionsInformation(_ context.Context, patientUID string) ([]string, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.patients[patientUID]; ok {
		return append([]string(nil), p.allow...), append([]string(nil), p.deny...), nil
	}
	return nil, nil, nil
}

func (s *MemStore) UpdateConnections(_ context.Context, patientUID string, allow, deny []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[patientUID]
	if !ok {
		return fmt.Errorf("unknown patient %q", patientUID)
	}
	p.allow = append([]string(nil), allow...)
	p.deny = append([]string(nil), deny...)
	return nil
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
