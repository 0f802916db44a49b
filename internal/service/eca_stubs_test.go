package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/eca-allocation-api/internal/models"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
	"github.com/noah-isme/eca-allocation-api/pkg/jobs"
)

func newEcaTxMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

type ecaTermStoreStub struct {
	terms      map[string]*models.EcaTerm
	lockHeld   bool
	lockErr    error
	transition []models.EcaTermStatus
	runAt      *time.Time
	// committed is what a transaction observes when another writer committed after a pool read.
	committed map[string]models.EcaTerm
	txReads   int
}

func newEcaTermStoreStub(terms ...models.EcaTerm) *ecaTermStoreStub {
	s := &ecaTermStoreStub{terms: map[string]*models.EcaTerm{}}
	for i := range terms {
		term := terms[i]
		s.terms[term.ID] = &term
	}
	return s
}

func (s *ecaTermStoreStub) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaTerm, error) {
	if exec != nil {
		s.txReads++
		if term, ok := s.committed[id]; ok {
			return &term, nil
		}
	}
	return s.find(id)
}

func (s *ecaTermStoreStub) find(id string) (*models.EcaTerm, error) {
	term, ok := s.terms[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *term
	return &copied, nil
}

func (s *ecaTermStoreStub) LockForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaTerm, error) {
	return s.find(id)
}

func (s *ecaTermStoreStub) LockForShare(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaTerm, error) {
	return s.find(id)
}

func (s *ecaTermStoreStub) TryAdvisoryLock(ctx context.Context, exec sqlx.ExtContext, termID string) (bool, error) {
	if s.lockErr != nil {
		return false, s.lockErr
	}
	return !s.lockHeld, nil
}

func (s *ecaTermStoreStub) UpdateStatus(ctx context.Context, exec sqlx.ExtContext, id string, status models.EcaTermStatus) error {
	term, ok := s.terms[id]
	if !ok {
		return sql.ErrNoRows
	}
	term.Status = status
	s.transition = append(s.transition, status)
	return nil
}

func (s *ecaTermStoreStub) MarkAllocationRun(ctx context.Context, exec sqlx.ExtContext, id string, at time.Time) error {
	term, ok := s.terms[id]
	if !ok {
		return sql.ErrNoRows
	}
	term.AllocationRun = true
	term.AllocationRunAt = &at
	term.Status = models.EcaTermStatusAllocationComplete
	s.runAt = &at
	return nil
}

type ecaActivityStoreStub struct {
	activities []models.EcaActivity
	cancelled  []string
	resets     int
}

func (s *ecaActivityStoreStub) ListByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) ([]models.EcaActivity, error) {
	var out []models.EcaActivity
	for _, activity := range s.activities {
		if activity.TermID == termID {
			out = append(out, activity)
		}
	}
	return out, nil
}

func (s *ecaActivityStoreStub) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaActivity, error) {
	for _, activity := range s.activities {
		if activity.ID == id {
			copied := activity
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *ecaActivityStoreStub) MarkCancelled(ctx context.Context, exec sqlx.ExtContext, ids []string, reason string) error {
	s.cancelled = append(s.cancelled, ids...)
	for i := range s.activities {
		for _, id := range ids {
			if s.activities[i].ID == id {
				s.activities[i].IsCancelled = true
				r := reason
				s.activities[i].CancelReason = &r
			}
		}
	}
	return nil
}

func (s *ecaActivityStoreStub) ResetCancellations(ctx context.Context, exec sqlx.ExtContext, termID, reason string) error {
	s.resets++
	revertRunCancellations(s.activities)
	return nil
}

type ecaSelectionStoreStub struct {
	selections []models.EcaSelection
	replaced   map[string][]models.EcaSelection
}

func (s *ecaSelectionStoreStub) ListByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) ([]models.EcaSelection, error) {
	var out []models.EcaSelection
	for _, sel := range s.selections {
		if sel.TermID == termID {
			out = append(out, sel)
		}
	}
	return out, nil
}

func (s *ecaSelectionStoreStub) ListByStudent(ctx context.Context, termID, studentID string) ([]models.EcaSelection, error) {
	var out []models.EcaSelection
	for _, sel := range s.selections {
		if sel.TermID == termID && sel.StudentID == studentID {
			out = append(out, sel)
		}
	}
	return out, nil
}

func (s *ecaSelectionStoreStub) ReplaceForStudent(ctx context.Context, exec sqlx.ExtContext, termID, studentID string, selections []models.EcaSelection) error {
	if s.replaced == nil {
		s.replaced = map[string][]models.EcaSelection{}
	}
	s.replaced[studentID] = selections
	kept := s.selections[:0]
	for _, sel := range s.selections {
		if sel.TermID != termID || sel.StudentID != studentID {
			kept = append(kept, sel)
		}
	}
	for i, sel := range selections {
		sel.ID = fmt.Sprintf("sel-%s-%d", studentID, i)
		sel.TermID = termID
		sel.StudentID = studentID
		kept = append(kept, sel)
	}
	s.selections = kept
	return nil
}

type ecaInvitationStoreStub struct {
	invitations []models.EcaInvitation
}

func (s *ecaInvitationStoreStub) ListByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) ([]models.EcaInvitation, error) {
	return s.invitations, nil
}

func (s *ecaInvitationStoreStub) ListForStudent(ctx context.Context, exec sqlx.ExtContext, termID, studentID string) ([]models.EcaInvitation, error) {
	var out []models.EcaInvitation
	for _, inv := range s.invitations {
		if inv.StudentID == studentID {
			out = append(out, inv)
		}
	}
	return out, nil
}

type ecaStudentStoreStub struct {
	students []models.Student
}

func (s *ecaStudentStoreStub) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Student, error) {
	for _, student := range s.students {
		if student.ID == id {
			copied := student
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *ecaStudentStoreStub) ListReferencedByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) ([]models.Student, error) {
	return s.students, nil
}

type ecaAllocationStoreStub struct {
	activities  *ecaActivityStoreStub
	students    *ecaStudentStoreStub
	allocations []models.EcaAllocation
	insertErr   error
	cleared     int
	seq         int
}

func (s *ecaAllocationStoreStub) DeleteByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) error {
	s.cleared++
	kept := s.allocations[:0]
	for _, alloc := range s.allocations {
		if alloc.TermID != termID {
			kept = append(kept, alloc)
		}
	}
	s.allocations = kept
	return nil
}

func (s *ecaAllocationStoreStub) InsertBatch(ctx context.Context, exec sqlx.ExtContext, allocations []models.EcaAllocation) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	for i := range allocations {
		if allocations[i].ID == "" {
			s.seq++
			allocations[i].ID = fmt.Sprintf("alloc-%d", s.seq)
		}
		s.allocations = append(s.allocations, allocations[i])
	}
	return nil
}

func (s *ecaAllocationStoreStub) detail(alloc models.EcaAllocation) models.EcaAllocationDetail {
	d := models.EcaAllocationDetail{EcaAllocation: alloc}
	if s.activities != nil {
		if activity, err := s.activities.FindByID(context.Background(), nil, alloc.ActivityID); err == nil {
			d.ActivityName = activity.Name
			d.DayOfWeek = activity.DayOfWeek
			d.TimeSlot = activity.TimeSlot
		}
	}
	if s.students != nil {
		if student, err := s.students.FindByID(context.Background(), nil, alloc.StudentID); err == nil {
			d.StudentName = student.FullName
		}
	}
	return d
}

func (s *ecaAllocationStoreStub) List(ctx context.Context, filter models.EcaAllocationFilter) ([]models.EcaAllocationDetail, int, error) {
	var out []models.EcaAllocationDetail
	for _, alloc := range s.allocations {
		if alloc.TermID != filter.TermID {
			continue
		}
		if filter.Status != "" && alloc.Status != filter.Status {
			continue
		}
		if filter.Type != "" && alloc.AllocationType != filter.Type {
			continue
		}
		out = append(out, s.detail(alloc))
	}
	return out, len(out), nil
}

func (s *ecaAllocationStoreStub) ListForStudent(ctx context.Context, termID, studentID string) ([]models.EcaAllocationDetail, error) {
	var out []models.EcaAllocationDetail
	for _, alloc := range s.allocations {
		if alloc.TermID == termID && alloc.StudentID == studentID && alloc.Status == models.EcaAllocationConfirmed {
			out = append(out, s.detail(alloc))
		}
	}
	return out, nil
}

func (s *ecaAllocationStoreStub) ListConfirmedByActivity(ctx context.Context, activityID string) ([]models.EcaAllocationDetail, error) {
	var out []models.EcaAllocationDetail
	for _, alloc := range s.allocations {
		if alloc.ActivityID == activityID && alloc.Status == models.EcaAllocationConfirmed {
			out = append(out, s.detail(alloc))
		}
	}
	return out, nil
}

func (s *ecaAllocationStoreStub) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaAllocation, error) {
	for _, alloc := range s.allocations {
		if alloc.ID == id {
			copied := alloc
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *ecaAllocationStoreStub) UpdateStatus(ctx context.Context, exec sqlx.ExtContext, id string, status models.EcaAllocationStatus) error {
	for i := range s.allocations {
		if s.allocations[i].ID == id {
			s.allocations[i].Status = status
			return nil
		}
	}
	return sql.ErrNoRows
}

func (s *ecaAllocationStoreStub) CountConfirmed(ctx context.Context, exec sqlx.ExtContext, activityID string) (int, error) {
	count := 0
	for _, alloc := range s.allocations {
		if alloc.ActivityID == activityID && alloc.Status == models.EcaAllocationConfirmed {
			count++
		}
	}
	return count, nil
}

func (s *ecaAllocationStoreStub) HasConfirmedInSlot(ctx context.Context, exec sqlx.ExtContext, termID, studentID string, day int, slot models.EcaTimeSlot) (bool, error) {
	for _, alloc := range s.allocations {
		if alloc.TermID != termID || alloc.StudentID != studentID || alloc.Status != models.EcaAllocationConfirmed {
			continue
		}
		if alloc.AllocationType == models.EcaAllocCompulsory {
			continue
		}
		d := s.detail(alloc)
		if d.DayOfWeek == day && d.TimeSlot == slot {
			return true, nil
		}
	}
	return false, nil
}

type ecaWaitlistStoreStub struct {
	entries []models.EcaWaitlistEntry
	cleared int
	deleted []string
}

func (s *ecaWaitlistStoreStub) DeleteByTerm(ctx context.Context, exec sqlx.ExtContext, termID string) error {
	s.cleared++
	kept := s.entries[:0]
	for _, entry := range s.entries {
		if entry.TermID != termID {
			kept = append(kept, entry)
		}
	}
	s.entries = kept
	return nil
}

func (s *ecaWaitlistStoreStub) InsertBatch(ctx context.Context, exec sqlx.ExtContext, entries []models.EcaWaitlistEntry) error {
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = fmt.Sprintf("wait-%s-%s", entries[i].ActivityID, entries[i].StudentID)
		}
		s.entries = append(s.entries, entries[i])
	}
	return nil
}

func (s *ecaWaitlistStoreStub) ListByActivity(ctx context.Context, exec sqlx.ExtContext, activityID string) ([]models.EcaWaitlistEntry, error) {
	var out []models.EcaWaitlistEntry
	for _, entry := range s.entries {
		if entry.ActivityID == activityID {
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *ecaWaitlistStoreStub) Delete(ctx context.Context, exec sqlx.ExtContext, id string) error {
	s.deleted = append(s.deleted, id)
	kept := s.entries[:0]
	for _, entry := range s.entries {
		if entry.ID != id {
			kept = append(kept, entry)
		}
	}
	s.entries = kept
	return nil
}

type ecaAuditStoreStub struct {
	logs []models.AuditLog
}

func (s *ecaAuditStoreStub) CreateAuditLog(ctx context.Context, exec sqlx.ExtContext, log *models.AuditLog) error {
	s.logs = append(s.logs, *log)
	return nil
}

// ecaCacheRepoStub backs a real CacheService with an in-memory map.
type ecaCacheRepoStub struct {
	mu      sync.Mutex
	data    map[string][]byte
	deleted []string
}

func (s *ecaCacheRepoStub) Get(ctx context.Context, key string, dest interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.data[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (s *ecaCacheRepoStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if s.data == nil {
		s.data = map[string][]byte{}
	}
	s.data[key] = raw
	return nil
}

func (s *ecaCacheRepoStub) DeleteByPattern(ctx context.Context, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, pattern)
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			delete(s.data, key)
		}
	}
	return nil
}

type ecaQueueStub struct {
	jobs []jobs.Job
	err  error
}

func (q *ecaQueueStub) Enqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// ecaWorld wires every stub store from an engine fixture.
type ecaWorld struct {
	terms       *ecaTermStoreStub
	activities  *ecaActivityStoreStub
	selections  *ecaSelectionStoreStub
	invitations *ecaInvitationStoreStub
	students    *ecaStudentStoreStub
	allocations *ecaAllocationStoreStub
	waitlist    *ecaWaitlistStoreStub
	audit       *ecaAuditStoreStub
}

func newEcaWorld(f *ecaFixture) *ecaWorld {
	activities := &ecaActivityStoreStub{activities: append([]models.EcaActivity(nil), f.snap.Activities...)}
	students := &ecaStudentStoreStub{students: append([]models.Student(nil), f.snap.Students...)}
	return &ecaWorld{
		terms:       newEcaTermStoreStub(f.snap.Term),
		activities:  activities,
		selections:  &ecaSelectionStoreStub{selections: append([]models.EcaSelection(nil), f.snap.Selections...)},
		invitations: &ecaInvitationStoreStub{invitations: append([]models.EcaInvitation(nil), f.snap.Invitations...)},
		students:    students,
		allocations: &ecaAllocationStoreStub{activities: activities, students: students},
		waitlist:    &ecaWaitlistStoreStub{},
		audit:       &ecaAuditStoreStub{},
	}
}

func (w *ecaWorld) stores() EcaAllocationStores {
	return EcaAllocationStores{
		Terms:       w.terms,
		Activities:  w.activities,
		Selections:  w.selections,
		Invitations: w.invitations,
		Students:    w.students,
		Allocations: w.allocations,
		Waitlist:    w.waitlist,
		Audit:       w.audit,
	}
}
