// internal/repository/memory/memory.go
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/model"
	"github.com/unclebandit/zalo-scheduler/internal/ratelimit"
	"github.com/unclebandit/zalo-scheduler/internal/repository"
)

// Store keeps every collection in process memory. Job, customer and reference writes
// share one lock so each lifecycle call is applied as a unit; account reservations
// take a lock per account.
type Store struct {
	mu        sync.RWMutex
	seq       int64
	jobs      map[string]*model.ScheduledJob
	jobSeq    map[string]int64
	archived  map[string]*model.ArchivedJob
	customers map[string]*model.Customer
	refs      []model.ActionRef

	accMu    sync.Mutex
	accounts map[string]*accountSlot

	histMu  sync.RWMutex
	history []*model.HistoryEntry
}

type accountSlot struct {
	mu  sync.Mutex
	acc model.ZaloAccount
}

func New() *Store {
	return &Store{
		jobs:      make(map[string]*model.ScheduledJob),
		jobSeq:    make(map[string]int64),
		archived:  make(map[string]*model.ArchivedJob),
		customers: make(map[string]*model.Customer),
		accounts:  make(map[string]*accountSlot),
	}
}

func (s *Store) Accounts() *AccountRepo   { return &AccountRepo{s: s} }
func (s *Store) Jobs() *JobRepo           { return &JobRepo{s: s} }
func (s *Store) Customers() *CustomerRepo { return &CustomerRepo{s: s} }
func (s *Store) History() *HistoryRepo    { return &HistoryRepo{s: s} }

func cloneTask(t *model.Task) *model.Task {
	cp := *t
	if t.Result != nil {
		cp.Result = append([]byte(nil), t.Result...)
	}
	return &cp
}

func cloneJob(j *model.ScheduledJob) *model.ScheduledJob {
	cp := *j
	cp.Tasks = make([]*model.Task, 0, len(j.Tasks))
	for _, t := range j.Tasks {
		cp.Tasks = append(cp.Tasks, cloneTask(t))
	}
	return &cp
}

// ====================== Accounts ======================

type AccountRepo struct{ s *Store }

func (r *AccountRepo) slot(id string) (*accountSlot, error) {
	r.s.accMu.Lock()
	defer r.s.accMu.Unlock()
	sl, ok := r.s.accounts[id]
	if !ok {
		return nil, appErrors.NewNotFound("zalo account", id)
	}
	return sl, nil
}

func (r *AccountRepo) GetByID(_ context.Context, id string) (*model.ZaloAccount, error) {
	sl, err := r.slot(id)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	acc := sl.acc
	acc.AssignedUserIDs = append([]string(nil), sl.acc.AssignedUserIDs...)
	return &acc, nil
}

func (r *AccountRepo) Create(_ context.Context, acc *model.ZaloAccount) error {
	acc.ApplyDefaults()
	r.s.accMu.Lock()
	defer r.s.accMu.Unlock()
	if _, ok := r.s.accounts[acc.ID]; ok {
		return appErrors.NewStorage(appErrors.Newf("duplicate account %s", acc.ID), "create account")
	}
	r.s.accounts[acc.ID] = &accountSlot{acc: *acc}
	return nil
}

func (r *AccountRepo) UpdateLimits(ctx context.Context, id string, perHour, perDay int, locked bool) (*model.ZaloAccount, error) {
	sl, err := r.slot(id)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	sl.acc.RateLimitPerHour = perHour
	sl.acc.RateLimitPerDay = perDay
	sl.acc.IsLocked = locked
	sl.mu.Unlock()
	return r.GetByID(ctx, id)
}

func (r *AccountRepo) CheckAndReserve(_ context.Context, accountID string, now time.Time) (ratelimit.Decision, error) {
	sl, err := r.slot(accountID)
	if err != nil {
		return ratelimit.Decision{}, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return ratelimit.Reserve(&sl.acc, now), nil
}

func (r *AccountRepo) RecordUsage(_ context.Context, accountID string, u ratelimit.Usage) error {
	sl, err := r.slot(accountID)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.acc.ActionsUsedThisHour = u.UsedThisHour
	sl.acc.RateLimitHourStart = u.HourStart
	sl.acc.ActionsUsedThisDay = u.UsedThisDay
	sl.acc.RateLimitDayStart = u.DayStart
	return nil
}

func (s *Store) accountExists(id string) bool {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	_, ok := s.accounts[id]
	return ok
}

// ====================== Customers ======================

type CustomerRepo struct{ s *Store }

func (r *CustomerRepo) GetByID(_ context.Context, id string) (*model.Customer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.customers[id]
	if !ok {
		return nil, appErrors.NewNotFound("customer", id)
	}
	cp := *c
	cp.Actions = r.s.referencesOf(id)
	return &cp, nil
}

func (r *CustomerRepo) Upsert(_ context.Context, c *model.Customer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *c
	cp.Actions = nil
	r.s.customers[c.ID] = &cp
	return nil
}

func (r *CustomerRepo) References(_ context.Context, customerID string) ([]model.ActionRef, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.referencesOf(customerID), nil
}

func (r *CustomerRepo) AddReference(_ context.Context, ref model.ActionRef) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.addReference(ref)
}

func (r *CustomerRepo) RemoveReferences(_ context.Context, customerIDs []string, jobID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.removeReferences(customerIDs, jobID), nil
}

func (r *CustomerRepo) CountJobReferences(_ context.Context, jobID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	n := 0
	for _, ref := range r.s.refs {
		if ref.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (r *CustomerRepo) PruneDangling(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.refs[:0]
	removed := 0
	for _, ref := range r.s.refs {
		j, ok := r.s.jobs[ref.JobID]
		if ok && j.Task(ref.TaskID) != nil {
			kept = append(kept, ref)
			continue
		}
		removed++
	}
	r.s.refs = kept
	return removed, nil
}

func (r *CustomerRepo) MissingReferences(_ context.Context, limit int) ([]model.ActionRef, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	have := make(map[string]bool, len(r.s.refs))
	for _, ref := range r.s.refs {
		have[ref.CustomerID+"/"+ref.TaskID] = true
	}
	missing := []model.ActionRef{}
	for _, j := range r.s.jobs {
		for _, t := range j.Tasks {
			if have[t.Person.CustomerID+"/"+t.ID] {
				continue
			}
			missing = append(missing, model.ActionRef{
				CustomerID:    t.Person.CustomerID,
				JobID:         j.ID,
				TaskID:        t.ID,
				ZaloAccountID: j.ZaloAccountID,
				ActionType:    j.ActionType,
				Status:        t.Status,
			})
		}
	}
	sort.Slice(missing, func(a, b int) bool {
		if missing[a].JobID != missing[b].JobID {
			return missing[a].JobID < missing[b].JobID
		}
		return missing[a].TaskID < missing[b].TaskID
	})
	if limit > 0 && len(missing) > limit {
		missing = missing[:limit]
	}
	return missing, nil
}

func (s *Store) referencesOf(customerID string) []model.ActionRef {
	out := []model.ActionRef{}
	for _, ref := range s.refs {
		if ref.CustomerID == customerID {
			out = append(out, ref)
		}
	}
	return out
}

func (s *Store) addReference(ref model.ActionRef) error {
	if _, ok := s.customers[ref.CustomerID]; !ok {
		return appErrors.NewNotFound("customer", ref.CustomerID)
	}
	for i, existing := range s.refs {
		if existing.CustomerID == ref.CustomerID && existing.TaskID == ref.TaskID {
			s.refs[i].Status = ref.Status
			return nil
		}
	}
	s.refs = append(s.refs, ref)
	return nil
}

// removeReferences drops entries for jobID; nil customerIDs means every customer.
func (s *Store) removeReferences(customerIDs []string, jobID string) int {
	var only map[string]bool
	if customerIDs != nil {
		only = make(map[string]bool, len(customerIDs))
		for _, id := range customerIDs {
			only[id] = true
		}
	}
	kept := s.refs[:0]
	removed := 0
	for _, ref := range s.refs {
		if ref.JobID == jobID && (only == nil || only[ref.CustomerID]) {
			removed++
			continue
		}
		kept = append(kept, ref)
	}
	s.refs = kept
	return removed
}

func (s *Store) setReferenceStatus(taskID string, status model.TaskStatus) {
	for i := range s.refs {
		if s.refs[i].TaskID == taskID {
			s.refs[i].Status = status
		}
	}
}

// ====================== History ======================

type HistoryRepo struct{ s *Store }

func (r *HistoryRepo) Insert(_ context.Context, e *model.HistoryEntry) error {
	r.s.histMu.Lock()
	defer r.s.histMu.Unlock()
	cp := *e
	r.s.history = append(r.s.history, &cp)
	return nil
}

func (r *HistoryRepo) ForSchedule(_ context.Context, jobID string, limit int) ([]*model.HistoryEntry, error) {
	return r.filter(limit, func(e *model.HistoryEntry) bool {
		return strings.HasPrefix(string(e.Action), model.DoActionPrefix) && e.ScheduleID() == jobID
	}), nil
}

func (r *HistoryRepo) ForCustomer(_ context.Context, customerID string, limit int) ([]*model.HistoryEntry, error) {
	return r.filter(limit, func(e *model.HistoryEntry) bool {
		return e.CustomerID == customerID
	}), nil
}

// filter walks the log backwards so equal timestamps keep newest-first order.
func (r *HistoryRepo) filter(limit int, keep func(*model.HistoryEntry) bool) []*model.HistoryEntry {
	r.s.histMu.RLock()
	defer r.s.histMu.RUnlock()
	out := []*model.HistoryEntry{}
	for i := len(r.s.history) - 1; i >= 0; i-- {
		if e := r.s.history[i]; keep(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var (
	_ repository.AccountRepositoryInterface  = (*AccountRepo)(nil)
	_ repository.CustomerRepositoryInterface = (*CustomerRepo)(nil)
	_ repository.HistoryRepositoryInterface  = (*HistoryRepo)(nil)
	_ repository.JobRepositoryInterface      = (*JobRepo)(nil)
)
