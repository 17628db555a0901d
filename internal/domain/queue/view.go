package queue

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
)

// SortKey selects the queue ordering.
type SortKey string

const (
	SortArrival SortKey = "arrival"
	SortRisk    SortKey = "risk"
	SortName    SortKey = "name"
	SortService SortKey = "service"
)

// ParseSortKey defaults to arrival order for an empty key.
func ParseSortKey(s string) (SortKey, error) {
	switch SortKey(strings.ToLower(strings.TrimSpace(s))) {
	case "", SortArrival:
		return SortArrival, nil
	case SortRisk:
		return SortRisk, nil
	case SortName:
		return SortName, nil
	case SortService:
		return SortService, nil
	}
	return "", fmt.Errorf("%w: unknown sort key %q", apperr.ErrValidation, s)
}

// DefaultStatuses is the status selection used when none is given.
var DefaultStatuses = []Status{StatusWaiting, StatusInProgress, StatusInitialListening}

// Filter is a conjunction of criteria. Empty selections match everything.
type Filter struct {
	Statuses       []Status
	From           time.Time
	To             time.Time
	ServiceTypes   []string
	Teams          []string
	Professionals  []uuid.UUID
	OnlyUnfinished bool
	OnlyMine       bool
	// Search matches patient name, CPF, CNS or birth date. A non-empty
	// search scans every status, ignoring Statuses.
	Search string
}

// View filters and orders rows without touching the input slice.
func View(rows []Row, f Filter, key SortKey, actorID uuid.UUID) []Row {
	m := newMatcher(f, actorID)
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if m.match(r) {
			out = append(out, r)
		}
	}
	sortRows(out, key)
	return out
}

type matcher struct {
	f        Filter
	actorID  uuid.UUID
	statuses map[Status]bool
	services map[string]bool
	teams    map[string]bool
	profs    map[uuid.UUID]bool
	search   string
	digits   string
}

func newMatcher(f Filter, actorID uuid.UUID) *matcher {
	m := &matcher{f: f, actorID: actorID}

	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = DefaultStatuses
	}
	m.statuses = make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		m.statuses[s] = true
	}

	m.services = stringSet(f.ServiceTypes)
	m.teams = stringSet(f.Teams)
	if len(f.Professionals) > 0 {
		m.profs = make(map[uuid.UUID]bool, len(f.Professionals))
		for _, p := range f.Professionals {
			m.profs[p] = true
		}
	}

	if q := strings.TrimSpace(f.Search); q != "" {
		m.search = fold(q)
		m.digits = onlyDigits(q)
	}
	return m
}

func stringSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func (m *matcher) match(r Row) bool {
	e := r.Entry

	if m.search == "" && !m.statuses[e.Status] {
		return false
	}
	if m.f.OnlyUnfinished && e.Status == StatusCompleted {
		return false
	}
	if !m.f.From.IsZero() && e.ArrivalTime.Before(m.f.From) {
		return false
	}
	if !m.f.To.IsZero() && e.ArrivalTime.After(m.f.To) {
		return false
	}
	if m.services != nil && !m.services[e.ServiceType] {
		return false
	}
	if m.teams != nil && !m.teams[e.Team] {
		return false
	}
	if m.profs != nil && (e.AssignedProfessionalID == nil || !m.profs[*e.AssignedProfessionalID]) {
		return false
	}
	if m.f.OnlyMine && (e.AssignedProfessionalID == nil || *e.AssignedProfessionalID != m.actorID) {
		return false
	}
	if m.search != "" && !m.matchesPatient(r.Patient) {
		return false
	}
	return true
}

func (m *matcher) matchesPatient(p *Patient) bool {
	if p == nil {
		return false
	}
	if strings.Contains(fold(p.Name), m.search) || strings.Contains(fold(p.SocialName), m.search) {
		return true
	}
	if m.digits != "" && len(m.digits) >= 3 {
		if strings.Contains(onlyDigits(p.CPF), m.digits) || strings.Contains(onlyDigits(p.CNS), m.digits) {
			return true
		}
	}
	if p.BirthDate != nil {
		if strings.Contains(p.BirthDate.Format("02/01/2006"), m.search) ||
			strings.Contains(p.BirthDate.Format("2006-01-02"), m.search) {
			return true
		}
	}
	return false
}

// fold lower-cases s and strips diacritics so "JOSÉ" matches "jose".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// byArrival breaks equal arrival times by insertion order.
func byArrival(a, b *Entry) bool {
	if !a.ArrivalTime.Equal(b.ArrivalTime) {
		return a.ArrivalTime.Before(b.ArrivalTime)
	}
	return a.Seq < b.Seq
}

func sortRows(rows []Row, key SortKey) {
	switch key {
	case SortRisk:
		sort.SliceStable(rows, func(i, j int) bool {
			ri, rj := rows[i].Entry.RiskClassification.Ordinal(), rows[j].Entry.RiskClassification.Ordinal()
			if ri != rj {
				return ri > rj
			}
			return byArrival(&rows[i].Entry, &rows[j].Entry)
		})
	case SortName:
		// Collators keep state, so each sort gets its own.
		c := collate.New(language.BrazilianPortuguese, collate.IgnoreCase)
		sort.SliceStable(rows, func(i, j int) bool {
			return c.CompareString(rows[i].Patient.DisplayName(), rows[j].Patient.DisplayName()) < 0
		})
	case SortService:
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].Entry.ServiceType != rows[j].Entry.ServiceType {
				return rows[i].Entry.ServiceType < rows[j].Entry.ServiceType
			}
			return byArrival(&rows[i].Entry, &rows[j].Entry)
		})
	default:
		sort.SliceStable(rows, func(i, j int) bool {
			return byArrival(&rows[i].Entry, &rows[j].Entry)
		})
	}
}
