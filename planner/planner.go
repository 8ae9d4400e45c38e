// Package planner holds the deterministic kitchen-ops calculators: stock
// severity, procurement quantities, shift coverage, the daily task plan,
// and incident escalation. All functions are pure.
package planner

import (
	"math"
	"sort"
	"time"

	"github.com/rai1001/chefos/models"
)

// Severity grades how urgently an inventory position needs attention.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityLow      Severity = "low"
	SeverityCritical Severity = "critical"
	SeverityOut      Severity = "out"
)

// StockSeverity grades on-hand quantity against the reorder point and par
// level. Zero or negative stock is out; at or below reorder is critical;
// below par is low.
func StockSeverity(onHand, par, reorderPoint float64) Severity {
	switch {
	case onHand <= 0:
		return SeverityOut
	case onHand <= reorderPoint:
		return SeverityCritical
	case onHand < par:
		return SeverityLow
	default:
		return SeverityOK
	}
}

// ProcurementQuantity returns how many packs to order to restore par,
// accounting for stock already on hand and on order. Quantities round up to
// whole packs and never go negative. A non-positive pack size counts units.
func ProcurementQuantity(par, onHand, onOrder, packSize float64) int {
	deficit := par - onHand - onOrder
	if deficit <= 0 {
		return 0
	}
	if packSize <= 0 {
		packSize = 1
	}
	return int(math.Ceil(deficit / packSize))
}

// CoverageGap reports understaffing for one station.
type CoverageGap struct {
	Station   string
	Required  int
	Scheduled int
	Short     int
}

// ShiftCoverage compares required headcount per station against the
// schedule and returns the stations that are short, alphabetically. Fully
// covered and over-covered stations are omitted.
func ShiftCoverage(required, scheduled map[string]int) []CoverageGap {
	gaps := make([]CoverageGap, 0, len(required))
	for station, need := range required {
		have := scheduled[station]
		if have >= need {
			continue
		}
		gaps = append(gaps, CoverageGap{
			Station:   station,
			Required:  need,
			Scheduled: have,
			Short:     need - have,
		})
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].Station < gaps[j].Station })
	return gaps
}

// PlanDailyTasks orders the day's open work: event prep for today's events
// first (soonest event first), then remaining tasks by due time. Ordering is
// stable so equal keys keep their input order. Completed tasks and tasks due
// after the day are excluded. The day ends at the next midnight in loc, the
// hotel's timezone; a nil loc uses now's location.
func PlanDailyTasks(events []models.Event, tasks []models.Task, now time.Time, loc *time.Location) []models.Task {
	if loc == nil {
		loc = now.Location()
	}
	y, m, d := now.In(loc).Date()
	dayEnd := time.Date(y, m, d, 0, 0, 0, 0, loc).AddDate(0, 0, 1)

	eventStart := make(map[string]time.Time, len(events))
	for _, ev := range events {
		if ev.StartsAt.Before(now) || !ev.StartsAt.Before(dayEnd) {
			continue
		}
		if existing, ok := eventStart[ev.Space]; !ok || ev.StartsAt.Before(existing) {
			eventStart[ev.Space] = ev.StartsAt
		}
	}

	planned := make([]models.Task, 0, len(tasks))
	for _, task := range tasks {
		if task.Status != models.TaskOpen {
			continue
		}
		if !task.DueAt.Before(dayEnd) {
			continue
		}
		planned = append(planned, task)
	}

	sort.SliceStable(planned, func(i, j int) bool {
		si, iEvent := eventStart[planned[i].Station]
		sj, jEvent := eventStart[planned[j].Station]
		if iEvent != jEvent {
			return iEvent
		}
		if iEvent && jEvent && !si.Equal(sj) {
			return si.Before(sj)
		}
		return planned[i].DueAt.Before(planned[j].DueAt)
	})
	return planned
}

// IncidentSeverity classifies an operational incident.
type IncidentSeverity string

const (
	IncidentLow    IncidentSeverity = "low"
	IncidentMedium IncidentSeverity = "medium"
	IncidentHigh   IncidentSeverity = "high"
)

// EscalationLevel is the incident escalation policy outcome.
type EscalationLevel int

const (
	EscalateNone EscalationLevel = iota
	EscalateSupervisor
	EscalateManager
	EscalateDirector
)

// EscalateIncident applies the escalation policy: an unacknowledged
// incident climbs one level per 15 minutes open, capped by severity. Low
// incidents never pass supervisor and medium never pass manager.
// Acknowledged incidents do not escalate.
func EscalateIncident(severity IncidentSeverity, minutesOpen int, acked bool) EscalationLevel {
	if acked || minutesOpen < 15 {
		return EscalateNone
	}
	level := EscalationLevel(minutesOpen / 15)
	if level > EscalateDirector {
		level = EscalateDirector
	}
	switch severity {
	case IncidentLow:
		if level > EscalateSupervisor {
			level = EscalateSupervisor
		}
	case IncidentMedium:
		if level > EscalateManager {
			level = EscalateManager
		}
	}
	return level
}
