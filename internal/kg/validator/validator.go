// Package validator implements the Temporal History Validator: it walks
// every entity's version timeline looking for broken PREVIOUS_VERSION
// linkage and, optionally, repairs what it finds.
package validator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"memento/internal/kg/entity"
	"memento/internal/kg/history"
	"memento/internal/logging"
)

// IssueType enumerates the timeline defects detected.
type IssueType string

const (
	IssueUnexpectedHead     IssueType = "unexpected_head"
	IssueMissingPrevious    IssueType = "missing_previous"
	IssueMisorderedPrevious IssueType = "misordered_previous"
)

// Issue describes one detected timeline defect.
type Issue struct {
	EntityID           string
	VersionID          string
	Type               IssueType
	ExpectedPreviousID string
	ActualPreviousID   string
	Message            string
	Repaired           *bool
}

const (
	defaultBatchSize     = 25
	minBatchSize         = 1
	maxBatchSize         = 100
	defaultTimelineLimit = 200
	minTimelineLimit     = 10
	maxTimelineLimit     = 200
)

// Options controls a Validate run.
type Options struct {
	BatchSize     int
	MaxEntities   int
	TimelineLimit int
	AutoRepair    bool
	DryRun        bool
}

func (o Options) normalize() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.BatchSize < minBatchSize {
		o.BatchSize = minBatchSize
	}
	if o.BatchSize > maxBatchSize {
		o.BatchSize = maxBatchSize
	}
	if o.TimelineLimit <= 0 {
		o.TimelineLimit = defaultTimelineLimit
	}
	if o.TimelineLimit < minTimelineLimit {
		o.TimelineLimit = minTimelineLimit
	}
	if o.TimelineLimit > maxTimelineLimit {
		o.TimelineLimit = maxTimelineLimit
	}
	return o
}

// Result summarizes one Validate run.
type Result struct {
	ScannedEntities   int
	InspectedVersions int
	RepairedLinks     int
	Issues            []Issue
}

// Repairer is the subset of the History Service the validator needs to
// fix a broken link; isolated so tests can substitute a fake.
type Repairer interface {
	RepairPreviousVersionLink(ctx context.Context, entityID, currentVersionID, prevVersionID string, timestamp time.Time) error
}

// Validator scans entity timelines for PREVIOUS_VERSION corruption.
type Validator struct {
	entities *entity.Service
	history  *history.Service
	repairer Repairer
}

// New creates a Validator backed by entities for listing and history for
// both timeline reads and (if AutoRepair is set) link repair.
func New(entities *entity.Service, history *history.Service) *Validator {
	return &Validator{entities: entities, history: history, repairer: history}
}

// Validate pages through every entity, inspects its timeline, and
// reports (and optionally repairs) the defects it finds.
func (v *Validator) Validate(ctx context.Context, opts Options) (*Result, error) {
	opts = opts.normalize()
	result := &Result{}
	offset := 0

	for {
		if opts.MaxEntities > 0 && result.ScannedEntities >= opts.MaxEntities {
			break
		}
		page, err := v.entities.ListEntities(ctx, entity.ListFilter{Limit: opts.BatchSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("list entities: %w", err)
		}
		if len(page.Items) == 0 {
			break
		}

		for _, e := range page.Items {
			if opts.MaxEntities > 0 && result.ScannedEntities >= opts.MaxEntities {
				break
			}
			result.ScannedEntities++

			timeline, err := v.history.GetEntityTimeline(ctx, e.ID, history.TimelineOptions{Limit: opts.TimelineLimit})
			if err != nil {
				logging.Get(logging.CategoryValidator).Warn("failed to load timeline for %s: %v", e.ID, err)
				continue
			}
			result.InspectedVersions += len(timeline)

			issues := v.inspectTimeline(e.ID, timeline, opts.TimelineLimit)
			if opts.AutoRepair && !opts.DryRun {
				v.repair(ctx, issues)
			}
			for _, iss := range issues {
				if iss.Repaired != nil && *iss.Repaired {
					result.RepairedLinks++
				}
			}
			result.Issues = append(result.Issues, issues...)
		}

		if page.NextCursor == "" {
			break
		}
		next, err := strconv.Atoi(page.NextCursor)
		if err != nil {
			break
		}
		offset = next
	}

	return result, nil
}

// inspectTimeline sorts versions ascending by timestamp and applies the
// detection rules to the earliest version and every adjacent pair.
func (v *Validator) inspectTimeline(entityID string, timeline []history.VersionRecord, timelineLimit int) []Issue {
	sorted := append([]history.VersionRecord(nil), timeline...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var issues []Issue
	if len(sorted) == 0 {
		return issues
	}

	if len(sorted) < timelineLimit && sorted[0].PreviousVersionID != "" {
		issues = append(issues, Issue{
			EntityID: entityID, VersionID: sorted[0].VersionID, Type: IssueUnexpectedHead,
			ActualPreviousID: sorted[0].PreviousVersionID,
			Message:          "earliest version in a complete history has a previous_version pointer",
		})
	}

	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]

		if cur.PreviousVersionID == "" {
			issues = append(issues, Issue{
				EntityID: entityID, VersionID: cur.VersionID, Type: IssueMissingPrevious,
				ExpectedPreviousID: prev.VersionID,
				Message:            "version has no previous_version link",
			})
			continue
		}
		if cur.PreviousVersionID != prev.VersionID {
			issues = append(issues, Issue{
				EntityID: entityID, VersionID: cur.VersionID, Type: IssueMisorderedPrevious,
				ExpectedPreviousID: prev.VersionID, ActualPreviousID: cur.PreviousVersionID,
				Message: "previous_version does not match the immediately preceding version",
			})
			continue
		}
		if cur.Timestamp.Before(prev.Timestamp) {
			issues = append(issues, Issue{
				EntityID: entityID, VersionID: cur.VersionID, Type: IssueMisorderedPrevious,
				ExpectedPreviousID: prev.VersionID, ActualPreviousID: cur.PreviousVersionID,
				Message: "timestamp precedes the version it links back to",
			})
		}
	}
	return issues
}

// repair attempts repairPreviousVersionLink for every missing_previous
// issue, recording the outcome on the issue itself.
func (v *Validator) repair(ctx context.Context, issues []Issue) {
	for i := range issues {
		if issues[i].Type != IssueMissingPrevious {
			continue
		}
		err := v.repairer.RepairPreviousVersionLink(ctx, issues[i].EntityID, issues[i].VersionID, issues[i].ExpectedPreviousID, time.Now().UTC())
		ok := err == nil
		issues[i].Repaired = &ok
		if err != nil {
			logging.Get(logging.CategoryValidator).Warn("repair failed for %s/%s: %v", issues[i].EntityID, issues[i].VersionID, err)
		}
	}
}
