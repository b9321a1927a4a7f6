// SPDX-License-Identifier: Apache-2.0

package ctxtree

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/hashicorp/go-multierror"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/sirupsen/logrus"
)

// Operation names a merge strategy.
type Operation int

const (
	// UpdateSourceToTarget copies every source item, with metadata, into the target.
	UpdateSourceToTarget Operation = iota
	// UpdateTargetToSource copies every target item, with metadata, into the source.
	UpdateTargetToSource
	// MergeNewerWins keeps, per conflicting item, the side modified last.
	MergeNewerWins
	// MergeSourcePriority keeps the source side of every conflict.
	MergeSourcePriority
	// MergeTargetPriority keeps the target side of every conflict.
	MergeTargetPriority
	// NoAction only compares the two sides.
	NoAction
)

var operationNames = map[Operation]string{
	UpdateSourceToTarget: "updateSourceToTarget",
	UpdateTargetToSource: "updateTargetToSource",
	MergeNewerWins:       "mergeNewerWins",
	MergeSourcePriority:  "mergeSourcePriority",
	MergeTargetPriority:  "mergeTargetPriority",
	NoAction:             "noAction",
}

func (op Operation) String() string {
	if name, ok := operationNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", int(op))
}

// ParseOperation maps an operation token such as "mergeNewerWins" to its
// [Operation]. Unknown tokens yield an [*UnknownOperationError].
func ParseOperation(token string) (Operation, error) {
	for op, name := range operationNames {
		if name == token {
			return op, nil
		}
	}
	return 0, &UnknownOperationError{Operation: token}
}

// Side names one side of a comparison.
type Side int

const (
	// SideNone means neither side is newer.
	SideNone Side = iota
	SideSource
	SideTarget
)

func (s Side) String() string {
	switch s {
	case SideNone:
		return "none"
	case SideSource:
		return "source"
	case SideTarget:
		return "target"
	default:
		return fmt.Sprintf("Side(%d)", s)
	}
}

// Comparison describes how the two sides of a merge differed before it ran.
type Comparison struct {
	SourceModifiedAt time.Time
	TargetModifiedAt time.Time
	// Newer is the side with the later modification time.
	Newer Side
	// Equal reports whether both sides hold the same plain value.
	Equal bool
	// Differences lists the dotted paths whose plain values differ.
	Differences []string
	// Diff is a line diff of the YAML renderings, "-" for source-only
	// lines and "+" for target-only lines.
	Diff string
}

// Change is one entry of a [Report].
type Change struct {
	Path   string
	Action Action
	Err    error
}

// Report is returned by every merge operation.
type Report struct {
	// Success is false when at least one change failed.
	Success    bool
	Operation  Operation
	Comparison Comparison
	// Changes lists modified and failed keys.
	Changes []Change
}

// Err aggregates the failed changes, or returns nil.
func (r *Report) Err() error {
	var merr *multierror.Error
	for _, c := range r.Changes {
		if c.Err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", formatPath(c.Path), c.Err))
		}
	}
	return merr.ErrorOrNil()
}

// MergeOptions configures a [Merger].
//
// The zero value merges values only, consults no filter and logs through the
// logrus standard logger. The update operations always copy metadata.
type MergeOptions struct {
	// SyncMetadata copies metadata along with values for the merge operations.
	SyncMetadata bool
	// Filter, if set, gates which source items a merge may apply.
	Filter Filter
	// Logger receives per-key warnings.
	Logger logrus.FieldLogger
}

// Merger runs named merge operations over pairs of items.
//
// A Merger can be safely reused. It is not safe to use concurrently.
type Merger struct {
	opts MergeOptions
	log  logrus.FieldLogger
}

// NewMerger creates a new [Merger] with the given options.
func NewMerger(opts MergeOptions) *Merger {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Merger{opts: opts, log: log}
}

// Options returns the options configured for this [Merger].
func (m *Merger) Options() MergeOptions {
	return m.opts
}

// Merge runs op over source and target. See [Merger.Merge].
func Merge(opts MergeOptions, source, target any, op Operation) (*Report, error) {
	return NewMerger(opts).Merge(source, target, op)
}

// Merge runs op over source and target, which must each be a *Node or a
// *Container.
//
// The merged result is written into target, except for
// [UpdateTargetToSource], which writes into source. Container pairs are
// merged key by key with the sync engine; any other pair is merged as a
// single item. The update operations also copy the metadata of the two
// root containers; the merge operations leave root metadata alone. Conflicts are resolved by the operation and never produce an
// error; failures to apply a resolved change are listed in the report.
//
// Returns an [*UnknownOperationError] for an unknown op and an
// [*UnsupportedKindError] when a side is not a *Node or *Container.
func (m *Merger) Merge(source, target any, op Operation) (*Report, error) {
	if _, ok := operationNames[op]; !ok {
		return nil, &UnknownOperationError{Operation: op.String()}
	}
	src, err := asItem("source", source)
	if err != nil {
		return nil, err
	}
	tgt, err := asItem("target", target)
	if err != nil {
		return nil, err
	}

	report := &Report{Operation: op, Comparison: compare(src, tgt)}

	var outcomes []Outcome
	switch op {
	case NoAction:
	case UpdateSourceToTarget:
		outcomes = m.apply(src, tgt, nil, true)
	case UpdateTargetToSource:
		outcomes = m.apply(tgt, src, nil, true)
	case MergeNewerWins:
		outcomes = m.apply(src, tgt, newerWins, m.opts.SyncMetadata)
	case MergeSourcePriority:
		outcomes = m.apply(src, tgt, func(Conflict) bool { return true }, m.opts.SyncMetadata)
	case MergeTargetPriority:
		outcomes = m.apply(src, tgt, func(c Conflict) bool { return c.Target == nil }, m.opts.SyncMetadata)
	}

	report.Success = true
	for _, o := range outcomes {
		if o.Action == ActionFailed {
			report.Success = false
		}
		if o.Action.Changed() || o.Action == ActionFailed {
			report.Changes = append(report.Changes, Change{Path: o.Path, Action: o.Action, Err: o.Err})
		}
	}
	m.log.WithFields(logrus.Fields{
		"operation": op.String(),
		"changes":   len(report.Changes),
	}).Debug("merge finished")
	return report, nil
}

func (m *Merger) UpdateSourceToTarget(source, target any) (*Report, error) {
	return m.Merge(source, target, UpdateSourceToTarget)
}

func (m *Merger) UpdateTargetToSource(source, target any) (*Report, error) {
	return m.Merge(source, target, UpdateTargetToSource)
}

func (m *Merger) MergeNewerWins(source, target any) (*Report, error) {
	return m.Merge(source, target, MergeNewerWins)
}

func (m *Merger) MergeSourcePriority(source, target any) (*Report, error) {
	return m.Merge(source, target, MergeSourcePriority)
}

func (m *Merger) MergeTargetPriority(source, target any) (*Report, error) {
	return m.Merge(source, target, MergeTargetPriority)
}

func (m *Merger) NoAction(source, target any) (*Report, error) {
	return m.Merge(source, target, NoAction)
}

func asItem(side string, v any) (Item, error) {
	switch x := v.(type) {
	case *Container:
		if x != nil {
			return x, nil
		}
	case *Node:
		if x != nil {
			return x, nil
		}
	}
	return nil, &UnsupportedKindError{Side: side, Value: v}
}

// gate combines the operation's resolver with the configured filter.
func (m *Merger) gate(resolve Resolver) Resolver {
	filter := m.opts.Filter
	if filter == nil {
		return resolve
	}
	return func(c Conflict) bool {
		chosen := filter(c.Source, c.Target, c.Path, c.SourceParent, c.TargetParent)
		if !sameSlot(chosen, c.Source) {
			return false
		}
		return resolve == nil || resolve(c)
	}
}

func (m *Merger) apply(from, to Item, resolve Resolver, syncMetadata bool) []Outcome {
	overwrite := resolve == nil
	resolve = m.gate(resolve)

	fromC, fromIsC := from.(*Container)
	toC, toIsC := to.(*Container)
	if fromIsC && toIsC {
		var outcomes []Outcome
		if overwrite && fromC != toC && (resolve == nil || resolve(Conflict{Source: fromC, Target: toC})) {
			if err := toC.SetMetadata(fromC.metadata, false); err != nil {
				m.log.WithError(err).Warn("failed to merge root metadata")
				outcomes = append(outcomes, Outcome{Action: ActionFailed, Err: err})
			}
		}
		res := NewSyncer(SyncOptions{
			SyncMetadata: syncMetadata,
			Resolve:      resolve,
			Logger:       m.log,
		}).Sync(fromC, toC, AToB)
		return append(outcomes, res.Outcomes...)
	}

	if resolve != nil && !resolve(Conflict{Source: from, Target: to}) {
		return []Outcome{{Action: ActionKept}}
	}
	if err := to.Set(copyValue(plainOf(from))); err != nil {
		m.log.WithError(err).Warn("failed to merge item")
		return []Outcome{{Action: ActionFailed, Err: err}}
	}
	if syncMetadata {
		if err := to.SetMetadata(from.base().metadata, false); err != nil {
			m.log.WithError(err).Warn("failed to merge item metadata")
			return []Outcome{{Action: ActionFailed, Err: err}}
		}
	}
	return []Outcome{{Action: ActionUpdated}}
}

// newerWins applies the source when it was modified after the target.
// Gaps in the target are always filled. Raw slots carry no timestamps and
// lose to items.
func newerWins(c Conflict) bool {
	if c.Target == nil {
		return true
	}
	return modifiedAt(c.Source).After(modifiedAt(c.Target))
}

func modifiedAt(slot any) time.Time {
	if it, ok := slot.(Item); ok {
		return it.ModifiedAt()
	}
	return time.Time{}
}

func compare(src, tgt Item) Comparison {
	cmp := Comparison{
		SourceModifiedAt: src.ModifiedAt(),
		TargetModifiedAt: tgt.ModifiedAt(),
	}
	switch {
	case cmp.SourceModifiedAt.After(cmp.TargetModifiedAt):
		cmp.Newer = SideSource
	case cmp.TargetModifiedAt.After(cmp.SourceModifiedAt):
		cmp.Newer = SideTarget
	}

	a, b := plainOf(src), plainOf(tgt)
	cmp.Differences = differences("", a, b, nil)
	cmp.Equal = len(cmp.Differences) == 0
	if !cmp.Equal {
		cmp.Diff = lineDiff(render(a), render(b))
	}
	return cmp
}

func differences(path string, a, b any, out []string) []string {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if !aIsMap || !bIsMap {
		if !reflect.DeepEqual(a, b) {
			out = append(out, path)
		}
		return out
	}
	keys := slices.Collect(maps.Keys(am))
	for k := range bm {
		if _, ok := am[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		av, aok := am[k]
		bv, bok := bm[k]
		if aok != bok {
			out = append(out, joinPath(path, k))
			continue
		}
		out = differences(joinPath(path, k), av, bv, out)
	}
	return out
}

func render(v any) string {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v\n", v)
	}
	return string(out)
}

func lineDiff(a, b string) string {
	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(prefix)
			sb.WriteString(line)
		}
	}
	return sb.String()
}
