// SPDX-License-Identifier: Apache-2.0

package ctxtree

import (
	"fmt"
	"maps"
	"slices"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Direction selects which tree of a [Syncer.Sync] call is the source.
type Direction int

const (
	// AToB copies from the first tree into the second (default behavior).
	AToB Direction = iota
	// BToA copies from the second tree into the first.
	BToA
)

func (d Direction) String() string {
	switch d {
	case AToB:
		return "AToB"
	case BToA:
		return "BToA"
	default:
		return fmt.Sprintf("Direction(%d)", d)
	}
}

// Action describes what a sync did with one key.
type Action int

const (
	// ActionUpdated copied the source value into an existing target item.
	ActionUpdated Action = iota
	// ActionAdded inserted a copy of a source item the target lacked.
	ActionAdded
	// ActionCloned inserted a deep clone of a source container.
	ActionCloned
	// ActionReplaced overwrote a target slot of a different kind.
	ActionReplaced
	// ActionRecursed descended into a container present on both sides.
	ActionRecursed
	// ActionKept left the target untouched because the resolver said so.
	ActionKept
	// ActionSkippedCycle skipped a container already being walked.
	ActionSkippedCycle
	// ActionSkippedSelf skipped a container listed as its own child.
	ActionSkippedSelf
	// ActionFailed could not apply the change; see [Outcome.Err].
	ActionFailed
)

func (a Action) String() string {
	switch a {
	case ActionUpdated:
		return "updated"
	case ActionAdded:
		return "added"
	case ActionCloned:
		return "cloned"
	case ActionReplaced:
		return "replaced"
	case ActionRecursed:
		return "recursed"
	case ActionKept:
		return "kept"
	case ActionSkippedCycle:
		return "skipped-cycle"
	case ActionSkippedSelf:
		return "skipped-self"
	case ActionFailed:
		return "failed"
	default:
		return fmt.Sprintf("Action(%d)", a)
	}
}

// Changed reports whether the action modified the target.
func (a Action) Changed() bool {
	switch a {
	case ActionUpdated, ActionAdded, ActionCloned, ActionReplaced:
		return true
	default:
		return false
	}
}

// Outcome is the result of syncing one key.
type Outcome struct {
	// Path is the dotted path of the key from the root of the walk.
	Path   string
	Action Action
	// Err is set when Action is ActionFailed.
	Err error
}

// SyncResult collects the outcome of every key a sync visited.
type SyncResult struct {
	Outcomes []Outcome
}

// Failures returns the outcomes with [ActionFailed].
func (r *SyncResult) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Action == ActionFailed {
			out = append(out, o)
		}
	}
	return out
}

// Changed reports whether any key was modified in the target.
func (r *SyncResult) Changed() bool {
	for _, o := range r.Outcomes {
		if o.Action.Changed() {
			return true
		}
	}
	return false
}

// Err aggregates all per-key failures, or returns nil.
func (r *SyncResult) Err() error {
	var merr *multierror.Error
	for _, o := range r.Failures() {
		merr = multierror.Append(merr, fmt.Errorf("%s: %w", formatPath(o.Path), o.Err))
	}
	return merr.ErrorOrNil()
}

// Conflict describes one key handed to a [Resolver].
type Conflict struct {
	// Path is the dotted path from the root of the walk.
	Path string
	// Source is the source slot.
	Source any
	// Target is the target slot, nil when the target lacks the key.
	Target any
	// SourceParent and TargetParent are the containers holding the slots.
	SourceParent *Container
	TargetParent *Container
}

// Resolver decides whether the source side of a conflict is applied to the
// target. Keys holding containers on both sides are always descended into;
// with [SyncOptions.SyncMetadata] set, the resolver decides whether the
// source container's metadata replaces the target's.
type Resolver func(c Conflict) bool

// SyncOptions configures a [Syncer].
//
// The zero value copies values only, applies every source key and logs
// through the logrus standard logger.
type SyncOptions struct {
	// SyncMetadata also copies metadata onto updated items.
	SyncMetadata bool
	// Resolve, if set, filters which source keys are applied.
	Resolve Resolver
	// Logger receives cycle warnings and per-key failures.
	Logger logrus.FieldLogger
}

// Syncer reconciles one container tree into another.
//
// A Syncer can be reused. It is not safe to use concurrently.
type Syncer struct {
	opts SyncOptions
	log  logrus.FieldLogger
}

// NewSyncer creates a [Syncer] with the given options.
func NewSyncer(opts SyncOptions) *Syncer {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Syncer{opts: opts, log: log}
}

// Sync synchronizes a and b in the given direction. See [Syncer.Sync].
func Sync(a, b *Container, dir Direction, opts SyncOptions) *SyncResult {
	return NewSyncer(opts).Sync(a, b, dir)
}

type syncFrame struct {
	source *Container
	target *Container
	path   string
	exit   bool
	// metadata copies the source container's metadata onto the target.
	metadata bool
}

// Sync copies the source tree into the target tree: a into b for [AToB],
// b into a for [BToA].
//
// Items present on both sides are updated through their own setters, so
// frozen targets reject the write. Containers present on both sides are
// descended into. Items missing from the target are added as copies, and
// missing containers as deep clones, so the target never shares structure
// with the source afterwards. Keys are never removed from the target.
//
// A container reached again while it is still being walked, including one
// listed as its own child, is skipped with a warning, so the walk always
// terminates. A failure on one key is recorded and logged and the walk goes
// on with the next key.
//
// The walk uses an explicit stack; its depth does not grow the call stack.
func (s *Syncer) Sync(a, b *Container, dir Direction) *SyncResult {
	source, target := a, b
	if dir == BToA {
		source, target = b, a
	}
	res := &SyncResult{}
	if source == nil || target == nil {
		return res
	}

	visited := map[*Container]struct{}{}
	stack := []syncFrame{{source: source, target: target}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.exit {
			delete(visited, f.source)
			continue
		}
		if _, seen := visited[f.source]; seen {
			s.log.WithField("path", formatPath(f.path)).Warn("cycle detected, skipping container")
			res.Outcomes = append(res.Outcomes, Outcome{Path: f.path, Action: ActionSkippedCycle})
			continue
		}
		visited[f.source] = struct{}{}
		stack = append(stack, syncFrame{source: f.source, exit: true})

		if f.metadata && f.source != f.target {
			if err := f.target.SetMetadata(f.source.base().metadata, false); err != nil {
				s.fail(res, f.path, err)
			}
		}

		snap := maps.Clone(f.source.children)
		var next []syncFrame
		for _, key := range slices.Sorted(maps.Keys(snap)) {
			slot := snap[key]
			path := joinPath(f.path, key)
			if child, ok := slot.(*Container); ok {
				if child == f.source {
					s.log.WithField("path", path).Warn("container holds itself, skipping")
					res.Outcomes = append(res.Outcomes, Outcome{Path: path, Action: ActionSkippedSelf})
					continue
				}
				if _, seen := visited[child]; seen {
					s.log.WithField("path", path).Warn("cycle detected, skipping container")
					res.Outcomes = append(res.Outcomes, Outcome{Path: path, Action: ActionSkippedCycle})
					continue
				}
			}

			frame, action, err := s.syncKey(f, key, slot, path)
			if err != nil {
				s.fail(res, path, err)
				continue
			}
			res.Outcomes = append(res.Outcomes, Outcome{Path: path, Action: action})
			if frame != nil {
				next = append(next, *frame)
			}
		}
		for i := len(next) - 1; i >= 0; i-- {
			stack = append(stack, next[i])
		}
	}
	return res
}

func (s *Syncer) fail(res *SyncResult, path string, err error) {
	s.log.WithField("path", formatPath(path)).WithError(err).Warn("failed to sync key")
	res.Outcomes = append(res.Outcomes, Outcome{Path: path, Action: ActionFailed, Err: err})
}

func (s *Syncer) syncKey(f syncFrame, key string, slot any, path string) (*syncFrame, Action, error) {
	existing, exists := f.target.children[key]
	srcContainer, srcIsContainer := slot.(*Container)
	tgtContainer, tgtIsContainer := existing.(*Container)

	if exists && srcIsContainer && tgtIsContainer {
		frame := &syncFrame{source: srcContainer, target: tgtContainer, path: path, metadata: s.opts.SyncMetadata}
		if frame.metadata && s.opts.Resolve != nil {
			frame.metadata = s.opts.Resolve(Conflict{
				Path:         path,
				Source:       srcContainer,
				Target:       tgtContainer,
				SourceParent: f.source,
				TargetParent: f.target,
			})
		}
		return frame, ActionRecursed, nil
	}

	if s.opts.Resolve != nil {
		c := Conflict{Path: path, Source: slot, SourceParent: f.source, TargetParent: f.target}
		if exists {
			c.Target = existing
		}
		if !s.opts.Resolve(c) {
			return nil, ActionKept, nil
		}
	}

	if !exists {
		if srcIsContainer {
			clone := cloneShell(srcContainer, f.target)
			if err := f.target.setItem(key, clone, setConfig{policy: f.target.policy}); err != nil {
				return nil, ActionFailed, err
			}
			s.log.WithField("path", path).Debug("cloned container into target")
			return &syncFrame{source: srcContainer, target: clone, path: path}, ActionCloned, nil
		}
		if err := f.target.setItem(key, copySlot(slot), setConfig{policy: f.target.policy}); err != nil {
			return nil, ActionFailed, err
		}
		return nil, ActionAdded, nil
	}

	switch tgt := existing.(type) {
	case *Node:
		if srcIsContainer {
			return s.replace(f, key, srcContainer, path)
		}
		if err := tgt.Set(copyValue(plainOf(slot))); err != nil {
			return nil, ActionFailed, err
		}
		if src, ok := slot.(*Node); ok && s.opts.SyncMetadata {
			if err := tgt.SetMetadata(src.metadata, false); err != nil {
				return nil, ActionFailed, err
			}
		}
		return nil, ActionUpdated, nil
	case *Container:
		return s.replace(f, key, slot, path)
	default:
		if _, isItem := slot.(Item); isItem {
			return s.replace(f, key, slot, path)
		}
		cfg := setConfig{policy: f.target.policy}
		cfg.policy.RawPrimitives = true
		if err := f.target.setItem(key, slot, cfg); err != nil {
			return nil, ActionFailed, err
		}
		return nil, ActionUpdated, nil
	}
}

// replace overwrites a target slot whose kind differs from the source slot.
func (s *Syncer) replace(f syncFrame, key string, slot any, path string) (*syncFrame, Action, error) {
	if src, ok := slot.(*Container); ok {
		clone := cloneShell(src, f.target)
		if err := f.target.setItem(key, clone, setConfig{policy: f.target.policy}); err != nil {
			return nil, ActionFailed, err
		}
		return &syncFrame{source: src, target: clone, path: path}, ActionReplaced, nil
	}
	if err := f.target.setItem(key, copySlot(slot), setConfig{policy: f.target.policy}); err != nil {
		return nil, ActionFailed, err
	}
	return nil, ActionReplaced, nil
}

// cloneShell creates an empty container carrying src's metadata, policy
// and access flags. The walk fills in its children.
func cloneShell(src *Container, parent *Container) *Container {
	opts := src.Node.options()
	opts.Metadata = src.metadata
	opts.Clock = parent.clock
	return newEmptyContainer(ContainerOptions{
		NodeOptions: opts,
		Policy:      src.policy,
		Logger:      parent.log,
	})
}

// copySlot copies a leaf slot for insertion into another tree.
func copySlot(slot any) any {
	n, ok := slot.(*Node)
	if !ok {
		return slot
	}
	opts := n.options()
	opts.Metadata = n.metadata
	return NewNode(copyValue(n.value), opts)
}
