// Package differ merge-compares two trees, merged and lower, and emits the
// ordered operation stream whose application over lower reconstructs
// merged.
//
// Both trees are reduced to path-sorted entry sequences and joined with a
// two-pointer merge, so the emitted stream depends only on tree content,
// never on the iteration order of the underlying medium. Operations come
// out in ascending path order with every directory preceding the paths
// nested under it.
package differ

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/unionkit/uniondiff/entry"
	"github.com/unionkit/uniondiff/tree"
)

const compareChunkSize = 64 * 1024

// Differ computes the difference upper = merged - lower.
type Differ struct {
	merged tree.Tree
	lower  tree.Tree
	opts   Options
}

// New returns a differ over the two trees. Neither tree is read until Run.
func New(merged, lower tree.Tree, opts Options) *Differ {
	return &Differ{merged: merged, lower: lower, opts: opts}
}

// Options returns the options the differ was built with.
func (d *Differ) Options() Options { return d.opts }

// Run performs the diff and calls emit for every operation, in order.
// Emission stops at the first error from emit or from either tree.
func (d *Differ) Run(ctx context.Context, emit func(Op) error) error {
	var mergedEntries, lowerEntries []*entry.Entry

	// The two index passes are independent; run them concurrently. The
	// merge below restores the deterministic order.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		mergedEntries, err = loadSorted(gctx, d.merged)
		return err
	})
	g.Go(func() error {
		var err error
		lowerEntries, err = loadSorted(gctx, d.lower)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	ops, kept, sharedDirs, err := d.classify(ctx, mergedEntries, lowerEntries)
	if err != nil {
		return err
	}
	if d.opts.OpaqueDirs {
		ops = collapseOpaque(ops, kept, sharedDirs)
	}
	return d.emitAll(ops, emit)
}

func loadSorted(ctx context.Context, t tree.Tree) ([]*entry.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := t.Entries()
	if err != nil {
		return nil, err
	}
	if !sort.SliceIsSorted(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path }) {
		// Trees promise sorted output; re-sort defensively so the
		// result stays deterministic either way.
		sorted := make([]*entry.Entry, len(entries))
		copy(sorted, entries)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
		entries = sorted
	}
	return entries, nil
}

// classify walks both sorted sequences in lockstep and produces the raw
// operation list plus the kept paths and both-sides directories needed for
// opaque collapsing. sharedDirs holds the merged side's entries, so a
// later opaque marker can carry the directory's real stats.
func (d *Differ) classify(ctx context.Context, merged, lower []*entry.Entry) (ops []Op, kept []string, sharedDirs []*entry.Entry, err error) {
	// Prefixes of lower subtrees that are already covered by a single
	// delete (or shadowed by a non-directory on the merged side).
	var shadowed []string

	suppressed := func(path string) bool {
		for len(shadowed) > 0 {
			top := shadowed[len(shadowed)-1]
			if strings.HasPrefix(path, top+"/") {
				return true
			}
			shadowed = shadowed[:len(shadowed)-1]
		}
		return false
	}

	i, j := 0, 0
	for i < len(merged) || j < len(lower) {
		if err := ctx.Err(); err != nil {
			return nil, nil, nil, err
		}
		switch {
		case j >= len(lower) || (i < len(merged) && merged[i].Path < lower[j].Path):
			m := merged[i]
			i++
			ops = append(ops, Op{Kind: OpAdd, Path: m.Path, Entry: m, Source: d.merged})
		case i >= len(merged) || lower[j].Path < merged[i].Path:
			l := lower[j]
			j++
			if suppressed(l.Path) {
				continue
			}
			ops = append(ops, Op{Kind: OpDelete, Path: l.Path})
			if l.Kind == entry.KindDirectory {
				// One tombstone at the root hides the whole
				// subtree.
				shadowed = append(shadowed, l.Path)
			}
		default:
			m, l := merged[i], lower[j]
			i++
			j++
			if l.Kind == entry.KindDirectory && m.Kind != entry.KindDirectory {
				// The merged object shadows the whole lower
				// subtree; nothing beneath it needs deleting.
				shadowed = append(shadowed, l.Path)
			}
			if m.Kind == entry.KindDirectory && l.Kind == entry.KindDirectory {
				sharedDirs = append(sharedDirs, m)
			}
			same := entry.Equal(m, l, d.opts.PreserveOwners)
			if same && m.Kind == entry.KindRegular && d.opts.CompareContent {
				same, err = d.contentEqual(m, l)
				if err != nil {
					return nil, nil, nil, err
				}
			}
			if same {
				kept = append(kept, m.Path)
				continue
			}
			ops = append(ops, Op{Kind: OpModify, Path: m.Path, Entry: m, Source: d.merged})
		}
	}

	logrus.WithFields(logrus.Fields{
		"merged": d.merged.Name(),
		"lower":  d.lower.Name(),
		"ops":    len(ops),
		"kept":   len(kept),
	}).Debug("classified tree difference")
	return ops, kept, sharedDirs, nil
}

// contentEqual compares the bytes of two metadata-equal regular files.
func (d *Differ) contentEqual(m, l *entry.Entry) (bool, error) {
	mr, err := d.merged.Open(m)
	if err != nil {
		return false, err
	}
	defer mr.Close()
	lr, err := d.lower.Open(l)
	if err != nil {
		return false, err
	}
	defer lr.Close()

	mbuf := make([]byte, compareChunkSize)
	lbuf := make([]byte, compareChunkSize)
	for {
		mn, merr := io.ReadFull(mr, mbuf)
		ln, lerr := io.ReadFull(lr, lbuf)
		if !bytes.Equal(mbuf[:mn], lbuf[:ln]) {
			return false, nil
		}
		if merr == io.EOF || merr == io.ErrUnexpectedEOF {
			return ln == mn, nil
		}
		if merr != nil {
			return false, merr
		}
		if lerr != nil && lerr != io.EOF && lerr != io.ErrUnexpectedEOF {
			return false, lerr
		}
	}
}

// collapseOpaque replaces the deletes under eligible both-sides
// directories with single opaque markers. A directory is eligible only
// when nothing beneath it survives as Keep; a kept lower entry would be
// hidden by the opaque marker. The marker op carries the merged side's
// directory entry so encoders can record its real mode and owner.
func collapseOpaque(ops []Op, kept []string, sharedDirs []*entry.Entry) []Op {
	deletes := make([]string, 0, len(ops))
	for _, op := range ops {
		if op.Kind == OpDelete {
			deletes = append(deletes, op.Path)
		}
	}
	if len(deletes) == 0 {
		return ops
	}

	hasWithPrefix := func(sorted []string, prefix string) bool {
		idx := sort.SearchStrings(sorted, prefix)
		return idx < len(sorted) && strings.HasPrefix(sorted[idx], prefix)
	}

	var roots []*entry.Entry
	for _, dir := range sharedDirs {
		under := false
		for _, r := range roots {
			if strings.HasPrefix(dir.Path, r.Path+"/") {
				under = true
				break
			}
		}
		if under {
			continue
		}
		if hasWithPrefix(kept, dir.Path+"/") {
			continue
		}
		if !hasWithPrefix(deletes, dir.Path+"/") {
			continue
		}
		roots = append(roots, dir)
	}
	if len(roots) == 0 {
		return ops
	}

	underRoot := func(path string) bool {
		for _, r := range roots {
			if strings.HasPrefix(path, r.Path+"/") {
				return true
			}
		}
		return false
	}

	opaqueOp := func(dir *entry.Entry) Op {
		return Op{Kind: OpOpaqueDir, Path: dir.Path, Entry: dir}
	}

	out := make([]Op, 0, len(ops))
	k := 0
	for _, op := range ops {
		for k < len(roots) && roots[k].Path < op.Path {
			out = append(out, opaqueOp(roots[k]))
			k++
		}
		if op.Kind == OpDelete && underRoot(op.Path) {
			continue
		}
		out = append(out, op)
		if k < len(roots) && roots[k].Path == op.Path {
			out = append(out, opaqueOp(roots[k]))
			k++
		}
	}
	for ; k < len(roots); k++ {
		out = append(out, opaqueOp(roots[k]))
	}
	return out
}

// emitAll runs the hardlink normalization pass over the Add/Modify
// subsequence and hands every operation to emit. Exactly one member of
// each hardlink group is emitted with full content; the rest become
// hardlink entries referencing it, in first-encountered order.
func (d *Differ) emitAll(ops []Op, emit func(Op) error) error {
	// Group head path in the merged tree -> path emitted with content.
	resolved := make(map[string]string)

	for _, op := range ops {
		if op.Kind == OpAdd || op.Kind == OpModify {
			op.Entry = d.normalizeLink(op.Entry, resolved)
			op.Entry = d.filterStats(op.Entry)
		}
		if err := emit(op); err != nil {
			return err
		}
	}
	return nil
}

func (d *Differ) normalizeLink(e *entry.Entry, resolved map[string]string) *entry.Entry {
	switch e.Kind {
	case entry.KindHardlink:
		head := e.LinkTarget
		if target, ok := resolved[head]; ok {
			dup := e.Clone()
			dup.LinkTarget = target
			return dup
		}
		// The group head is not part of the diff; this member is the
		// first one emitted, so it carries the content.
		dup := e.Clone()
		dup.Kind = entry.KindRegular
		dup.LinkTarget = ""
		resolved[head] = dup.Path
		return dup
	case entry.KindRegular:
		if _, ok := resolved[e.Path]; ok {
			// A previously promoted member already carries this
			// content; emit the head itself as a link to it.
			dup := e.Clone()
			dup.Kind = entry.KindHardlink
			dup.LinkTarget = resolved[e.Path]
			dup.Size = 0
			return dup
		}
		resolved[e.Path] = e.Path
		return e
	default:
		return e
	}
}

// filterStats applies the owner override and mtime scrubbing options.
func (d *Differ) filterStats(e *entry.Entry) *entry.Entry {
	if d.opts.OwnerOverride == nil && !d.opts.ScrubMtimes {
		return e
	}
	dup := e.Clone()
	if d.opts.OwnerOverride != nil {
		dup.Owner = *d.opts.OwnerOverride
	}
	if d.opts.ScrubMtimes {
		dup.ModTime = time.Time{}
	}
	return dup
}
