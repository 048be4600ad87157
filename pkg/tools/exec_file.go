package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/tesslate/studio/pkg/types"
)

func execReadFile(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	path := strArg(inv.Args, "path")
	content, err := r.files.ReadFile(ctx, inv.Project, targetDir(inv), path)
	if errors.Is(err, types.ErrNotFound) {
		return "", types.UserErrorf("file not found: %s", path)
	}
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func execWriteFile(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	path := strArg(inv.Args, "path")
	content := strArg(inv.Args, "content")
	if err := r.files.WriteFile(ctx, inv.Project, targetDir(inv), path, []byte(content)); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

func execPatchFile(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	path := strArg(inv.Args, "path")
	patch := strArg(inv.Args, "patch")
	dir := targetDir(inv)

	current, err := r.files.ReadFile(ctx, inv.Project, dir, path)
	if errors.Is(err, types.ErrNotFound) {
		return "", types.UserErrorf("file not found: %s", path)
	}
	if err != nil {
		return "", err
	}

	patched, err := applyUnifiedDiff(string(current), patch)
	if err != nil {
		return "", err
	}
	if err := r.files.WriteFile(ctx, inv.Project, dir, path, []byte(patched)); err != nil {
		return "", err
	}
	return fmt.Sprintf("patched %s (%s)", path, diffStats(string(current), patched)), nil
}

func execMultiEdit(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	path := strArg(inv.Args, "path")
	rawEdits, _ := inv.Args["edits"].([]any)
	if len(rawEdits) == 0 {
		return "", types.UserErrorf("multi_edit: edits must be a non-empty array of {search, replace}")
	}
	dir := targetDir(inv)

	current, err := r.files.ReadFile(ctx, inv.Project, dir, path)
	if errors.Is(err, types.ErrNotFound) {
		return "", types.UserErrorf("file not found: %s", path)
	}
	if err != nil {
		return "", err
	}

	// All-or-nothing: every edit must land before anything is written.
	text := string(current)
	for i, raw := range rawEdits {
		edit, ok := raw.(map[string]any)
		if !ok {
			return "", types.UserErrorf("multi_edit: edit %d is not an object", i)
		}
		search := strArg(edit, "search")
		replace := strArg(edit, "replace")
		if search == "" {
			return "", types.UserErrorf("multi_edit: edit %d has an empty search", i)
		}
		count := strings.Count(text, search)
		if count == 0 {
			return "", types.UserErrorf("multi_edit: edit %d: search text not found (file unchanged)", i)
		}
		if count > 1 {
			return "", types.UserErrorf("multi_edit: edit %d: search text matches %d times, make it unique (file unchanged)", i, count)
		}
		text = strings.Replace(text, search, replace, 1)
	}

	if err := r.files.WriteFile(ctx, inv.Project, dir, path, []byte(text)); err != nil {
		return "", err
	}
	return fmt.Sprintf("applied %d edits to %s (%s)", len(rawEdits), path, diffStats(string(current), text)), nil
}

func execDeleteFile(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	path := strArg(inv.Args, "path")
	if err := r.files.DeletePath(ctx, inv.Project, targetDir(inv), path); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return "", types.UserErrorf("file not found: %s", path)
		}
		return "", err
	}
	return "deleted " + path, nil
}

func execListDir(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	path := strArg(inv.Args, "path")
	if path == "" {
		path = "."
	}
	entries, err := r.files.ListDir(ctx, inv.Project, targetDir(inv), path)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return "", types.UserErrorf("directory not found: %s", path)
		}
		return "", err
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&b, "%s/\n", e.Path)
		} else {
			fmt.Fprintf(&b, "%s (%d bytes)\n", e.Path, e.Size)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func execGlob(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	pattern := strArg(inv.Args, "pattern")
	matches, err := r.files.Glob(ctx, inv.Project, targetDir(inv), pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "no matches", nil
	}
	return strings.Join(matches, "\n"), nil
}

func execGrep(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	pattern := strArg(inv.Args, "pattern")
	path := strArg(inv.Args, "path")
	matches, err := r.files.Grep(ctx, inv.Project, targetDir(inv), pattern, path)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "no matches", nil
	}
	var b strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&b, "%s:%d:%s\n", m.Path, m.Line, m.Text)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// hunk is one parsed @@ block of a unified diff.
type hunk struct {
	oldStart int
	oldLines []string
	newLines []string
}

// applyUnifiedDiff applies a standard unified diff atomically. Any
// hunk whose context does not match the current content rejects the
// whole patch.
func applyUnifiedDiff(content, patch string) (string, error) {
	hunks, err := parseUnifiedDiff(patch)
	if err != nil {
		return "", err
	}
	if len(hunks) == 0 {
		return "", types.UserErrorf("patch contains no hunks")
	}

	lines := strings.Split(content, "\n")
	var out []string
	cursor := 0 // Index into lines, 0-based

	for i, h := range hunks {
		idx, err := locateHunk(lines, cursor, h)
		if err != nil {
			return "", types.UserErrorf("hunk %d does not match the file: %v", i+1, err)
		}
		out = append(out, lines[cursor:idx]...)
		out = append(out, h.newLines...)
		cursor = idx + len(h.oldLines)
	}
	out = append(out, lines[cursor:]...)
	return strings.Join(out, "\n"), nil
}

// locateHunk finds where a hunk's old lines sit. The declared line
// number is tried first, then a nearby scan, so diffs against a
// slightly shifted file still land exactly.
func locateHunk(lines []string, cursor int, h hunk) (int, error) {
	if len(h.oldLines) == 0 {
		// Pure insertion goes at its declared position.
		idx := h.oldStart
		if idx < cursor {
			idx = cursor
		}
		if idx > len(lines) {
			idx = len(lines)
		}
		return idx, nil
	}

	matchesAt := func(idx int) bool {
		if idx < cursor || idx+len(h.oldLines) > len(lines) {
			return false
		}
		for j, want := range h.oldLines {
			if lines[idx+j] != want {
				return false
			}
		}
		return true
	}

	if matchesAt(h.oldStart) {
		return h.oldStart, nil
	}
	for delta := 1; delta <= 50; delta++ {
		if matchesAt(h.oldStart - delta) {
			return h.oldStart - delta, nil
		}
		if matchesAt(h.oldStart + delta) {
			return h.oldStart + delta, nil
		}
	}
	return 0, fmt.Errorf("context near line %d not found", h.oldStart+1)
}

// parseUnifiedDiff reads hunks, ignoring ---/+++ headers.
func parseUnifiedDiff(patch string) ([]hunk, error) {
	var hunks []hunk
	var current *hunk

	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ "):
			continue
		case strings.HasPrefix(line, "@@"):
			var oldStart, oldCount, newStart, newCount int
			// Both "-l,c" and bare "-l" forms appear in the wild.
			if _, err := fmt.Sscanf(line, "@@ -%d,%d +%d,%d @@", &oldStart, &oldCount, &newStart, &newCount); err != nil {
				oldCount = 1
				if _, err := fmt.Sscanf(line, "@@ -%d +%d", &oldStart, &newStart); err != nil {
					return nil, types.UserErrorf("malformed hunk header %q", line)
				}
			}
			start := oldStart - 1
			if oldCount == 0 {
				// A pure insertion names the line it follows.
				start = oldStart
			}
			hunks = append(hunks, hunk{oldStart: start})
			current = &hunks[len(hunks)-1]
		case current == nil:
			if strings.TrimSpace(line) != "" {
				return nil, types.UserErrorf("patch content before first hunk header")
			}
		case strings.HasPrefix(line, "+"):
			current.newLines = append(current.newLines, line[1:])
		case strings.HasPrefix(line, "-"):
			current.oldLines = append(current.oldLines, line[1:])
		case strings.HasPrefix(line, " "):
			current.oldLines = append(current.oldLines, line[1:])
			current.newLines = append(current.newLines, line[1:])
		case line == "":
			// Trailing blank line of the patch text itself.
		case strings.HasPrefix(line, `\`):
			// "\ No newline at end of file"
		default:
			// Context line that lost its leading space in transit.
			current.oldLines = append(current.oldLines, line)
			current.newLines = append(current.newLines, line)
		}
	}
	return hunks, nil
}

// diffStats summarizes a change as +added/-deleted lines.
func diffStats(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, true)
	added, deleted := 0, 0
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			deleted += n
		}
	}
	return fmt.Sprintf("+%d/-%d lines", added, deleted)
}
