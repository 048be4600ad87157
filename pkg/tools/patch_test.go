package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesslate/studio/pkg/types"
)

const patchBase = `package main

import "fmt"

func main() {
	fmt.Println("hello")
}
`

func TestApplyDiffReplacesLine(t *testing.T) {
	patch := `--- a/main.go
+++ b/main.go
@@ -5,3 +5,3 @@
 func main() {
-	fmt.Println("hello")
+	fmt.Println("goodbye")
 }
`
	got, err := applyUnifiedDiff(patchBase, patch)
	require.NoError(t, err)
	assert.Contains(t, got, `fmt.Println("goodbye")`)
	assert.NotContains(t, got, `fmt.Println("hello")`)
}

func TestApplyDiffMultipleHunks(t *testing.T) {
	patch := `@@ -1,1 +1,1 @@
-package main
+package app
@@ -6,2 +6,3 @@
-	fmt.Println("hello")
+	fmt.Println("hello")
+	fmt.Println("twice")
 }
`
	got, err := applyUnifiedDiff(patchBase, patch)
	require.NoError(t, err)
	assert.Contains(t, got, "package app")
	assert.Contains(t, got, `fmt.Println("twice")`)
}

func TestApplyDiffPureInsertion(t *testing.T) {
	// A zero-count old range names the line the insertion follows.
	patch := `@@ -3,0 +4,1 @@
+import "os"
`
	got, err := applyUnifiedDiff(patchBase, patch)
	require.NoError(t, err)
	assert.Contains(t, got, "import \"fmt\"\nimport \"os\"\n")
}

func TestApplyDiffToleratesShiftedContext(t *testing.T) {
	// Two extra lines at the top shift everything; the hunk's declared
	// position is stale but its context is unique.
	shifted := "// notice\n// spacer\n" + patchBase
	patch := `@@ -6,1 +6,1 @@
-	fmt.Println("hello")
+	fmt.Println("shifted")
`
	got, err := applyUnifiedDiff(shifted, patch)
	require.NoError(t, err)
	assert.Contains(t, got, `fmt.Println("shifted")`)
	assert.Contains(t, got, "// notice")
}

func TestApplyDiffRejectsMismatch(t *testing.T) {
	patch := `@@ -2,1 +2,1 @@
-this line is not in the file
+replacement
`
	_, err := applyUnifiedDiff(patchBase, patch)
	require.Error(t, err)
	assert.Equal(t, types.ErrClassUser, types.Classify(err))
	assert.Contains(t, err.Error(), "hunk 1")
}

func TestApplyDiffRejectsAtomically(t *testing.T) {
	// First hunk applies, second does not; nothing may change.
	patch := `@@ -1,1 +1,1 @@
-package main
+package app
@@ -5,1 +5,1 @@
-not the real line
+whatever
`
	_, err := applyUnifiedDiff(patchBase, patch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hunk 2")
}

func TestApplyDiffRejectsEmptyPatch(t *testing.T) {
	_, err := applyUnifiedDiff(patchBase, "just some prose, no hunks")
	require.Error(t, err)
}

func TestApplyDiffBareHunkHeader(t *testing.T) {
	patch := `@@ -1 +1 @@
-package main
+package app
`
	got, err := applyUnifiedDiff(patchBase, patch)
	require.NoError(t, err)
	assert.Contains(t, got, "package app")
}

func TestPatchFileEndToEnd(t *testing.T) {
	r, driver, _, project := newTestRegistry(t, Options{})
	driver.SeedFile(project.ID, "app", "main.go", []byte(patchBase))

	res := r.Execute(context.Background(), invocation(project, "patch_file", map[string]any{
		"path": "main.go",
		"patch": `@@ -6,1 +6,1 @@
-	fmt.Println("hello")
+	fmt.Println("patched")
`,
	}))
	require.Equal(t, types.ToolStatusOK, res.Status)
	assert.Contains(t, res.Output, "+1/-1")

	content, _ := driver.FileContent(project.ID, "app", "main.go")
	assert.Contains(t, string(content), `fmt.Println("patched")`)
}

func TestDiffStatsCountsLines(t *testing.T) {
	assert.Equal(t, "+1/-1 lines", diffStats("a\nb\nc\n", "a\nX\nc\n"))
	assert.Equal(t, "+2/-0 lines", diffStats("a\n", "a\nb\nc\n"))
	assert.Equal(t, "+0/-0 lines", diffStats("same\n", "same\n"))
}
