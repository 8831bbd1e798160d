package dispatch

import (
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// buildUnifiedDiff renders a patch in the same shape the validator and
// applier expect: unified-diff file headers around diffmatchpatch's own
// patch-text hunks.
func buildUnifiedDiff(path, base, updated string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(base, updated, false)
	patches := dmp.PatchMake(base, diffs)
	hunks := dmp.PatchToText(patches)

	return fmt.Sprintf(
		"diff --git a/%s b/%s\nindex 0000000..0000000 100644\n--- a/%s\n+++ b/%s\n%s",
		path, path, path, path, hunks,
	)
}
