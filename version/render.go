package version

import (
	"fmt"
	"strings"

	"tinyssb.dev/node/feed"
)

// RenderGraph draws a file's dependency DAG one version per line, with the
// applied version boxed in colons. Diagnostic output for the status command.
func RenderGraph(open func(fid [32]byte) (*feed.Feed, error), f *feed.Feed, applied int) (string, error) {
	g, err := ExtractGraph(open, f)
	if err != nil {
		return "", err
	}
	if g.Max() < 0 {
		return "", nil
	}

	var b strings.Builder
	for v := 0; v <= g.Max(); v++ {
		entry, ok := g.access[v]
		if !ok {
			fmt.Fprintf(&b, "  ? %d ?  (missing)\n", v)
			continue
		}
		if v == applied {
			fmt.Fprintf(&b, ": %d :", v)
		} else {
			fmt.Fprintf(&b, "| %d |", v)
		}
		if dep, isUpdate, err := entry.feed.Dependency(entry.seqOf(v)); err == nil && isUpdate && v > 0 {
			fmt.Fprintf(&b, " <- %d", dep)
		}
		fmt.Fprintf(&b, "  (%x)\n", entry.feed.FID[:4])
	}
	return b.String(), nil
}
