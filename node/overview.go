package node

import (
	"strings"
)

// Overview renders every top-level feed with its children indented below,
// in declaration order. Diagnostic output for the status command and the
// HTTP listener.
func (fm *FeedManager) Overview() (string, error) {
	fids, err := fm.ListFIDs()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, fid := range fids {
		f, err := fm.GetFeed(fid)
		if err != nil {
			return "", err
		}
		if _, isChild := f.Parent(); isChild {
			continue
		}
		if _, isContn := f.Predecessor(); isContn {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		if err := fm.renderTree(&b, fid, 0); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

func (fm *FeedManager) renderTree(b *strings.Builder, fid [32]byte, depth int) error {
	f, err := fm.GetFeed(fid)
	if err != nil {
		return err
	}
	indent := strings.Repeat("      ", depth)
	for _, line := range strings.Split(f.Render(), "\n") {
		b.WriteString(indent)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	children, err := f.Children()
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := fm.renderTree(b, child.FID, depth+1); err != nil {
			return err
		}
	}
	return nil
}
