// Package version layers a distributed update state machine on top of
// feeds: per-file update feeds, emergency key rotation and a dependency DAG
// that every node resolves to the same applied version.
package version

import (
	"fmt"
	"sort"

	"tinyssb.dev/node/packet"
)

// Op discriminates the two edit operations of a change list.
type Op byte

const (
	OpInsert Op = 'I'
	OpDelete Op = 'D'
)

// Change is one edit: insert Text at Idx, or delete len(Text) bytes at Idx.
// Carrying the deleted text makes every change reversible.
type Change struct {
	Idx  int
	Op   Op
	Text string
}

// EncodeChanges serialises a change list behind its 4-byte big-endian
// dependency version: per change, VarInt(record len) | VarInt(idx) | op |
// text.
func EncodeChanges(changes []Change, dependsOn uint32) []byte {
	out := make([]byte, 4)
	packet.PutU32(out, dependsOn)
	for _, c := range changes {
		record := packet.AppendVarint(nil, uint64(c.Idx))
		record = append(record, byte(c.Op))
		record = append(record, c.Text...)
		out = packet.AppendVarint(out, uint64(len(record)))
		out = append(out, record...)
	}
	return out
}

// DecodeChanges parses an update blob into its change list and dependency.
func DecodeChanges(b []byte) ([]Change, uint32, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("update blob shorter than dependency header (%d bytes)", len(b))
	}
	dependsOn := packet.U32(b)
	var changes []Change

	off := 4
	for off < len(b) {
		size, n, err := packet.Varint(b[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		if off+int(size) > len(b) {
			return nil, 0, fmt.Errorf("change record of %d bytes exceeds blob", size)
		}
		record := b[off : off+int(size)]
		off += int(size)

		idx, n, err := packet.Varint(record)
		if err != nil {
			return nil, 0, err
		}
		if n >= len(record) {
			return nil, 0, fmt.Errorf("change record missing operation byte")
		}
		op := Op(record[n])
		if op != OpInsert && op != OpDelete {
			return nil, 0, fmt.Errorf("unknown change operation 0x%02x", record[n])
		}
		changes = append(changes, Change{
			Idx:  int(idx),
			Op:   op,
			Text: string(record[n+1:]),
		})
	}
	return changes, dependsOn, nil
}

// ApplyChanges applies a change list to content: all deletes first in
// decreasing index order, then all inserts in their given order. This keeps
// the recorded offsets valid regardless of interleaving.
func ApplyChanges(content string, changes []Change) string {
	var dels, ins []Change
	for _, c := range changes {
		if c.Op == OpDelete {
			dels = append(dels, c)
		} else {
			ins = append(ins, c)
		}
	}
	sort.SliceStable(dels, func(i, j int) bool { return dels[i].Idx > dels[j].Idx })

	for _, c := range dels {
		end := c.Idx + len(c.Text)
		if c.Idx > len(content) {
			continue
		}
		if end > len(content) {
			end = len(content)
		}
		content = content[:c.Idx] + content[end:]
	}
	for _, c := range ins {
		idx := c.Idx
		if idx > len(content) {
			idx = len(content)
		}
		content = content[:idx] + c.Text + content[idx:]
	}
	return content
}

// ReverseChanges produces the change list that undoes the given one:
// operations swap (I↔D) and the flipped inserts come first so deletion
// still precedes insertion on apply.
func ReverseChanges(changes []Change) []Change {
	var flippedIns, flippedDels []Change
	for _, c := range changes {
		switch c.Op {
		case OpInsert:
			flippedIns = append(flippedIns, Change{Idx: c.Idx, Op: OpDelete, Text: c.Text})
		case OpDelete:
			flippedDels = append(flippedDels, Change{Idx: c.Idx, Op: OpInsert, Text: c.Text})
		}
	}
	return append(flippedIns, flippedDels...)
}
