package tasks

import (
	"context"
	"sort"

	"dngpipe/internal/fsutil"
)

// ScanResult captures the DNG/TIFF files under a directory.
type ScanResult struct {
	Root       string            `json:"root"`
	Files      []InspectResult   `json:"files"`
	Failed     map[string]string `json:"failed,omitempty"`
	TotalBytes int64             `json:"total_bytes"`
	Opcodes    map[string]int    `json:"opcodes"` // files per opcode name
	Unreadable int               `json:"unreadable"`
}

// Scan inspects every raw file under root. Files that fail to parse are
// listed in Failed rather than aborting the scan.
func Scan(ctx context.Context, root string) (ScanResult, error) {
	res := ScanResult{Root: root, Opcodes: map[string]int{}}
	files, err := fsutil.ListRaw(root)
	if err != nil {
		return res, err
	}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		info, err := Inspect(ctx, path)
		if err != nil {
			if res.Failed == nil {
				res.Failed = map[string]string{}
			}
			res.Failed[path] = err.Error()
			continue
		}
		res.Files = append(res.Files, info)
		res.TotalBytes += info.Size
		if !info.Readable {
			res.Unreadable++
		}
		seen := map[string]bool{}
		for _, list := range info.Lists {
			for _, op := range list {
				if !seen[op.Name] {
					seen[op.Name] = true
					res.Opcodes[op.Name]++
				}
			}
		}
	}
	return res, nil
}

// OpcodeNames returns the opcode names of a scan sorted by file count, most
// common first.
func (r ScanResult) OpcodeNames() []string {
	names := make([]string, 0, len(r.Opcodes))
	for name := range r.Opcodes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if r.Opcodes[names[i]] == r.Opcodes[names[j]] {
			return names[i] < names[j]
		}
		return r.Opcodes[names[i]] > r.Opcodes[names[j]]
	})
	return names
}
