package download

import (
	"sort"

	"go.cdragon.dev/cdragon/rman"
)

type (
	// A rangeGroup is one coalesced byte range of a bundle and the chunks
	// it covers, in offset order.
	rangeGroup struct {
		off    uint64
		length uint64
		chunks []rman.Chunk
	}

	// A fetchTask is the unit of worker scheduling: all the ranges needed
	// from one bundle.
	fetchTask struct {
		bundle rman.BundleID
		groups []rangeGroup
	}
)

// fail resolves every chunk of the task with the same error.
func (t *fetchTask) fail(rn *run, err error) {
	for _, g := range t.groups {
		for _, c := range g.chunks {
			rn.results[c.ID].resolve(err)
		}
	}
}

// planFetches groups the missing chunks by bundle and coalesces adjacent or
// near-adjacent byte ranges. Chunks closer together than gap bytes are
// fetched in one range even if that pulls in a few unneeded bytes; the
// request overhead saved outweighs them.
func planFetches(m *rman.Manifest, missing []rman.ChunkID, gap uint32) []*fetchTask {
	byBundle := make(map[rman.BundleID][]rman.Chunk)
	for _, id := range missing {
		c, ok := m.Chunk(id)
		if !ok {
			continue
		}
		byBundle[c.Bundle] = append(byBundle[c.Bundle], c)
	}

	bundles := make([]rman.BundleID, 0, len(byBundle))
	for id := range byBundle {
		bundles = append(bundles, id)
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i] < bundles[j] })

	tasks := make([]*fetchTask, 0, len(bundles))
	for _, id := range bundles {
		chunks := byBundle[id]
		sort.Slice(chunks, func(i, j int) bool { return chunks[i].Offset < chunks[j].Offset })

		task := &fetchTask{bundle: id}
		var cur *rangeGroup
		for _, c := range chunks {
			end := uint64(c.Offset) + uint64(c.CompressedSize)
			if cur != nil && uint64(c.Offset) <= cur.off+cur.length+uint64(gap) {
				if end > cur.off+cur.length {
					cur.length = end - cur.off
				}
				cur.chunks = append(cur.chunks, c)
				continue
			}
			task.groups = append(task.groups, rangeGroup{
				off:    uint64(c.Offset),
				length: uint64(c.CompressedSize),
				chunks: []rman.Chunk{c},
			})
			cur = &task.groups[len(task.groups)-1]
		}
		tasks = append(tasks, task)
	}
	return tasks
}
