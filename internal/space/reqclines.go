package space

import "github.com/coredevice/cacheengine/internal/mapping"

// Remapped is one freshly remapped cache line returned by ReqClines: it is
// already WR-locked on the alock (the caller must not call the slow-lock
// path for it), and FromFree reports whether it was taken from the
// freelist rather than evicted from a partition.
type Remapped struct {
	Line     mapping.CacheLineID
	FromFree bool
}

// ReqClines implements spec.md §4.4's req_clines(req, src, need): remap
// `need` cache lines into partition target, starting the striped search at
// startStripe. partEvict is true when the target partition itself is full
// and must evict from within itself (spec.md: "elif part_evict: ... evict
// from target partition only"); otherwise the regular miss-mapping order is
// used: freelist, then overflown partitions (any priority, pinned
// included), then partitions with priority <= target's (skipping pinned).
func (m *Manager) ReqClines(target *Partition, need int, partEvict bool, startStripe int, rr *RequestRange, totalLines int) []Remapped {
	out := make([]Remapped, 0, need)

	if partEvict {
		for len(out) < need {
			id := m.EvictionNext(target, startStripe, rr)
			if id == mapping.Invalid {
				break
			}
			Repart(m.Table, id, target, target, nil, nil)
			out = append(out, Remapped{Line: id})
		}
		return out
	}

	// 1. Freelist.
	for len(out) < need {
		id := m.FreeNext(startStripe, rr)
		if id == mapping.Invalid {
			break
		}
		Repart(m.Table, id, nil, target, m.Freelist, nil)
		out = append(out, Remapped{Line: id, FromFree: true})
	}

	// 2. Overflown partitions, any priority, pinned included.
	if len(out) < need {
		for _, p := range m.Parts {
			if len(out) >= need {
				break
			}
			if p.CurrSize() <= p.MaxSize(totalLines) {
				continue
			}
			for len(out) < need && p.CurrSize() > p.MaxSize(totalLines) {
				id := m.EvictionNext(p, startStripe, rr)
				if id == mapping.Invalid {
					break
				}
				Repart(m.Table, id, p, target, nil, nil)
				out = append(out, Remapped{Line: id})
			}
		}
	}

	// 3. Partitions with priority <= target's, skipping pinned.
	if len(out) < need {
		for _, p := range m.Parts {
			if len(out) >= need {
				break
			}
			if p.Priority == Pinned || p.Priority > target.Priority || p.ID == target.ID {
				continue
			}
			for len(out) < need {
				id := m.EvictionNext(p, startStripe, rr)
				if id == mapping.Invalid {
					break
				}
				Repart(m.Table, id, p, target, nil, nil)
				out = append(out, Remapped{Line: id})
			}
		}
	}

	return out
}
