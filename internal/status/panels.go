package status

import (
	"fmt"
	"path/filepath"
	"reflect"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/events"
	"github.com/g6io/g6/internal/metrics"
)

// DiffPanels compares two panel documents key by key and returns the
// change set as {added, removed, changed, nested}. Map-valued keys
// recurse up to depth levels; maps that differ beyond the limit are
// replaced wholesale under changed and counted in the second return.
// An empty map means the documents are identical.
func DiffPanels(prev, cur map[string]any, depth int) (map[string]any, int) {
	added := map[string]any{}
	removed := map[string]any{}
	changed := map[string]any{}
	nested := map[string]any{}
	truncated := 0

	for k, pv := range prev {
		if _, ok := cur[k]; !ok {
			removed[k] = pv
		}
	}
	for k, cv := range cur {
		pv, ok := prev[k]
		if !ok {
			added[k] = cv
			continue
		}
		if reflect.DeepEqual(pv, cv) {
			continue
		}
		pm, pok := pv.(map[string]any)
		cm, cok := cv.(map[string]any)
		if pok && cok {
			if depth > 0 {
				sub, tr := DiffPanels(pm, cm, depth-1)
				truncated += tr
				if len(sub) > 0 {
					nested[k] = sub
				}
				continue
			}
			truncated++
		}
		changed[k] = map[string]any{"old": pv, "new": cv}
	}

	diff := map[string]any{}
	if len(added) > 0 {
		diff["added"] = added
	}
	if len(removed) > 0 {
		diff["removed"] = removed
	}
	if len(changed) > 0 {
		diff["changed"] = changed
	}
	if len(nested) > 0 {
		diff["nested"] = nested
	}
	return diff, truncated
}

// ApplyDiff replays a DiffPanels change set onto a base document and
// returns the result; base itself is not modified. Applying the diff of
// (prev, cur) onto prev reproduces cur.
func ApplyDiff(base, diff map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	if rm, ok := diff["removed"].(map[string]any); ok {
		for k := range rm {
			delete(out, k)
		}
	}
	if ad, ok := diff["added"].(map[string]any); ok {
		for k, v := range ad {
			out[k] = v
		}
	}
	if ch, ok := diff["changed"].(map[string]any); ok {
		for k, v := range ch {
			pair, ok := v.(map[string]any)
			if !ok {
				continue
			}
			out[k] = pair["new"]
		}
	}
	if ns, ok := diff["nested"].(map[string]any); ok {
		for k, v := range ns {
			sub, sok := v.(map[string]any)
			bm, bok := out[k].(map[string]any)
			if sok && bok {
				out[k] = ApplyDiff(bm, sub)
			}
		}
	}
	return out
}

// emitPanels maintains the panel artifact stream for one status
// document. A full snapshot is emitted when no baseline exists or the
// bus generation advanced past the writer's last publish (a forced full
// re-anchored the stream); otherwise a diff artifact is written and
// both a coalesced panel_full and a panel_diff event go onto the bus,
// full first so diffs always carry the incremented generation.
func (w *Writer) emitPanels(doc map[string]any) {
	gen := int64(0)
	if w.bus != nil {
		gen = w.bus.Generation()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	dir := ""
	if w.cfg != nil && w.cfg.Status.RuntimeStatusPath != "" {
		dir = filepath.Dir(w.cfg.Status.RuntimeStatusPath)
	}

	if w.prev == nil || gen != w.lastGen {
		if dir != "" {
			if err := writeAtomic(filepath.Join(dir, "panel_full.json"), doc); err != nil {
				log.Warn().Err(err).Msg("panel full write failed")
			} else if w.reg != nil {
				w.reg.Inc(metrics.MPanelFullWrites)
			}
		}
		w.publish(events.TypePanelFull, copyTop(doc), events.WithCoalesceKey(events.TypePanelFull))
		w.noteGen()
		w.prev = doc
		return
	}

	depth := 0
	if w.cfg != nil {
		depth = w.cfg.Status.PanelDiffNestDepth
	}
	diff, truncated := DiffPanels(w.prev, doc, depth)
	if truncated > 0 && w.reg != nil {
		w.reg.Add(metrics.MPanelDiffTruncated, float64(truncated))
	}
	if len(diff) == 0 {
		// Nothing changed; publishing would only churn the generation.
		w.prev = doc
		return
	}

	w.diffSeq++
	if dir != "" {
		name := fmt.Sprintf("panel_%d.diff.json", w.diffSeq)
		if err := writeAtomic(filepath.Join(dir, name), diff); err != nil {
			log.Warn().Err(err).Msg("panel diff write failed")
		} else if w.reg != nil {
			w.reg.Inc(metrics.MPanelDiffWrites)
		}
	}
	w.publish(events.TypePanelFull, copyTop(doc), events.WithCoalesceKey(events.TypePanelFull))
	payload := copyTop(diff)
	payload["cycle"] = doc["cycle"]
	w.publish(events.TypePanelDiff, payload)
	w.noteGen()
	w.prev = doc
}

func (w *Writer) publish(eventType string, payload map[string]any, opts ...events.PublishOption) {
	if w.bus == nil {
		return
	}
	if _, err := w.bus.Publish(eventType, payload, opts...); err != nil {
		log.Warn().Err(err).Str("type", eventType).Msg("panel publish failed")
	}
}

// noteGen records the bus generation after the writer's own publishes
// so only an external forced full triggers the next re-baseline.
func (w *Writer) noteGen() {
	if w.bus != nil {
		w.lastGen = w.bus.Generation()
	}
}

// copyTop shallow-copies a document so bus stamping of the published
// payload cannot leak into the cached baseline.
func copyTop(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+4)
	for k, v := range m {
		out[k] = v
	}
	return out
}
