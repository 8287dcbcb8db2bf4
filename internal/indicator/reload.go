package indicator

import "log"

// ReloadWindows swaps the window table, preserving committed series whose
// (label, interval, count) is still configured. New windows stay cold until
// the next Update bootstraps them.
func (e *Engine) ReloadWindows(w Windows) (preserved, dropped int) {
	for _, err := range w.Validate() {
		log.Printf("[reload] WARNING: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.setWindows(w)
	keep := make(map[SeriesKey]bool)
	for _, entries := range e.byIv {
		for _, we := range entries {
			keep[we.key] = true
		}
	}
	for key := range e.series {
		if keep[key] {
			preserved++
			continue
		}
		delete(e.series, key)
		dropped++
	}

	log.Printf("[reload] ✅ windows reloaded: %d labels, %d series preserved, %d dropped",
		len(w), preserved, dropped)
	return preserved, dropped
}
