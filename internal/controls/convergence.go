package controls

import "log"

// ConvergeSource drives the control-plane fixed-point loop. It repeatedly
// materializes the control view and rebuilds the source record from it. A
// settings-path change switches the file source and loops; any other change
// is accepted immediately. A path already visited in this attempt is a
// cycle: the loop warns once and freezes on the previously accepted path.
func ConvergeSource[S comparable](
	initial S,
	pathOf func(S) string,
	materializeControls func() map[string]any,
	buildSource func(map[string]any) S,
	onPathSwitch func(S),
	stabilizePath func(next S, stablePath string) S,
	logger *log.Logger,
) (S, bool) {
	source := initial
	changed := false
	visited := map[string]bool{pathOf(source): true}

	for {
		next := buildSource(materializeControls())

		if pathOf(next) != pathOf(source) {
			if visited[pathOf(next)] {
				logf(logger, "warning: settings path control cycle detected; keeping path=%s", pathOf(source))
				stabilized := stabilizePath(next, pathOf(source))
				changed = changed || stabilized != source
				return stabilized, changed
			}

			visited[pathOf(next)] = true
			source = next
			onPathSwitch(source)
			changed = true
			continue
		}

		if next != source {
			source = next
			changed = true
		}
		return source, changed
	}
}
