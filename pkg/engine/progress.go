package engine

// TaskWeight returns the share of a machine's progress contributed by each of
// its enabled tasks.
func TaskWeight(enabled int) float64 {
	if enabled <= 0 {
		return 0
	}
	return 100 / float64(enabled)
}

// TaskFraction returns the fraction (0-1) of its weight a task has earned given
// its latest status and progress value.
func TaskFraction(status TaskStatus, progress float64) float64 {
	switch status {
	case TaskStatusCompleted, TaskStatusWarning:
		return 1
	case TaskStatusInProgress:
		return clamp(progress, 0, 100) / 100
	default:
		return 0
	}
}

// MachineProgress folds one machine's events into its weighted progress over
// the enabled tasks. Events must be in emission order; events for tasks not in
// tasks are ignored.
func MachineProgress(tasks []string, events []ProgressEvent) float64 {
	if len(tasks) == 0 {
		return 0
	}
	latest := make(map[string]ProgressEvent, len(tasks))
	enabled := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		enabled[t] = true
	}
	for _, ev := range events {
		if enabled[ev.Task] {
			latest[ev.Task] = ev
		}
	}

	weight := TaskWeight(len(tasks))
	var total float64
	for _, t := range tasks {
		ev, ok := latest[t]
		if !ok {
			continue
		}
		total += weight * TaskFraction(ev.Status, ev.Progress)
	}
	return clamp(total, 0, 100)
}

// OverallProgress returns the average machine progress of a request computed
// from its event log. Zero machines or zero enabled tasks yield 0.
func OverallProgress(req *SetupRequest, events []ProgressEvent) float64 {
	if req == nil || len(req.Machines) == 0 || len(req.Tasks) == 0 {
		return 0
	}
	byMachine := make(map[string][]ProgressEvent, len(req.Machines))
	for _, ev := range events {
		byMachine[ev.Machine] = append(byMachine[ev.Machine], ev)
	}

	var sum float64
	for _, m := range req.Machines {
		sum += MachineProgress(req.Tasks, byMachine[m.Name])
	}
	return clamp(sum/float64(len(req.Machines)), 0, 100)
}

// ProgressByMachine returns each machine's progress computed from the event log.
func ProgressByMachine(req *SetupRequest, events []ProgressEvent) map[string]float64 {
	out := make(map[string]float64)
	if req == nil {
		return out
	}
	byMachine := make(map[string][]ProgressEvent, len(req.Machines))
	for _, ev := range events {
		byMachine[ev.Machine] = append(byMachine[ev.Machine], ev)
	}
	for _, m := range req.Machines {
		out[m.Name] = MachineProgress(req.Tasks, byMachine[m.Name])
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
