package model

// MergeJob overlays incoming onto existing field by field. Fields the update
// leaves empty keep their known value; status ordering is the caller's concern.
func MergeJob(existing, incoming Job) Job {
	out := existing.Clone()
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	out.Progress = incoming.Progress
	if incoming.Message != "" {
		out.Message = incoming.Message
	}
	if out.Status == StatusFailed {
		if incoming.Error != ErrorKindNone {
			out.Error = incoming.Error
		}
	} else {
		out.Error = ErrorKindNone
	}
	return FillDescriptive(out, incoming)
}

// FillDescriptive copies subject, kind and task details from incoming only
// where existing has none, and appends task versions existing has not seen.
// It never touches status, progress or message.
func FillDescriptive(existing, incoming Job) Job {
	out := existing.Clone()
	if incoming.SubjectTitle != "" {
		out.SubjectTitle = incoming.SubjectTitle
	}
	if incoming.SubjectID != "" {
		out.SubjectID = incoming.SubjectID
	}
	if out.Kind == "" {
		out.Kind = incoming.Kind
	}
	if out.CreatedAt == "" {
		out.CreatedAt = incoming.CreatedAt
	}
	out.Task = mergeTask(out.Task, incoming.Task)
	return out
}

func mergeTask(existing, incoming *Task) *Task {
	if incoming == nil {
		return existing
	}
	if existing == nil {
		cloned := Job{Task: incoming}.Clone()
		return cloned.Task
	}
	if existing.Platform == "" {
		existing.Platform = incoming.Platform
	}
	if existing.Style == "" {
		existing.Style = incoming.Style
	}
	if len(existing.Formats) == 0 {
		existing.Formats = append([]string(nil), incoming.Formats...)
	}
	seen := make(map[string]bool, len(existing.Versions))
	for _, v := range existing.Versions {
		seen[v.ID] = true
	}
	for _, v := range incoming.Versions {
		if v.ID == "" || seen[v.ID] {
			continue
		}
		seen[v.ID] = true
		existing.Versions = append(existing.Versions, v)
	}
	return existing
}
