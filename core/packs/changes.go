package packs

// ChangeKind classifies what a host must do to move a client from its
// applied packs to the packs it should have.
type ChangeKind string

const (
	// ChangeNoOp means the applied packs already match.
	ChangeNoOp ChangeKind = "noop"
	// ChangeClear means nothing should be applied: remove everything managed.
	ChangeClear ChangeKind = "clear"
	// ChangeNormal means some packs are added and some removed.
	ChangeNormal ChangeKind = "normal"
)

// Changes is the plan computed by PlanChanges. ToAdd keeps the order of the
// packs to apply and ToRemove the order of the applied packs.
type Changes struct {
	Kind     ChangeKind `json:"kind"`
	ToAdd    []Asset    `json:"to_add,omitempty"`
	ToRemove []Asset    `json:"to_remove,omitempty"`
}

// PlanChanges compares packs by name.
func PlanChanges(toApply, applied []Asset) Changes {
	if len(toApply) == 0 {
		return Changes{Kind: ChangeClear, ToRemove: append([]Asset(nil), applied...)}
	}
	if sameOrder(toApply, applied) {
		return Changes{Kind: ChangeNoOp}
	}
	want := namesOf(toApply)
	have := namesOf(applied)
	var out Changes
	out.Kind = ChangeNormal
	for _, a := range toApply {
		if !have[a.Name] {
			out.ToAdd = append(out.ToAdd, a)
		}
	}
	for _, a := range applied {
		if !want[a.Name] {
			out.ToRemove = append(out.ToRemove, a)
		}
	}
	return out
}

func sameOrder(a, b []Asset) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			return false
		}
	}
	return true
}

func namesOf(assets []Asset) map[string]bool {
	out := make(map[string]bool, len(assets))
	for _, a := range assets {
		out[a.Name] = true
	}
	return out
}
