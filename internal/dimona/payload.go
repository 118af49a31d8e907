package dimona

// BuildPayload prepares the authority request for a declaration of type t.
// Cancel requests only carry the period reference.
func BuildPayload(p Period, t DeclarationType) DeclarationPayload {
	payload := DeclarationPayload{
		Type:            t,
		EmployerID:      p.EmployerID,
		WorkerID:        p.WorkerID,
		JointCommission: p.JointCommission,
		WorkerType:      p.WorkerType,
	}
	if t != DeclarationTypeCreate && p.HasReference() {
		ref := *p.Reference
		payload.Reference = &ref
	}
	if t == DeclarationTypeCancel {
		return payload
	}
	payload.StartDate = p.StartDate
	payload.EndDate = p.EndDate
	payload.StartHour = p.StartHour
	payload.EndHour = p.EndHour
	if p.Hours != nil {
		hours := p.Hours.StringFixed(2)
		payload.Hours = &hours
	}
	if t == DeclarationTypeCreate {
		payload.Location = p.Location
	}
	return payload
}
