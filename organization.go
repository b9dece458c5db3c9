package tandem

// OrganizationStatus enumerates the organization lifecycle states.
type OrganizationStatus string

const (
	OrganizationActive   OrganizationStatus = "active"
	OrganizationInactive OrganizationStatus = "inactive"
	OrganizationArchived OrganizationStatus = "archived"
)

// normalizeOrganizationStatus maps legacy aliases onto the canonical set.
// The alias table is isolated here so it can be deleted once migrated
// without touching reducer logic.
func normalizeOrganizationStatus(s string) (OrganizationStatus, bool) {
	switch s {
	case "enabled":
		s = string(OrganizationActive)
	case "disabled":
		s = string(OrganizationInactive)
	}
	switch OrganizationStatus(s) {
	case OrganizationActive, OrganizationInactive, OrganizationArchived:
		return OrganizationStatus(s), true
	}
	return "", false
}

// Organization is a business entity grouping accounts.
type Organization struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Status      OrganizationStatus `json:"status"`
	Website     string             `json:"website,omitempty"`
	SocialLinks map[string]string  `json:"socialLinks,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
	CreatedAt   int64              `json:"createdAt"`
	UpdatedAt   int64              `json:"updatedAt"`
}

func (o *Organization) clone() *Organization { return cloneViaJSON(o) }

// OrganizationPayload is the body of organization events. Pointer fields
// distinguish "absent" from "set to zero" on partial updates.
type OrganizationPayload struct {
	ID          string            `json:"id,omitempty"`
	Name        *string           `json:"name,omitempty"`
	Status      *string           `json:"status,omitempty"`
	Website     *string           `json:"website,omitempty"`
	SocialLinks map[string]string `json:"socialLinks,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func applyOrganizationEvent(tx *Tx, env Envelope) error {
	var p OrganizationPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	id, err := tx.resolveEntityID(env, p.ID)
	if err != nil {
		return err
	}
	doc := tx.Doc()

	switch env.Type {
	case EventOrganizationCreated:
		if err := requireAbsent(doc, MapOrganizations, env.Type, id); err != nil {
			return err
		}
		if p.Name == nil || *p.Name == "" {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"organization name is required")
		}
		status := OrganizationActive
		if p.Status != nil {
			s, ok := normalizeOrganizationStatus(*p.Status)
			if !ok {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"unknown organization status %q", *p.Status)
			}
			status = s
		}
		org := &Organization{
			ID:          id,
			Name:        *p.Name,
			Status:      status,
			SocialLinks: p.SocialLinks,
			Metadata:    p.Metadata,
			CreatedAt:   env.Timestamp,
			UpdatedAt:   env.Timestamp,
		}
		if p.Website != nil {
			org.Website = *p.Website
		}
		return tx.put(MapOrganizations, id, org)

	case EventOrganizationUpdated:
		if err := requirePresent(doc, MapOrganizations, env.Type, id); err != nil {
			return err
		}
		org := doc.Organizations[id].clone()
		if p.Name != nil {
			if *p.Name == "" {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"organization name cannot be cleared")
			}
			org.Name = *p.Name
		}
		if p.Status != nil {
			s, ok := normalizeOrganizationStatus(*p.Status)
			if !ok {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"unknown organization status %q", *p.Status)
			}
			org.Status = s
		}
		if p.Website != nil {
			org.Website = *p.Website
		}
		if p.SocialLinks != nil {
			org.SocialLinks = p.SocialLinks
		}
		if p.Metadata != nil {
			org.Metadata = p.Metadata
		}
		org.UpdatedAt = env.Timestamp
		return tx.put(MapOrganizations, id, org)

	case EventOrganizationStatusChanged:
		if err := requirePresent(doc, MapOrganizations, env.Type, id); err != nil {
			return err
		}
		if p.Status == nil {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"status is required")
		}
		s, ok := normalizeOrganizationStatus(*p.Status)
		if !ok {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"unknown organization status %q", *p.Status)
		}
		org := doc.Organizations[id].clone()
		org.Status = s
		org.UpdatedAt = env.Timestamp
		return tx.put(MapOrganizations, id, org)

	case EventOrganizationDeleted:
		if err := requirePresent(doc, MapOrganizations, env.Type, id); err != nil {
			return err
		}
		// Deletion guard: accounts must be re-homed or deleted first.
		for accountID, acct := range doc.Accounts {
			if acct.OrganizationID == id {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"organization is referenced by account %q", accountID)
			}
		}
		for linkID, link := range doc.Links {
			if link.references(KindOrganization, id) {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"organization is referenced by link %q", linkID)
			}
		}
		tx.delete(MapOrganizations, id)
		return nil

	default:
		return errUnhandled(env.Type)
	}
}
