package tandem

import "sort"

// AccountStatus enumerates the account lifecycle states.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
	AccountClosed   AccountStatus = "closed"
)

// normalizeAccountStatus maps legacy aliases onto the canonical set.
func normalizeAccountStatus(s string) (AccountStatus, bool) {
	switch s {
	case "enabled", "open":
		s = string(AccountActive)
	case "disabled", "paused":
		s = string(AccountInactive)
	case "terminated":
		s = string(AccountClosed)
	}
	switch AccountStatus(s) {
	case AccountActive, AccountInactive, AccountClosed:
		return AccountStatus(s), true
	}
	return "", false
}

// AuditFrequency enumerates how often an account is audited.
type AuditFrequency string

const (
	AuditWeekly    AuditFrequency = "weekly"
	AuditMonthly   AuditFrequency = "monthly"
	AuditQuarterly AuditFrequency = "quarterly"
	AuditYearly    AuditFrequency = "yearly"
)

// DefaultAuditFrequency applies when an account carries no frequency.
const DefaultAuditFrequency = AuditMonthly

func normalizeAuditFrequency(s string) (AuditFrequency, bool) {
	switch s {
	case "annual", "annually":
		s = string(AuditYearly)
	}
	switch AuditFrequency(s) {
	case AuditWeekly, AuditMonthly, AuditQuarterly, AuditYearly:
		return AuditFrequency(s), true
	}
	return "", false
}

// FloorRange bounds the floors an account occupies. The fields are
// all-or-nothing: min and max are both present or the range is absent.
type FloorRange struct {
	MinFloor       int   `json:"minFloor"`
	MaxFloor       int   `json:"maxFloor"`
	ExcludedFloors []int `json:"excludedFloors,omitempty"`
}

// AllowedFloors returns the floors inside the range minus exclusions,
// ascending.
func (r *FloorRange) AllowedFloors() []int {
	if r == nil {
		return nil
	}
	excluded := make(map[int]struct{}, len(r.ExcludedFloors))
	for _, f := range r.ExcludedFloors {
		excluded[f] = struct{}{}
	}
	var out []int
	for f := r.MinFloor; f <= r.MaxFloor; f++ {
		if _, ok := excluded[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// Allows reports whether the floor is inside the range and not excluded.
func (r *FloorRange) Allows(floor int) bool {
	if r == nil {
		return false
	}
	if floor < r.MinFloor || floor > r.MaxFloor {
		return false
	}
	for _, f := range r.ExcludedFloors {
		if f == floor {
			return false
		}
	}
	return true
}

// validateFloorRange enforces min ≤ max and unique in-range exclusions.
func validateFloorRange(r *FloorRange) string {
	if r == nil {
		return ""
	}
	if r.MinFloor > r.MaxFloor {
		return "minFloor exceeds maxFloor"
	}
	seen := make(map[int]struct{}, len(r.ExcludedFloors))
	for _, f := range r.ExcludedFloors {
		if f < r.MinFloor || f > r.MaxFloor {
			return "excluded floor outside range"
		}
		if _, dup := seen[f]; dup {
			return "duplicate excluded floor"
		}
		seen[f] = struct{}{}
	}
	return ""
}

// Account is a serviced location belonging to an organization.
type Account struct {
	ID                      string            `json:"id"`
	OrganizationID          string            `json:"organizationId"`
	Name                    string            `json:"name"`
	Status                  AccountStatus     `json:"status"`
	AuditFrequency          AuditFrequency    `json:"auditFrequency"`
	AuditFrequencyUpdatedAt int64             `json:"auditFrequencyUpdatedAt,omitempty"`
	FloorRange              *FloorRange       `json:"floorRange,omitempty"`
	Addresses               []string          `json:"addresses,omitempty"`
	Website                 string            `json:"website,omitempty"`
	SocialLinks             map[string]string `json:"socialLinks,omitempty"`
	CreatedAt               int64             `json:"createdAt"`
	UpdatedAt               int64             `json:"updatedAt"`
}

func (a *Account) clone() *Account { return cloneViaJSON(a) }

// FloorRangePayload carries an optional floor range on account events.
// Min and max arrive as pointers so the all-or-nothing invariant can be
// checked rather than silently defaulted.
type FloorRangePayload struct {
	MinFloor       *int  `json:"minFloor,omitempty"`
	MaxFloor       *int  `json:"maxFloor,omitempty"`
	ExcludedFloors []int `json:"excludedFloors,omitempty"`
}

// AccountPayload is the body of account events.
type AccountPayload struct {
	ID             string             `json:"id,omitempty"`
	OrganizationID *string            `json:"organizationId,omitempty"`
	Name           *string            `json:"name,omitempty"`
	Status         *string            `json:"status,omitempty"`
	AuditFrequency *string            `json:"auditFrequency,omitempty"`
	FloorRange     *FloorRangePayload `json:"floorRange,omitempty"`
	// ClearFloorRange removes a configured range on update.
	ClearFloorRange bool              `json:"clearFloorRange,omitempty"`
	Addresses       []string          `json:"addresses,omitempty"`
	Website         *string           `json:"website,omitempty"`
	SocialLinks     map[string]string `json:"socialLinks,omitempty"`
}

// resolveFloorRange validates a floor range payload into its stored form.
func resolveFloorRange(eventType, id string, p *FloorRangePayload) (*FloorRange, error) {
	if p == nil {
		return nil, nil
	}
	if (p.MinFloor == nil) != (p.MaxFloor == nil) {
		return nil, newValidationError(CodeInvariantViolation, eventType, id,
			"floor range requires both minFloor and maxFloor")
	}
	if p.MinFloor == nil {
		if len(p.ExcludedFloors) > 0 {
			return nil, newValidationError(CodeInvariantViolation, eventType, id,
				"excluded floors require a floor range")
		}
		return nil, nil
	}
	r := &FloorRange{
		MinFloor:       *p.MinFloor,
		MaxFloor:       *p.MaxFloor,
		ExcludedFloors: append([]int(nil), p.ExcludedFloors...),
	}
	sort.Ints(r.ExcludedFloors)
	if msg := validateFloorRange(r); msg != "" {
		return nil, newValidationError(CodeInvariantViolation, eventType, id, "%s", msg)
	}
	return r, nil
}

func applyAccountEvent(tx *Tx, env Envelope) error {
	var p AccountPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	id, err := tx.resolveEntityID(env, p.ID)
	if err != nil {
		return err
	}
	doc := tx.Doc()

	switch env.Type {
	case EventAccountCreated:
		if err := requireAbsent(doc, MapAccounts, env.Type, id); err != nil {
			return err
		}
		if p.OrganizationID == nil || *p.OrganizationID == "" {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"organizationId is required")
		}
		if !doc.has(MapOrganizations, *p.OrganizationID) {
			return newValidationError(CodeInvalidReference, env.Type, id,
				"organization %q not found", *p.OrganizationID)
		}
		if p.Name == nil || *p.Name == "" {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"account name is required")
		}
		status := AccountActive
		if p.Status != nil {
			s, ok := normalizeAccountStatus(*p.Status)
			if !ok {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"unknown account status %q", *p.Status)
			}
			status = s
		}
		frequency := DefaultAuditFrequency
		var frequencyAt int64
		if p.AuditFrequency != nil {
			f, ok := normalizeAuditFrequency(*p.AuditFrequency)
			if !ok {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"unknown audit frequency %q", *p.AuditFrequency)
			}
			frequency = f
			frequencyAt = env.Timestamp
		}
		rng, err := resolveFloorRange(env.Type, id, p.FloorRange)
		if err != nil {
			return err
		}
		acct := &Account{
			ID:                      id,
			OrganizationID:          *p.OrganizationID,
			Name:                    *p.Name,
			Status:                  status,
			AuditFrequency:          frequency,
			AuditFrequencyUpdatedAt: frequencyAt,
			FloorRange:              rng,
			Addresses:               p.Addresses,
			SocialLinks:             p.SocialLinks,
			CreatedAt:               env.Timestamp,
			UpdatedAt:               env.Timestamp,
		}
		if p.Website != nil {
			acct.Website = *p.Website
		}
		return tx.put(MapAccounts, id, acct)

	case EventAccountUpdated:
		if err := requirePresent(doc, MapAccounts, env.Type, id); err != nil {
			return err
		}
		acct := doc.Accounts[id].clone()
		if p.OrganizationID != nil {
			if !doc.has(MapOrganizations, *p.OrganizationID) {
				return newValidationError(CodeInvalidReference, env.Type, id,
					"organization %q not found", *p.OrganizationID)
			}
			acct.OrganizationID = *p.OrganizationID
		}
		if p.Name != nil {
			if *p.Name == "" {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"account name cannot be cleared")
			}
			acct.Name = *p.Name
		}
		if p.Status != nil {
			s, ok := normalizeAccountStatus(*p.Status)
			if !ok {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"unknown account status %q", *p.Status)
			}
			acct.Status = s
		}
		if p.ClearFloorRange {
			acct.FloorRange = nil
		} else if p.FloorRange != nil {
			rng, err := resolveFloorRange(env.Type, id, p.FloorRange)
			if err != nil {
				return err
			}
			acct.FloorRange = rng
		}
		if p.Addresses != nil {
			acct.Addresses = p.Addresses
		}
		if p.Website != nil {
			acct.Website = *p.Website
		}
		if p.SocialLinks != nil {
			acct.SocialLinks = p.SocialLinks
		}
		acct.UpdatedAt = env.Timestamp
		return tx.put(MapAccounts, id, acct)

	case EventAccountStatusChanged:
		if err := requirePresent(doc, MapAccounts, env.Type, id); err != nil {
			return err
		}
		if p.Status == nil {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"status is required")
		}
		s, ok := normalizeAccountStatus(*p.Status)
		if !ok {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"unknown account status %q", *p.Status)
		}
		acct := doc.Accounts[id].clone()
		acct.Status = s
		acct.UpdatedAt = env.Timestamp
		return tx.put(MapAccounts, id, acct)

	case EventAccountAuditFrequencyChanged:
		if err := requirePresent(doc, MapAccounts, env.Type, id); err != nil {
			return err
		}
		if p.AuditFrequency == nil {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"auditFrequency is required")
		}
		f, ok := normalizeAuditFrequency(*p.AuditFrequency)
		if !ok {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"unknown audit frequency %q", *p.AuditFrequency)
		}
		acct := doc.Accounts[id].clone()
		acct.AuditFrequency = f
		acct.AuditFrequencyUpdatedAt = env.Timestamp
		acct.UpdatedAt = env.Timestamp
		return tx.put(MapAccounts, id, acct)

	case EventAccountDeleted:
		if err := requirePresent(doc, MapAccounts, env.Type, id); err != nil {
			return err
		}
		for auditID, audit := range doc.Audits {
			if audit.AccountID == id {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"account is referenced by audit %q", auditID)
			}
		}
		for codeID, rel := range doc.AccountCodes {
			if rel.AccountID == id {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"account is referenced by code %q", codeID)
			}
		}
		for linkID, link := range doc.Links {
			if link.references(KindAccount, id) {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"account is referenced by link %q", linkID)
			}
		}
		tx.delete(MapAccounts, id)
		return nil

	default:
		return errUnhandled(env.Type)
	}
}
