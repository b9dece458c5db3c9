package tandem

// Code is an access or door code attached to exactly one account through an
// AccountCode relation record.
type Code struct {
	ID          string `json:"id"`
	AccountID   string `json:"accountId"`
	Label       string `json:"label"`
	CodeValue   string `json:"codeValue"`
	IsEncrypted bool   `json:"isEncrypted"`
	Type        string `json:"type,omitempty"`
	Notes       string `json:"notes,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

func (c *Code) clone() *Code { return cloneViaJSON(c) }

// AccountCode is the 1:1 relation record between an account and a code,
// keyed by code id in the document's accountCodes map.
type AccountCode struct {
	AccountID string `json:"accountId"`
	CodeID    string `json:"codeId"`
}

func (r *AccountCode) clone() *AccountCode { return cloneViaJSON(r) }

// CodePayload is the body of code events.
type CodePayload struct {
	ID          string  `json:"id,omitempty"`
	AccountID   *string `json:"accountId,omitempty"`
	Label       *string `json:"label,omitempty"`
	CodeValue   *string `json:"codeValue,omitempty"`
	IsEncrypted *bool   `json:"isEncrypted,omitempty"`
	Type        *string `json:"type,omitempty"`
	Notes       *string `json:"notes,omitempty"`
}

func applyCodeEvent(tx *Tx, env Envelope) error {
	var p CodePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	id, err := tx.resolveEntityID(env, p.ID)
	if err != nil {
		return err
	}
	doc := tx.Doc()

	switch env.Type {
	case EventCodeCreated:
		if err := requireAbsent(doc, MapCodes, env.Type, id); err != nil {
			return err
		}
		if p.AccountID == nil || *p.AccountID == "" {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"accountId is required")
		}
		if !doc.has(MapAccounts, *p.AccountID) {
			return newValidationError(CodeInvalidReference, env.Type, id,
				"account %q not found", *p.AccountID)
		}
		if p.Label == nil || *p.Label == "" {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"code label is required")
		}
		if p.CodeValue == nil || *p.CodeValue == "" {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"codeValue is required")
		}
		code := &Code{
			ID:        id,
			AccountID: *p.AccountID,
			Label:     *p.Label,
			CodeValue: *p.CodeValue,
			CreatedAt: env.Timestamp,
			UpdatedAt: env.Timestamp,
		}
		if p.IsEncrypted != nil {
			code.IsEncrypted = *p.IsEncrypted
		}
		if p.Type != nil {
			code.Type = *p.Type
		}
		if p.Notes != nil {
			code.Notes = *p.Notes
		}
		if err := tx.put(MapCodes, id, code); err != nil {
			return err
		}
		// The 1:1 relation record is written in the same change.
		return tx.put(MapAccountCodes, id, &AccountCode{AccountID: *p.AccountID, CodeID: id})

	case EventCodeUpdated:
		if err := requirePresent(doc, MapCodes, env.Type, id); err != nil {
			return err
		}
		code := doc.Codes[id].clone()
		if p.AccountID != nil && *p.AccountID != code.AccountID {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"code cannot move between accounts")
		}
		if p.Label != nil {
			if *p.Label == "" {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"code label cannot be cleared")
			}
			code.Label = *p.Label
		}
		if p.CodeValue != nil {
			if *p.CodeValue == "" {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"codeValue cannot be cleared")
			}
			code.CodeValue = *p.CodeValue
		}
		if p.IsEncrypted != nil {
			code.IsEncrypted = *p.IsEncrypted
		}
		if p.Type != nil {
			code.Type = *p.Type
		}
		if p.Notes != nil {
			code.Notes = *p.Notes
		}
		code.UpdatedAt = env.Timestamp
		return tx.put(MapCodes, id, code)

	case EventCodeDeleted:
		if err := requirePresent(doc, MapCodes, env.Type, id); err != nil {
			return err
		}
		for linkID, link := range doc.Links {
			if link.references(KindCode, id) {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"code is referenced by link %q", linkID)
			}
		}
		tx.delete(MapCodes, id)
		tx.delete(MapAccountCodes, id)
		return nil

	default:
		return errUnhandled(env.Type)
	}
}
