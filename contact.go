package tandem

// Contact is a person reachable through the application. Only the shape the
// relation layer depends on is modeled here; richer contact data lives with
// the device-contact integration outside the core.
type Contact struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (c *Contact) clone() *Contact { return cloneViaJSON(c) }

// Note is a free-form note attachable to other entities via links.
type Note struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (n *Note) clone() *Note { return cloneViaJSON(n) }

// ContactPayload is the body of contact events.
type ContactPayload struct {
	ID    string  `json:"id,omitempty"`
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
	Phone *string `json:"phone,omitempty"`
}

// NotePayload is the body of note events.
type NotePayload struct {
	ID   string  `json:"id,omitempty"`
	Body *string `json:"body,omitempty"`
}

func applyContactEvent(tx *Tx, env Envelope) error {
	var p ContactPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	id, err := tx.resolveEntityID(env, p.ID)
	if err != nil {
		return err
	}
	doc := tx.Doc()

	switch env.Type {
	case EventContactCreated:
		if err := requireAbsent(doc, MapContacts, env.Type, id); err != nil {
			return err
		}
		if p.Name == nil || *p.Name == "" {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"contact name is required")
		}
		c := &Contact{
			ID:        id,
			Name:      *p.Name,
			CreatedAt: env.Timestamp,
			UpdatedAt: env.Timestamp,
		}
		if p.Email != nil {
			c.Email = *p.Email
		}
		if p.Phone != nil {
			c.Phone = *p.Phone
		}
		return tx.put(MapContacts, id, c)

	case EventContactUpdated:
		if err := requirePresent(doc, MapContacts, env.Type, id); err != nil {
			return err
		}
		c := doc.Contacts[id].clone()
		if p.Name != nil {
			if *p.Name == "" {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"contact name cannot be cleared")
			}
			c.Name = *p.Name
		}
		if p.Email != nil {
			c.Email = *p.Email
		}
		if p.Phone != nil {
			c.Phone = *p.Phone
		}
		c.UpdatedAt = env.Timestamp
		return tx.put(MapContacts, id, c)

	case EventContactDeleted:
		if err := requirePresent(doc, MapContacts, env.Type, id); err != nil {
			return err
		}
		for linkID, link := range doc.Links {
			if link.references(KindContact, id) {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"contact is referenced by link %q", linkID)
			}
		}
		tx.delete(MapContacts, id)
		return nil

	default:
		return errUnhandled(env.Type)
	}
}

func applyNoteEvent(tx *Tx, env Envelope) error {
	var p NotePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	id, err := tx.resolveEntityID(env, p.ID)
	if err != nil {
		return err
	}
	doc := tx.Doc()

	switch env.Type {
	case EventNoteCreated:
		if err := requireAbsent(doc, MapNotes, env.Type, id); err != nil {
			return err
		}
		if p.Body == nil || *p.Body == "" {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"note body is required")
		}
		return tx.put(MapNotes, id, &Note{
			ID:        id,
			Body:      *p.Body,
			CreatedAt: env.Timestamp,
			UpdatedAt: env.Timestamp,
		})

	case EventNoteUpdated:
		if err := requirePresent(doc, MapNotes, env.Type, id); err != nil {
			return err
		}
		n := doc.Notes[id].clone()
		if p.Body != nil {
			if *p.Body == "" {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"note body cannot be cleared")
			}
			n.Body = *p.Body
		}
		n.UpdatedAt = env.Timestamp
		return tx.put(MapNotes, id, n)

	case EventNoteDeleted:
		if err := requirePresent(doc, MapNotes, env.Type, id); err != nil {
			return err
		}
		for linkID, link := range doc.Links {
			if link.SourceType == KindNote && link.SourceID == id {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"note is the source of link %q", linkID)
			}
			if link.references(KindNote, id) {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"note is referenced by link %q", linkID)
			}
		}
		tx.delete(MapNotes, id)
		return nil

	default:
		return errUnhandled(env.Type)
	}
}
