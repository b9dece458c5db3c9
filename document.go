package tandem

import "encoding/json"

// Map names identify the top-level collections of the document. They appear
// in recorded change operations and must never be renamed once bundles
// containing them exist in the wild.
const (
	MapOrganizations  = "organizations"
	MapAccounts       = "accounts"
	MapContacts       = "contacts"
	MapNotes          = "notes"
	MapAudits         = "audits"
	MapCodes          = "codes"
	MapCalendarEvents = "calendarEvents"
	MapInteractions   = "interactions"
	MapLinks          = "links"
	MapAccountCodes   = "accountCodes"
	MapSettings       = "settings"
)

// Document is the root aggregate. It is the single owner of all entity
// records; relation records live in their own maps and are never embedded by
// reference inside entities.
//
// A Document published as a snapshot is immutable: every mutation path works
// on a deep clone and swaps the published pointer afterwards.
type Document struct {
	Organizations  map[string]*Organization  `json:"organizations"`
	Accounts       map[string]*Account       `json:"accounts"`
	Contacts       map[string]*Contact       `json:"contacts"`
	Notes          map[string]*Note          `json:"notes"`
	Audits         map[string]*Audit         `json:"audits"`
	Codes          map[string]*Code          `json:"codes"`
	CalendarEvents map[string]*CalendarEvent `json:"calendarEvents"`
	Interactions   map[string]*Interaction   `json:"interactions"`
	Links          map[string]*EntityLink    `json:"links"`
	AccountCodes   map[string]*AccountCode   `json:"accountCodes"`
	Settings       map[string]string         `json:"settings"`

	// Stamps records the last-writer stamp per element key ("map/id").
	// A stamp with no corresponding entity is a tombstone. Stamps replicate
	// implicitly through change operations and drive the structural merge.
	Stamps map[string]Stamp `json:"stamps"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		Organizations:  make(map[string]*Organization),
		Accounts:       make(map[string]*Account),
		Contacts:       make(map[string]*Contact),
		Notes:          make(map[string]*Note),
		Audits:         make(map[string]*Audit),
		Codes:          make(map[string]*Code),
		CalendarEvents: make(map[string]*CalendarEvent),
		Interactions:   make(map[string]*Interaction),
		Links:          make(map[string]*EntityLink),
		AccountCodes:   make(map[string]*AccountCode),
		Settings:       make(map[string]string),
		Stamps:         make(map[string]Stamp),
	}
}

// Clone returns a deep copy of the document. Entity values are re-marshaled
// through their JSON form, which keeps the copy honest as the schema grows.
func (d *Document) Clone() *Document {
	c := NewDocument()
	for id, v := range d.Organizations {
		c.Organizations[id] = v.clone()
	}
	for id, v := range d.Accounts {
		c.Accounts[id] = v.clone()
	}
	for id, v := range d.Contacts {
		c.Contacts[id] = v.clone()
	}
	for id, v := range d.Notes {
		c.Notes[id] = v.clone()
	}
	for id, v := range d.Audits {
		c.Audits[id] = v.clone()
	}
	for id, v := range d.Codes {
		c.Codes[id] = v.clone()
	}
	for id, v := range d.CalendarEvents {
		c.CalendarEvents[id] = v.clone()
	}
	for id, v := range d.Interactions {
		c.Interactions[id] = v.clone()
	}
	for id, v := range d.Links {
		c.Links[id] = v.clone()
	}
	for id, v := range d.AccountCodes {
		c.AccountCodes[id] = v.clone()
	}
	for k, v := range d.Settings {
		c.Settings[k] = v
	}
	for k, v := range d.Stamps {
		c.Stamps[k] = v
	}
	return c
}

// Marshal serializes the document. encoding/json sorts map keys, so the same
// logical document always yields identical bytes (the determinism property).
func (d *Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalDocument deserializes a document produced by Marshal.
func UnmarshalDocument(data []byte) (*Document, error) {
	doc := NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	doc.init()
	return doc, nil
}

// init replaces nil maps after deserialization.
func (d *Document) init() {
	if d.Organizations == nil {
		d.Organizations = make(map[string]*Organization)
	}
	if d.Accounts == nil {
		d.Accounts = make(map[string]*Account)
	}
	if d.Contacts == nil {
		d.Contacts = make(map[string]*Contact)
	}
	if d.Notes == nil {
		d.Notes = make(map[string]*Note)
	}
	if d.Audits == nil {
		d.Audits = make(map[string]*Audit)
	}
	if d.Codes == nil {
		d.Codes = make(map[string]*Code)
	}
	if d.CalendarEvents == nil {
		d.CalendarEvents = make(map[string]*CalendarEvent)
	}
	if d.Interactions == nil {
		d.Interactions = make(map[string]*Interaction)
	}
	if d.Links == nil {
		d.Links = make(map[string]*EntityLink)
	}
	if d.AccountCodes == nil {
		d.AccountCodes = make(map[string]*AccountCode)
	}
	if d.Settings == nil {
		d.Settings = make(map[string]string)
	}
	if d.Stamps == nil {
		d.Stamps = make(map[string]Stamp)
	}
}

// has reports whether the named map currently holds the id.
func (d *Document) has(mapName, id string) bool {
	switch mapName {
	case MapOrganizations:
		_, ok := d.Organizations[id]
		return ok
	case MapAccounts:
		_, ok := d.Accounts[id]
		return ok
	case MapContacts:
		_, ok := d.Contacts[id]
		return ok
	case MapNotes:
		_, ok := d.Notes[id]
		return ok
	case MapAudits:
		_, ok := d.Audits[id]
		return ok
	case MapCodes:
		_, ok := d.Codes[id]
		return ok
	case MapCalendarEvents:
		_, ok := d.CalendarEvents[id]
		return ok
	case MapInteractions:
		_, ok := d.Interactions[id]
		return ok
	case MapLinks:
		_, ok := d.Links[id]
		return ok
	case MapAccountCodes:
		_, ok := d.AccountCodes[id]
		return ok
	case MapSettings:
		_, ok := d.Settings[id]
		return ok
	}
	return false
}

// EntityKind names the linkable entity families.
type EntityKind string

const (
	KindOrganization  EntityKind = "organization"
	KindAccount       EntityKind = "account"
	KindContact       EntityKind = "contact"
	KindNote          EntityKind = "note"
	KindAudit         EntityKind = "audit"
	KindCode          EntityKind = "code"
	KindCalendarEvent EntityKind = "calendarEvent"
	KindInteraction   EntityKind = "interaction"
)

// mapForKind resolves an entity kind to its document map name.
func mapForKind(kind EntityKind) (string, bool) {
	switch kind {
	case KindOrganization:
		return MapOrganizations, true
	case KindAccount:
		return MapAccounts, true
	case KindContact:
		return MapContacts, true
	case KindNote:
		return MapNotes, true
	case KindAudit:
		return MapAudits, true
	case KindCode:
		return MapCodes, true
	case KindCalendarEvent:
		return MapCalendarEvents, true
	case KindInteraction:
		return MapInteractions, true
	}
	return "", false
}

// hasEntity reports whether an entity of the given kind exists.
func (d *Document) hasEntity(kind EntityKind, id string) bool {
	mapName, ok := mapForKind(kind)
	if !ok {
		return false
	}
	return d.has(mapName, id)
}

// cloneViaJSON deep-copies an entity through its JSON form.
func cloneViaJSON[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic("tandem: entity not serializable: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic("tandem: entity not round-trippable: " + err.Error())
	}
	return out
}
