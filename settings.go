package tandem

import "sort"

// Well-known settings keys. The settings map is open: unknown keys replicate
// like any other, these are just the keys the application itself reads.
const (
	SettingSecurityPolicy   = "securityPolicy"
	SettingCodeVisibility   = "codeVisibility"
	SettingDefaultFrequency = "defaultAuditFrequency"
)

// SettingsPayload is the body of settings.updated: the keys to merge.
// Settings merge field-by-field — an update touches only the keys it names,
// and concurrent updates to different keys both survive.
type SettingsPayload struct {
	Values map[string]string `json:"values"`
}

func applySettingsEvent(tx *Tx, env Envelope) error {
	var p SettingsPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	switch env.Type {
	case EventSettingsUpdated:
		if len(p.Values) == 0 {
			return newValidationError(CodeInvariantViolation, env.Type, "",
				"settings update carries no values")
		}
		// Deterministic op order for byte-stable change records.
		keys := make([]string, 0, len(p.Values))
		for k := range p.Values {
			if k == "" {
				return newValidationError(CodeInvariantViolation, env.Type, "",
					"settings key cannot be empty")
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tx.putSetting(k, p.Values[k])
		}
		return nil

	default:
		return errUnhandled(env.Type)
	}
}
