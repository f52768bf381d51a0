package attendance

import "fleettrack/internal/notify"

// ProfileSchemaVersion is the current layout of StudentProfile.
const ProfileSchemaVersion = 1

// StudentProfile carries what the engine needs to know about a student.
type StudentProfile struct {
	SchemaVersion   int               `json:"schemaVersion"`
	StudentID       string            `json:"studentId"`
	Name            string            `json:"name,omitempty"`
	HasSpecialNeeds bool              `json:"hasSpecialNeeds"`
	SpecialNeeds    []string          `json:"specialNeeds,omitempty"`
	Guardians       []Guardian        `json:"guardians,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

type Guardian struct {
	Name         string             `json:"name"`
	Relationship string             `json:"relationship,omitempty"`
	Preferences  notify.Preferences `json:"preferences"`
}

// Targets flattens every guardian's notification targets.
func (p StudentProfile) Targets() []notify.Target {
	var out []notify.Target
	for _, g := range p.Guardians {
		out = append(out, g.Preferences.Targets()...)
	}
	return out
}
