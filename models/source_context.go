package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/axonlab/ingest/constants"
)

// SourceContext is the typed hierarchy context accumulated while
// scanning a source tree. Each level is optional until a scanner fills
// it in; validation enforces the per-level label/id rules before any
// container is derived from it.
type SourceContext struct {
	Group       *GroupContext       `json:"group,omitempty"`
	Project     *ProjectContext     `json:"project,omitempty"`
	Subject     *SubjectContext     `json:"subject,omitempty"`
	Session     *SessionContext     `json:"session,omitempty"`
	Acquisition *AcquisitionContext `json:"acquisition,omitempty"`
	// PackfileType is set when a template packfile node matched; the
	// files under the matching directory are aggregated into a single
	// packfile of this type.
	PackfileType string `json:"packfile_type,omitempty"`
}

// GroupContext identifies a destination group. Groups are addressed by
// id, not label.
type GroupContext struct {
	ID    string `json:"_id,omitempty"`
	Label string `json:"label,omitempty"`
}

// ProjectContext identifies a destination project.
type ProjectContext struct {
	ID    string                 `json:"_id,omitempty"`
	Label string                 `json:"label,omitempty"`
	Info  map[string]interface{} `json:"info,omitempty"`
}

// SubjectContext carries the subject label plus the demographic fields
// the destination accepts on subject creation.
type SubjectContext struct {
	ID        string                 `json:"_id,omitempty"`
	Label     string                 `json:"label,omitempty"`
	Sex       string                 `json:"sex,omitempty"`
	Race      string                 `json:"race,omitempty"`
	Ethnicity string                 `json:"ethnicity,omitempty"`
	Species   string                 `json:"species,omitempty"`
	Strain    string                 `json:"strain,omitempty"`
	Info      map[string]interface{} `json:"info,omitempty"`
}

// SessionContext identifies a destination session, optionally carrying
// the DICOM StudyInstanceUID it was derived from.
type SessionContext struct {
	ID        string                 `json:"_id,omitempty"`
	Label     string                 `json:"label,omitempty"`
	UID       string                 `json:"uid,omitempty"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
	Timezone  string                 `json:"timezone,omitempty"`
	Age       *int                   `json:"age,omitempty"`
	Weight    *float64               `json:"weight,omitempty"`
	Operator  string                 `json:"operator,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
	Info      map[string]interface{} `json:"info,omitempty"`
}

// AcquisitionContext identifies a destination acquisition, optionally
// carrying the DICOM SeriesInstanceUID it was derived from.
type AcquisitionContext struct {
	ID        string                 `json:"_id,omitempty"`
	Label     string                 `json:"label,omitempty"`
	UID       string                 `json:"uid,omitempty"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
	Timezone  string                 `json:"timezone,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
	Info      map[string]interface{} `json:"info,omitempty"`
}

// SanitizeLabel replaces characters the destination rejects in
// container labels and trims surrounding whitespace.
func SanitizeLabel(label string) string {
	label = constants.LabelIllegalPattern.ReplaceAllString(label, "_")
	return strings.TrimSpace(label)
}

// Validate enforces the per-level construction rules: every present
// level needs an id or a label, and project, session and acquisition
// must carry a label.
func (c *SourceContext) Validate() error {
	if c.Group != nil && c.Group.ID == "" && c.Group.Label == "" {
		return fmt.Errorf("group context requires an id or label")
	}
	if c.Project != nil && c.Project.Label == "" {
		return fmt.Errorf("project context requires a label")
	}
	if c.Subject != nil && c.Subject.ID == "" && c.Subject.Label == "" {
		return fmt.Errorf("subject context requires an id or label")
	}
	if c.Session != nil && c.Session.Label == "" {
		return fmt.Errorf("session context requires a label")
	}
	if c.Acquisition != nil && c.Acquisition.Label == "" {
		return fmt.Errorf("acquisition context requires a label")
	}
	return nil
}

// HasLevel reports whether the context carries a record for level.
func (c *SourceContext) HasLevel(level int) bool {
	switch level {
	case constants.LevelGroup:
		return c.Group != nil
	case constants.LevelProject:
		return c.Project != nil
	case constants.LevelSubject:
		return c.Subject != nil
	case constants.LevelSession:
		return c.Session != nil
	case constants.LevelAcquisition:
		return c.Acquisition != nil
	}
	return false
}

// LabelAt returns the source-side path component of level: the group id
// and otherwise the (sanitized) label, falling back to the id.
func (c *SourceContext) LabelAt(level int) string {
	switch level {
	case constants.LevelGroup:
		if c.Group == nil {
			return ""
		}
		if c.Group.ID != "" {
			return c.Group.ID
		}
		return SanitizeLabel(c.Group.Label)
	case constants.LevelProject:
		if c.Project == nil {
			return ""
		}
		return SanitizeLabel(c.Project.Label)
	case constants.LevelSubject:
		if c.Subject == nil {
			return ""
		}
		if c.Subject.Label != "" {
			return SanitizeLabel(c.Subject.Label)
		}
		return c.Subject.ID
	case constants.LevelSession:
		if c.Session == nil {
			return ""
		}
		return SanitizeLabel(c.Session.Label)
	case constants.LevelAcquisition:
		if c.Acquisition == nil {
			return ""
		}
		return SanitizeLabel(c.Acquisition.Label)
	}
	return ""
}

// PathAt composes the source-side composite key of the container at
// level: the labels of every level from group down, joined by '/'.
func (c *SourceContext) PathAt(level int) string {
	parts := make([]string, 0, level+1)
	for l := constants.LevelGroup; l <= level; l++ {
		label := c.LabelAt(l)
		if label == "" {
			return ""
		}
		parts = append(parts, label)
	}
	return strings.Join(parts, "/")
}

// DeepestLevel returns the highest level number present in the context,
// or -1 when the context is empty.
func (c *SourceContext) DeepestLevel() int {
	deepest := -1
	for l := constants.LevelGroup; l <= constants.LevelAcquisition; l++ {
		if c.HasLevel(l) {
			deepest = l
		}
	}
	return deepest
}

// TagsAt returns the source-declared tags of level, or nil.
func (c *SourceContext) TagsAt(level int) []string {
	switch level {
	case constants.LevelSession:
		if c.Session != nil {
			return c.Session.Tags
		}
	case constants.LevelAcquisition:
		if c.Acquisition != nil {
			return c.Acquisition.Tags
		}
	}
	return nil
}

// Clone returns a deep copy. Scanners fork the context at every
// directory boundary, so sharing inner pointers would corrupt sibling
// branches.
func (c *SourceContext) Clone() *SourceContext {
	clone := &SourceContext{PackfileType: c.PackfileType}
	if c.Group != nil {
		g := *c.Group
		clone.Group = &g
	}
	if c.Project != nil {
		p := *c.Project
		p.Info = cloneInfo(c.Project.Info)
		clone.Project = &p
	}
	if c.Subject != nil {
		s := *c.Subject
		s.Info = cloneInfo(c.Subject.Info)
		clone.Subject = &s
	}
	if c.Session != nil {
		s := *c.Session
		s.Info = cloneInfo(c.Session.Info)
		s.Tags = append([]string(nil), c.Session.Tags...)
		clone.Session = &s
	}
	if c.Acquisition != nil {
		a := *c.Acquisition
		a.Info = cloneInfo(c.Acquisition.Info)
		a.Tags = append([]string(nil), c.Acquisition.Tags...)
		clone.Acquisition = &a
	}
	return clone
}

// ContextAt returns a deep copy trimmed to level and everything above
// it, for storing on the container row of that level.
func (c *SourceContext) ContextAt(level int) *SourceContext {
	clone := c.Clone()
	clone.PackfileType = ""
	if level < constants.LevelAcquisition {
		clone.Acquisition = nil
	}
	if level < constants.LevelSession {
		clone.Session = nil
	}
	if level < constants.LevelSubject {
		clone.Subject = nil
	}
	if level < constants.LevelProject {
		clone.Project = nil
	}
	return clone
}

// SetField assigns a named field at a named level, used by template and
// filename scanners whose patterns bind dotted group names such as
// "session.timestamp". Unknown fields land in the level's info map.
func (c *SourceContext) SetField(level, field, value string) error {
	switch level {
	case "group":
		if c.Group == nil {
			c.Group = &GroupContext{}
		}
		switch field {
		case "_id", "id":
			c.Group.ID = value
		case "label", "":
			c.Group.Label = value
		default:
			return fmt.Errorf("group has no field %q", field)
		}
	case "project":
		if c.Project == nil {
			c.Project = &ProjectContext{}
		}
		switch field {
		case "_id", "id":
			c.Project.ID = value
		case "label", "":
			c.Project.Label = value
		default:
			c.Project.Info = setInfo(c.Project.Info, field, value)
		}
	case "subject":
		if c.Subject == nil {
			c.Subject = &SubjectContext{}
		}
		switch field {
		case "_id", "id":
			c.Subject.ID = value
		case "label", "":
			c.Subject.Label = value
		case "sex":
			c.Subject.Sex = value
		default:
			c.Subject.Info = setInfo(c.Subject.Info, field, value)
		}
	case "session":
		if c.Session == nil {
			c.Session = &SessionContext{}
		}
		switch field {
		case "_id", "id":
			c.Session.ID = value
		case "label", "":
			c.Session.Label = value
		case "uid":
			c.Session.UID = value
		case "timestamp":
			ts, err := time.Parse(constants.TimestampFormat, value)
			if err != nil {
				return fmt.Errorf("bad session timestamp %q: %v", value, err)
			}
			c.Session.Timestamp = &ts
		default:
			c.Session.Info = setInfo(c.Session.Info, field, value)
		}
	case "acquisition":
		if c.Acquisition == nil {
			c.Acquisition = &AcquisitionContext{}
		}
		switch field {
		case "_id", "id":
			c.Acquisition.ID = value
		case "label", "":
			c.Acquisition.Label = value
		case "uid":
			c.Acquisition.UID = value
		case "timestamp":
			ts, err := time.Parse(constants.TimestampFormat, value)
			if err != nil {
				return fmt.Errorf("bad acquisition timestamp %q: %v", value, err)
			}
			c.Acquisition.Timestamp = &ts
		default:
			c.Acquisition.Info = setInfo(c.Acquisition.Info, field, value)
		}
	case "ignore":
		// Matched path components the template throws away.
	default:
		return fmt.Errorf("unknown context level %q", level)
	}
	return nil
}

func setInfo(info map[string]interface{}, key, value string) map[string]interface{} {
	if info == nil {
		info = make(map[string]interface{})
	}
	info[key] = value
	return info
}

func cloneInfo(info map[string]interface{}) map[string]interface{} {
	if info == nil {
		return nil
	}
	clone := make(map[string]interface{}, len(info))
	for k, v := range info {
		clone[k] = v
	}
	return clone
}
