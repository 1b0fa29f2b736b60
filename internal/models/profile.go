package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the fixed set of position categories a profile can declare.
type Role string

const (
	RoleDeveloper  Role = "developer"
	RoleDesigner   Role = "designer"
	RoleOrganizer  Role = "organizer"
	RoleResearcher Role = "researcher"
	RoleOther      Role = "other"
)

// Valid reports whether r is one of the declared role categories.
func (r Role) Valid() bool {
	switch r {
	case RoleDeveloper, RoleDesigner, RoleOrganizer, RoleResearcher, RoleOther:
		return true
	}
	return false
}

// Coordinates is a point in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat" db:"lat"`
	Lon float64 `json:"lon" db:"lon"`
}

// Validate rejects coordinates outside the WGS84 ranges.
func (c Coordinates) Validate() error {
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", c.Lon)
	}
	return nil
}

type Profile struct {
	ProfileBucket int          `json:"-" db:"profile_bucket"`
	AccountID     uuid.UUID    `json:"account_id" db:"account_id"`
	DisplayName   string       `json:"display_name" db:"display_name"`
	Role          Role         `json:"role" db:"role"`
	Skills        []string     `json:"skills,omitempty" db:"skills"` // comma-joined in storage
	Location      *Coordinates `json:"location,omitempty" db:"-"`
	About         string       `json:"about,omitempty" db:"about"`
	URL           string       `json:"url,omitempty" db:"url"`
	ContactHandle string       `json:"contact_handle,omitempty" db:"contact_handle"`
	Email         string       `json:"email,omitempty" db:"-"` // encrypted at rest; the service strips it from every outbound profile
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy; Skills and Location never alias the receiver's.
func (p Profile) Clone() Profile {
	out := p
	if p.Skills != nil {
		out.Skills = make([]string, len(p.Skills))
		copy(out.Skills, p.Skills)
	}
	if p.Location != nil {
		loc := *p.Location
		out.Location = &loc
	}
	return out
}

// ParseSkills splits a comma-separated tag list, trimming whitespace and
// dropping empty entries. The comma form is the external representation
// used by query params and storage.
func ParseSkills(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	skills := make([]string, 0, len(parts))
	for _, p := range parts {
		if tag := strings.TrimSpace(p); tag != "" {
			skills = append(skills, tag)
		}
	}
	return skills
}

// JoinSkills renders tags back into the comma-separated external form.
func JoinSkills(skills []string) string {
	return strings.Join(skills, ",")
}
