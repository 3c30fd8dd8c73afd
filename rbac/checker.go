package rbac

import (
	"github.com/PaulFidika/clinicauth/core"
	"github.com/sirupsen/logrus"
)

// Reasons carried by access errors.
const (
	ReasonNoPolicy         = "no policy for action"
	ReasonRoleNotAllowed   = "role not permitted"
	ReasonAttributeMissing = "required attribute missing"
)

// Subject is the part of a verified claim set that access decisions read.
// *jwtkit.Claims implements it.
type Subject interface {
	GetRole() string
	GetSpecialties() []string
}

// MapClaims adapts a raw claim mapping to Subject. Absent or mistyped
// claims read as empty.
type MapClaims map[string]any

func (m MapClaims) GetRole() string {
	r, _ := m["role"].(string)
	return r
}

func (m MapClaims) GetSpecialties() []string {
	switch v := m["specialties"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// PolicySource yields the current policy map. *Store and PolicyMap both satisfy it.
type PolicySource interface {
	Load() (PolicyMap, error)
}

// Checker decides whether a subject may perform an action. Unknown actions
// are denied. Matching is exact and case-sensitive.
type Checker struct {
	src PolicySource
	log *logrus.Entry
}

func NewChecker(src PolicySource, log *logrus.Entry) *Checker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Checker{src: src, log: log.WithField("component", "rbac")}
}

// Check returns nil when granted, a core.KindAccess error when denied, or the
// policy source's core.KindConfig error when policies cannot be loaded.
func (c *Checker) Check(action string, subj Subject) error {
	pm, err := c.src.Load()
	if err != nil {
		return err
	}
	pol, ok := pm[action]
	if !ok {
		return c.deny(action, core.CategoryNoPolicy, ReasonNoPolicy, subj)
	}

	var role string
	if subj != nil {
		role = subj.GetRole()
	}
	if role == "" || !contains(pol.Roles, role) {
		return c.deny(action, core.CategoryRoleNotAllowed, ReasonRoleNotAllowed, subj)
	}

	if len(pol.SpecialtiesAny) > 0 && !intersects(pol.SpecialtiesAny, subj.GetSpecialties()) {
		return c.deny(action, core.CategoryMissingAttrib, ReasonAttributeMissing, subj)
	}
	return nil
}

func (c *Checker) deny(action, category, reason string, subj Subject) error {
	fields := logrus.Fields{"action": action, "category": category}
	if subj != nil {
		fields["role"] = subj.GetRole()
	}
	c.log.WithFields(fields).Debug("access denied")
	return core.AccessError(category, reason)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func intersects(required, have []string) bool {
	if len(have) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[s] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}
