package roster

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role of a person in the school.
type Role string

const (
	RoleStudent    Role = "student"
	RoleTeacher    Role = "teacher"
	RoleStaff      Role = "staff"
	RoleUnassigned Role = "unassigned"
)

// ParseRole normalizes a backend role string. Unknown values are unassigned.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleStudent:
		return RoleStudent
	case RoleTeacher:
		return RoleTeacher
	case RoleStaff, "employee":
		return RoleStaff
	default:
		return RoleUnassigned
	}
}

// Person is a student, teacher or staff member.
type Person struct {
	ID                string `json:"id"`
	ExternalDeviceID  string `json:"externalDeviceId,omitempty"`
	Name              string `json:"name"`
	Role              Role   `json:"role"`
	ClassOrDepartment string `json:"classOrDepartment,omitempty"`
	Phone             string `json:"phone,omitempty"`
	Email             string `json:"email,omitempty"`
}

// UnmarshalJSON accepts the field spellings the backend uses across its
// collections (_id, employeeId, hikvisionEmployeeId, department, className).
func (p *Person) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID                  string `json:"id"`
		MongoID             string `json:"_id"`
		EmployeeID          string `json:"employeeId"`
		ExternalDeviceID    string `json:"externalDeviceId"`
		HikvisionEmployeeID string `json:"hikvisionEmployeeId"`
		Name                string `json:"name"`
		FullName            string `json:"fullName"`
		Role                string `json:"role"`
		ClassOrDepartment   string `json:"classOrDepartment"`
		Department          string `json:"department"`
		ClassName           string `json:"className"`
		Phone               string `json:"phone"`
		Email               string `json:"email"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = Person{
		ID:                firstNonEmpty(raw.ID, raw.MongoID, raw.EmployeeID),
		ExternalDeviceID:  firstNonEmpty(raw.ExternalDeviceID, raw.HikvisionEmployeeID),
		Name:              strings.TrimSpace(firstNonEmpty(raw.Name, raw.FullName)),
		Role:              ParseRole(raw.Role),
		ClassOrDepartment: firstNonEmpty(raw.ClassOrDepartment, raw.Department, raw.ClassName),
		Phone:             raw.Phone,
		Email:             raw.Email,
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func sameName(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}

// Match is the outcome of Resolve.
type Match struct {
	Index      int
	ByName     bool
	Candidates []Person
}

// Resolve finds the person an event refers to: external device id first,
// then person id, then a case-insensitive exact name. A name shared by
// several people is not resolved; the candidates are returned with
// ErrAmbiguous instead.
func Resolve(people []Person, deviceID, personID, name string) (Match, error) {
	if deviceID != "" {
		for i, p := range people {
			if p.ExternalDeviceID == deviceID {
				return Match{Index: i}, nil
			}
		}
	}
	if personID != "" {
		for i, p := range people {
			if p.ID == personID {
				return Match{Index: i}, nil
			}
		}
	}
	if name == "" {
		return Match{Index: -1}, ErrUnknownPerson
	}
	var found []int
	for i, p := range people {
		if sameName(p.Name, name) {
			found = append(found, i)
		}
	}
	switch len(found) {
	case 0:
		return Match{Index: -1}, ErrUnknownPerson
	case 1:
		return Match{Index: found[0], ByName: true}, nil
	}
	m := Match{Index: -1, Candidates: make([]Person, 0, len(found))}
	for _, i := range found {
		m.Candidates = append(m.Candidates, people[i])
	}
	return m, fmt.Errorf("%w: %q", ErrAmbiguous, name)
}
