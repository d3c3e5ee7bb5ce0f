package roster

import (
	"encoding/json"
	"testing"
)

func TestPersonAcceptsBackendSpellings(t *testing.T) {
	var p Person
	err := json.Unmarshal([]byte(`{"_id":"65f0","hikvisionEmployeeId":"hk-7","fullName":" Aziz ","role":"Teacher","department":"Math"}`), &p)
	if err != nil {
		t.Fatal(err)
	}
	want := Person{ID: "65f0", ExternalDeviceID: "hk-7", Name: "Aziz", Role: RoleTeacher, ClassOrDepartment: "Math"}
	if p != want {
		t.Fatalf("got %+v", p)
	}
}

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"student":  RoleStudent,
		" STAFF ":  RoleStaff,
		"employee": RoleStaff,
		"teacher":  RoleTeacher,
		"":         RoleUnassigned,
		"janitor":  RoleUnassigned,
	}
	for in, want := range cases {
		if got := ParseRole(in); got != want {
			t.Errorf("ParseRole(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestAttendanceUpdateAliases(t *testing.T) {
	var u AttendanceUpdate
	err := json.Unmarshal([]byte(`{"employeeId":"p1","hikvisionEmployeeId":"hk-1","firstCheckIn":"08:05","lastCheckOut":"17:00","status":"late"}`), &u)
	if err != nil {
		t.Fatal(err)
	}
	if u.PersonID != "p1" || u.ExternalDeviceID != "hk-1" || u.CheckIn != "08:05" || u.CheckOut != "17:00" {
		t.Fatalf("got %+v", u)
	}

	marks, err := u.Marks(day(), uzt)
	if err != nil {
		t.Fatal(err)
	}
	if len(marks) != 2 || !marks[0].At.Equal(at(8, 5)) || !marks[1].At.Equal(at(17, 0)) {
		t.Fatalf("marks = %+v", marks)
	}
}
