package exams

type SectionType string

const (
	SectionExam SectionType = "exam"
	SectionTest SectionType = "test"
)

type SectionStatus string

const (
	StatusRegistered SectionStatus = "registered"
	StatusAvailable  SectionStatus = "available"
	StatusOpen       SectionStatus = "open"
)

type AttemptType string

const (
	AttemptRegular AttemptType = "regular"
	AttemptRetake1 AttemptType = "retake1"
	AttemptRetake2 AttemptType = "retake2"
	AttemptRetake3 AttemptType = "retake3"
)

type Capacity struct {
	Occupied int `json:"occupied"`
	Total    int `json:"total"`
}

func (c Capacity) Full() bool {
	return c.Occupied >= c.Total
}

// Term is one offered slot of a section. Optional fields are nil when the
// portal did not provide them or they failed validation.
type Term struct {
	Id string `json:"id"`
	// SyntheticId is set when no stable id was found on the row and Id is a
	// random token that differs between parses.
	SyntheticId       bool         `json:"synthetic_id,omitempty"`
	Date              string       `json:"date"`
	Time              string       `json:"time"`
	Room              *string      `json:"room,omitempty"`
	Teacher           *string      `json:"teacher,omitempty"`
	TeacherId         *string      `json:"teacher_id,omitempty"`
	Capacity          *Capacity    `json:"capacity,omitempty"`
	Full              bool         `json:"full"`
	RegistrationStart *string      `json:"registration_start,omitempty"`
	RegistrationEnd   *string      `json:"registration_end,omitempty"`
	AttemptType       *AttemptType `json:"attempt_type,omitempty"`
	CanRegisterNow    bool         `json:"can_register_now"`
}

type RegisteredTerm struct {
	Id                     string  `json:"id"`
	SyntheticId            bool    `json:"synthetic_id,omitempty"`
	Date                   string  `json:"date"`
	Time                   string  `json:"time"`
	Room                   *string `json:"room,omitempty"`
	Teacher                *string `json:"teacher,omitempty"`
	TeacherId              *string `json:"teacher_id,omitempty"`
	DeregistrationDeadline *string `json:"deregistration_deadline,omitempty"`
}

type Section struct {
	Id             string          `json:"id"`
	Name           string          `json:"name"`
	Type           SectionType     `json:"type"`
	Status         SectionStatus   `json:"status"`
	RegisteredTerm *RegisteredTerm `json:"registered_term,omitempty"`
	Terms          []Term          `json:"terms"`
}

type Subject struct {
	Code     string    `json:"code"`
	Name     string    `json:"name"`
	Sections []Section `json:"sections"`
}

// RegisteredRow is one row of the registered terms table before assembly.
type RegisteredRow struct {
	Code        string
	SubjectName string
	SectionName string
	Term        RegisteredTerm
}

// AvailableRow is one row of the available terms table before assembly.
type AvailableRow struct {
	Code            string
	SubjectName     string
	SectionName     string
	HasRegisterLink bool
	Term            Term
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
