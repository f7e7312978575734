package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ClientRecord holds the client data sent by the gym when a signing
// link is requested. It is never modified after the session is created.
type ClientRecord struct {
	Name          string `json:"name" yaml:"name"`
	NationalID    string `json:"national_id" yaml:"national_id"`
	MemberID      string `json:"member_id" yaml:"member_id"`
	ContractStart string `json:"contract_start" yaml:"contract_start"`
	Penalty       string `json:"penalty" yaml:"penalty"`
	Consultant    string `json:"consultant" yaml:"consultant"`
}

// UnmarshalJSON accepts numbers as well as strings for every field, so
// callers may send "penalty": 50.00 or "member_id": 999. Numbers keep
// their literal spelling.
func (r *ClientRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name          scalar `json:"name"`
		NationalID    scalar `json:"national_id"`
		MemberID      scalar `json:"member_id"`
		ContractStart scalar `json:"contract_start"`
		Penalty       scalar `json:"penalty"`
		Consultant    scalar `json:"consultant"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = ClientRecord{
		Name:          string(raw.Name),
		NationalID:    string(raw.NationalID),
		MemberID:      string(raw.MemberID),
		ContractStart: string(raw.ContractStart),
		Penalty:       string(raw.Penalty),
		Consultant:    string(raw.Consultant),
	}
	return nil
}

// scalar is a JSON string or number read as text. null reads as "".
type scalar string

func (s *scalar) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch v := v.(type) {
	case string:
		*s = scalar(v)
	case json.Number:
		*s = scalar(v.String())
	case nil:
		*s = ""
	default:
		return fmt.Errorf("expected a string or number, got %s", bytes.TrimSpace(data))
	}
	return nil
}

// MissingFieldsError lists the record fields that were blank.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("client record missing required fields: %s", strings.Join(e.Fields, ", "))
}

// Validate reports every blank field of the record.
func (r ClientRecord) Validate() error {
	var missing []string
	check := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	check("name", r.Name)
	check("national_id", r.NationalID)
	check("member_id", r.MemberID)
	check("contract_start", r.ContractStart)
	check("penalty", r.Penalty)
	check("consultant", r.Consultant)

	if len(missing) > 0 {
		return &MissingFieldsError{Fields: missing}
	}
	return nil
}

// PendingSession is a signing link waiting to be finalized.
type PendingSession struct {
	Token     string       `json:"token"`
	Record    ClientRecord `json:"record"`
	CreatedAt time.Time    `json:"created_at"`
}

// Motive is the cancellation reason picked by the signer.
type Motive string

const (
	MotiveTeachers  Motive = "atendimento_professores"
	MotiveReception Motive = "atendimento_recepcao"
	MotiveHealth    Motive = "problemas_saude"
	MotiveFinancial Motive = "dificuldade_financeira"
	MotiveMoved     Motive = "mudei_endereco"
	MotiveOther     Motive = "outros"
)

// MotiveOption is a motive with the label printed on the document.
type MotiveOption struct {
	Code  Motive
	Label string
}

// Motives lists the checklist in document order.
var Motives = []MotiveOption{
	{MotiveTeachers, "NÃO GOSTEI DO ATENDIMENTO DOS PROFESSORES"},
	{MotiveReception, "NÃO GOSTEI DO ATENDIMENTO DA RECEPÇÃO"},
	{MotiveHealth, "ESTOU COM PROBLEMAS DE SAÚDE"},
	{MotiveFinancial, "ESTOU COM DIFICULDADE FINANCEIRA"},
	{MotiveMoved, "MUDEI DE ENDEREÇO"},
	{MotiveOther, "OUTROS, DESCREVA:"},
}

// Valid reports whether m is one of the fixed motive codes.
func (m Motive) Valid() bool {
	for _, opt := range Motives {
		if opt.Code == m {
			return true
		}
	}
	return false
}

// Input limits that keep a finished document on a single page.
const (
	MaxFreeTextRunes  = 250
	MaxUserAgentRunes = 200
)

// FinalizationRequest is the body posted by the signing page.
type FinalizationRequest struct {
	Motive    Motive `json:"motive"`
	FreeText  string `json:"free_text,omitempty"`
	Signature string `json:"signature"`
}

// OtherText returns the free text when it applies to the chosen motive.
func (r FinalizationRequest) OtherText() string {
	if r.Motive != MotiveOther {
		return ""
	}
	return strings.TrimSpace(r.FreeText)
}

// AuditTrail is the consent evidence printed at the bottom of the document.
type AuditTrail struct {
	SignerName string    `json:"signer_name"`
	SignedAt   time.Time `json:"signed_at"`
	ClientIP   string    `json:"client_ip"`
	UserAgent  string    `json:"user_agent"`
}

// FinishedDocument describes a generated document on disk.
type FinishedDocument struct {
	Filename string `json:"filename"`
	Path     string `json:"-"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
}

// FinalizationResponse is returned by the finalize endpoint.
type FinalizationResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	DocumentURL string `json:"document_url,omitempty"`
}
