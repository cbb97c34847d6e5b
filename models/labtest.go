package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type LabResult string

const (
	LabResultPass LabResult = "Pass"
	LabResultFail LabResult = "Fail"
)

type AnchorStatus string

const (
	AnchorStatusPending  AnchorStatus = "pending"
	AnchorStatusAnchored AnchorStatus = "anchored"
)

// DNABarcode is the species barcode check. Matched == nil means not run.
type DNABarcode struct {
	Matched *bool  `bson:"matched,omitempty" json:"matched,omitempty"`
	Species string `bson:"species,omitempty" json:"species,omitempty"`
}

// LabParameters are raw measurements submitted by a lab. Every group is optional.
type LabParameters struct {
	Moisture     *float64           `bson:"moisture,omitempty"      json:"moisture,omitempty"` // percent
	PesticidePPM map[string]float64 `bson:"pesticidePpm,omitempty"  json:"pesticide_ppm,omitempty"`
	DNABarcode   *DNABarcode        `bson:"dnaBarcode,omitempty"    json:"dnaBarcode,omitempty"`
}

// LabTest is one laboratory evaluation of a batch. Frozen once AnchorRef is set.
type LabTest struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"            json:"id"`
	BatchID        primitive.ObjectID `bson:"batchId"                  json:"batchId"`
	BatchCode      string             `bson:"batchCode"                json:"batchCode"`
	LabName        string             `bson:"labName"                  json:"labName"`
	AnalystID      string             `bson:"analystId,omitempty"      json:"analystId,omitempty"`
	Parameters     LabParameters      `bson:"parameters"               json:"parameters"`
	Result         LabResult          `bson:"result"                   json:"result"`
	FailReasons    []string           `bson:"failReasons"              json:"failReasons"`
	CertificateURL string             `bson:"certificateUrl,omitempty" json:"certificateUrl,omitempty"`
	Fingerprint    string             `bson:"fingerprint"              json:"fingerprint"`
	AnchorStatus   AnchorStatus       `bson:"anchorStatus"             json:"anchorStatus"`
	AnchorRef      string             `bson:"anchorRef,omitempty"      json:"anchorRef,omitempty"`
	Code           string             `bson:"code,omitempty"           json:"-"` // data URL of the rendered code
	TestedAt       time.Time          `bson:"testedAt"                 json:"testedAt"`
}

// ComputeFingerprint hashes the compliance-relevant fields of the test.
// Anchor fields and the rendered code are excluded.
func (t *LabTest) ComputeFingerprint() string {
	canon := struct {
		BatchCode   string        `json:"batchCode"`
		LabTestID   string        `json:"labTestId"`
		LabName     string        `json:"labName"`
		Parameters  LabParameters `json:"parameters"`
		Result      LabResult     `json:"result"`
		FailReasons []string      `json:"failReasons"`
		TestedAt    string        `json:"testedAt"`
	}{t.BatchCode, t.ID.Hex(), t.LabName, t.Parameters, t.Result, t.FailReasons, t.TestedAt.UTC().Format(time.RFC3339Nano)}
	// encoding/json sorts map keys, so the encoding is canonical.
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CheckMutation rejects changes to an anchored test's evaluated content.
// Attaching the anchor reference itself is allowed.
func (t *LabTest) CheckMutation(next *LabTest) error {
	if t.AnchorRef == "" {
		return nil
	}
	if next.AnchorRef != t.AnchorRef {
		return &IntegrityError{Op: "update lab test", Reason: "anchor reference already set to " + t.AnchorRef}
	}
	if next.Result != t.Result || next.Fingerprint != t.Fingerprint ||
		!reflect.DeepEqual(next.FailReasons, t.FailReasons) ||
		!reflect.DeepEqual(next.Parameters, t.Parameters) {
		return &IntegrityError{Op: "update lab test", Reason: "lab test " + t.ID.Hex() + " is anchored and immutable"}
	}
	return nil
}

// Clone returns a deep copy of the parameter set.
func (p LabParameters) Clone() LabParameters {
	out := p
	if p.Moisture != nil {
		v := *p.Moisture
		out.Moisture = &v
	}
	if p.PesticidePPM != nil {
		out.PesticidePPM = make(map[string]float64, len(p.PesticidePPM))
		for k, v := range p.PesticidePPM {
			out.PesticidePPM[k] = v
		}
	}
	if p.DNABarcode != nil {
		d := *p.DNABarcode
		if d.Matched != nil {
			m := *d.Matched
			d.Matched = &m
		}
		out.DNABarcode = &d
	}
	return out
}

// Clone returns a deep copy of the test.
func (t *LabTest) Clone() *LabTest {
	out := *t
	out.Parameters = t.Parameters.Clone()
	out.FailReasons = append([]string(nil), t.FailReasons...)
	return &out
}
