package main

import (
	"time"

	"herbtrace/certificate"
	"herbtrace/models"
)

// Request/response DTOs. Keep them minimal and explicit.

type registerReq struct {
	Name     string          `json:"name"`
	Email    string          `json:"email"`
	Password string          `json:"password"`
	Contact  string          `json:"contact"`
	Location models.Location `json:"location"`
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResp struct {
	Token string `json:"token"`
	ID    string `json:"id"`
	Role  string `json:"role"`
}

type locationReq struct {
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Address string   `json:"address,omitempty"`
}

type createBatchReq struct {
	ProducerID   string   `json:"producerId"`
	Species      string   `json:"species"`
	Quantity     float64  `json:"quantity"` // kg
	Lat          *float64 `json:"lat,omitempty"`
	Lon          *float64 `json:"lon,omitempty"`
	UseAutoGPS   bool     `json:"useAutoGPS,omitempty"`
	Photos       []string `json:"photos,omitempty"`
	QualityScore *float64 `json:"qualityScore,omitempty"`
}

type createBatchResp struct {
	Batch          *models.Batch `json:"batch"`
	RemainingQuota float64       `json:"remainingQuota"`
}

type assignReq struct {
	AgencyID string `json:"agencyId"`
	BatchID  string `json:"batchId"` // id or code
}

type agencyBatchesResp struct {
	Agency  string         `json:"agency"`
	Batches []models.Batch `json:"batches"`
}

type statusReq struct {
	BatchID string `json:"batchId"`
	Status  string `json:"status"` // free-text administrative label
	Note    string `json:"note,omitempty"`
}

type labTestReq struct {
	BatchID        string               `json:"batchId"`
	LabName        string               `json:"labName"`
	AnalystID      string               `json:"analystId,omitempty"`
	Parameters     models.LabParameters `json:"parameters"`
	CertificateURL string               `json:"certificateUrl,omitempty"`
}

type labTestResp struct {
	LabTest  *models.LabTest `json:"labTest"`
	Batch    *models.Batch   `json:"batch"`
	Code     string          `json:"code,omitempty"` // data URL
	Warnings []string        `json:"warnings,omitempty"`
}

type labCodeResp struct {
	LabTestID string `json:"labTestId"`
	Code      string `json:"code"`
}

type processorReq struct {
	BatchID             string     `json:"batchId"`            // primary batch, id or code
	BatchIDs            []string   `json:"batchIds,omitempty"` // further source batches
	FinalProductBatchID string     `json:"finalProductBatchId,omitempty"`
	HerbName            string     `json:"herbName,omitempty"`
	PartUsed            string     `json:"partUsed,omitempty"`
	QuantityProcessed   *float64   `json:"quantityProcessed,omitempty"`
	DryingMethod        string     `json:"dryingMethod,omitempty"`
	ExtractionMethod    string     `json:"extractionMethod,omitempty"`
	ProductName         string     `json:"productName"`
	FormulationType     string     `json:"formulationType,omitempty"`
	ExpiryDate          *time.Time `json:"expiryDate,omitempty"`
	FinalLabCheck       string     `json:"finalLabCheck,omitempty"`
}

type processorResp struct {
	Record      *models.ProcessorRecord  `json:"record"`
	Certificate *certificate.Certificate `json:"certificate"`
	Warnings    []string                 `json:"warnings,omitempty"`
}

type certificateResp struct {
	*certificate.Certificate
	Warnings []string `json:"warnings,omitempty"`
}

type errorResp struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
