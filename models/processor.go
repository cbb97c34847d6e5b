package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ProcessorRecord links one or more approved batches to a final product.
type ProcessorRecord struct {
	ID                  primitive.ObjectID   `bson:"_id,omitempty"                 json:"id"`
	BatchIDs            []primitive.ObjectID `bson:"batchIds"                      json:"batchIds"`
	PrimaryBatchID      primitive.ObjectID   `bson:"primaryBatchId"                json:"primaryBatchId"`
	FinalProductBatchID string               `bson:"finalProductBatchId,omitempty" json:"finalProductBatchId,omitempty"`
	HerbName            string               `bson:"herbName"                      json:"herbName"`
	PartUsed            string               `bson:"partUsed,omitempty"            json:"partUsed,omitempty"`
	QuantityProcessed   *float64             `bson:"quantityProcessed,omitempty"   json:"quantityProcessed,omitempty"`
	DryingMethod        string               `bson:"dryingMethod,omitempty"        json:"dryingMethod,omitempty"`
	ExtractionMethod    string               `bson:"extractionMethod,omitempty"    json:"extractionMethod,omitempty"`
	ProductName         string               `bson:"productName"                   json:"productName"`
	FormulationType     string               `bson:"formulationType,omitempty"     json:"formulationType,omitempty"`
	ExpiryDate          *time.Time           `bson:"expiryDate,omitempty"          json:"expiryDate,omitempty"`
	FinalLabCheck       string               `bson:"finalLabCheck,omitempty"       json:"finalLabCheck,omitempty"`

	CertificateURL  string       `bson:"certificateUrl,omitempty"  json:"certificateUrl,omitempty"`
	CertificateCode string       `bson:"certificateCode,omitempty" json:"certificateCode,omitempty"`
	Fingerprint     string       `bson:"fingerprint"               json:"fingerprint"`
	AnchorStatus    AnchorStatus `bson:"anchorStatus,omitempty"    json:"anchorStatus,omitempty"`
	AnchorRef       string       `bson:"anchorRef,omitempty"       json:"anchorRef,omitempty"`
	CreatedAt       time.Time    `bson:"createdAt"                 json:"createdAt"`
}

// ComputeFingerprint hashes the product linkage that gets anchored for the
// processed event.
func (r *ProcessorRecord) ComputeFingerprint() string {
	ids := make([]string, len(r.BatchIDs))
	for i, id := range r.BatchIDs {
		ids[i] = id.Hex()
	}
	canon := struct {
		RecordID            string   `json:"recordId"`
		BatchIDs            []string `json:"batchIds"`
		FinalProductBatchID string   `json:"finalProductBatchId"`
		ProductName         string   `json:"productName"`
		HerbName            string   `json:"herbName"`
		QuantityProcessed   *float64 `json:"quantityProcessed"`
		CreatedAt           string   `json:"createdAt"`
	}{r.ID.Hex(), ids, r.FinalProductBatchID, r.ProductName, r.HerbName, r.QuantityProcessed, r.CreatedAt.UTC().Format(time.RFC3339Nano)}
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
