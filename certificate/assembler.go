// Package certificate assembles the consolidated provenance record of a batch
// and renders it as a scannable code.
package certificate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"herbtrace/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Mode selects what the scannable code encodes.
type Mode string

const (
	// ModeURL encodes a resolvable link to the certificate endpoint. Small
	// codes that always show the current record, but need the service online.
	ModeURL Mode = "url"
	// ModePayload encodes the whole JSON payload. Self-contained and offline
	// verifiable, but dense and frozen at issue time.
	ModePayload Mode = "payload"
)

// ParseMode accepts "url" or "payload".
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeURL, ModePayload:
		return m, nil
	case "":
		return ModeURL, nil
	}
	return "", fmt.Errorf("unknown certificate code mode %q", s)
}

// ErrCodePending means the payload was assembled but rendering failed; the
// code can be regenerated later.
var ErrCodePending = errors.New("certificate code rendering pending")

// Source is the read access the assembler needs.
type Source interface {
	GetBatch(ctx context.Context, id primitive.ObjectID) (*models.Batch, error)
	GetProducer(ctx context.Context, id primitive.ObjectID) (*models.Producer, error)
	GetAgency(ctx context.Context, id primitive.ObjectID) (*models.Agency, error)
	GetLabTest(ctx context.Context, id primitive.ObjectID) (*models.LabTest, error)
	GetProcessorRecord(ctx context.Context, id primitive.ObjectID) (*models.ProcessorRecord, error)
}

type BatchSection struct {
	Code     string                `json:"code"`
	Species  string                `json:"species"`
	Season   string                `json:"season"`
	Quantity float64               `json:"quantity"`
	Status   models.BatchStatus    `json:"status"`
	GeoTag   models.GeoTag         `json:"geoTag"`
	History  []models.HistoryEntry `json:"history"`
}

type ProducerSection struct {
	Name           string          `json:"name"`
	Contact        string          `json:"contact"`
	Location       models.Location `json:"location"`
	TotalHarvested float64         `json:"totalHarvested"`
}

type AgencySection struct {
	Name     string          `json:"name"`
	Contact  string          `json:"contact"`
	Location models.Location `json:"location"`
}

type LabTestSection struct {
	ID          string           `json:"id"`
	LabName     string           `json:"labName"`
	Result      models.LabResult `json:"result"`
	FailReasons []string         `json:"failReasons"`
	TestedAt    time.Time        `json:"testedAt"`
	AnchorRef   string           `json:"anchorRef,omitempty"`
}

type ProcessorSection struct {
	FinalProductBatchID string     `json:"finalProductBatchId,omitempty"`
	ProductName         string     `json:"productName"`
	HerbName            string     `json:"herbName"`
	PartUsed            string     `json:"partUsed,omitempty"`
	QuantityProcessed   *float64   `json:"quantityProcessed,omitempty"`
	DryingMethod        string     `json:"dryingMethod,omitempty"`
	ExtractionMethod    string     `json:"extractionMethod,omitempty"`
	FormulationType     string     `json:"formulationType,omitempty"`
	ExpiryDate          *time.Time `json:"expiryDate,omitempty"`
	FinalLabCheck       string     `json:"finalLabCheck,omitempty"`
	SourceBatches       int        `json:"sourceBatches"`
}

// Payload is the denormalized provenance record. Links that were never
// established are omitted.
type Payload struct {
	Batch     BatchSection      `json:"batch"`
	Producer  *ProducerSection  `json:"producer,omitempty"`
	Agency    *AgencySection    `json:"agency,omitempty"`
	LabTest   *LabTestSection   `json:"labTest,omitempty"`
	Processor *ProcessorSection `json:"processor,omitempty"`
	IssuedAt  time.Time         `json:"issuedAt"`
}

// Certificate is an assembled payload plus its rendered code.
type Certificate struct {
	Payload Payload `json:"payload"`
	Mode    Mode    `json:"mode"`
	URL     string  `json:"url"`
	Code    string  `json:"code,omitempty"` // data URL
}

type Assembler struct {
	src      Source
	renderer Renderer
	mode     Mode
	baseURL  string
	timeout  time.Duration
	now      func() time.Time
}

// NewAssembler builds an assembler. baseURL is the public root the URL-mode
// code points at, e.g. "https://trace.example.org".
func NewAssembler(src Source, r Renderer, mode Mode, baseURL string) *Assembler {
	return &Assembler{
		src:      src,
		renderer: r,
		mode:     mode,
		baseURL:  strings.TrimRight(baseURL, "/"),
		timeout:  5 * time.Second,
		now:      time.Now,
	}
}

// URLFor is the resolvable certificate link for a batch code.
func (a *Assembler) URLFor(batchCode string) string {
	return a.baseURL + "/api/batch/" + batchCode + "/certificate"
}

// Payload joins the batch with every record linked to it.
func (a *Assembler) Payload(ctx context.Context, batchID primitive.ObjectID) (*Payload, error) {
	b, err := a.src.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	p := &Payload{
		Batch: BatchSection{
			Code:     b.Code,
			Species:  b.Species,
			Season:   b.Season,
			Quantity: b.Quantity,
			Status:   b.Status,
			GeoTag:   b.GeoTag,
			History:  b.History,
		},
		IssuedAt: a.now().UTC(),
	}

	if prod, err := a.src.GetProducer(ctx, b.ProducerID); err == nil {
		p.Producer = &ProducerSection{
			Name: prod.Name, Contact: prod.Contact, Location: prod.Location, TotalHarvested: prod.TotalHarvested,
		}
	} else if !isNotFound(err) {
		return nil, err
	}

	if b.AgencyID != nil {
		ag, err := a.src.GetAgency(ctx, *b.AgencyID)
		switch {
		case err == nil:
			p.Agency = &AgencySection{Name: ag.Name, Contact: ag.Contact, Location: ag.Location}
		case !isNotFound(err):
			return nil, err
		}
	}

	if b.LabTestID != nil {
		lt, err := a.src.GetLabTest(ctx, *b.LabTestID)
		switch {
		case err == nil:
			p.LabTest = &LabTestSection{
				ID: lt.ID.Hex(), LabName: lt.LabName, Result: lt.Result,
				FailReasons: lt.FailReasons, TestedAt: lt.TestedAt, AnchorRef: lt.AnchorRef,
			}
		case !isNotFound(err):
			return nil, err
		}
	}

	if b.ProcessorID != nil {
		pr, err := a.src.GetProcessorRecord(ctx, *b.ProcessorID)
		switch {
		case err == nil:
			p.Processor = &ProcessorSection{
				FinalProductBatchID: pr.FinalProductBatchID,
				ProductName:         pr.ProductName,
				HerbName:            pr.HerbName,
				PartUsed:            pr.PartUsed,
				QuantityProcessed:   pr.QuantityProcessed,
				DryingMethod:        pr.DryingMethod,
				ExtractionMethod:    pr.ExtractionMethod,
				FormulationType:     pr.FormulationType,
				ExpiryDate:          pr.ExpiryDate,
				FinalLabCheck:       pr.FinalLabCheck,
				SourceBatches:       len(pr.BatchIDs),
			}
		case !isNotFound(err):
			return nil, err
		}
	}
	return p, nil
}

// Assemble builds the payload and renders its code. If rendering fails the
// certificate is still returned, without Code, together with an error
// wrapping ErrCodePending.
func (a *Assembler) Assemble(ctx context.Context, batchID primitive.ObjectID) (*Certificate, error) {
	p, err := a.Payload(ctx, batchID)
	if err != nil {
		return nil, err
	}
	cert := &Certificate{Payload: *p, Mode: a.mode, URL: a.URLFor(p.Batch.Code)}

	content := cert.URL
	if a.mode == ModePayload {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal certificate payload: %w", err)
		}
		content = string(raw)
	}

	rctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	code, err := a.renderer.Render(rctx, content)
	if err != nil {
		return cert, fmt.Errorf("%w: %v", ErrCodePending, err)
	}
	cert.Code = code
	return cert, nil
}

// Render exposes the renderer for other scannable artifacts (lab test codes).
func (a *Assembler) Render(ctx context.Context, content string) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.renderer.Render(rctx, content)
}

func isNotFound(err error) bool {
	var nf *models.NotFoundError
	return errors.As(err, &nf)
}
