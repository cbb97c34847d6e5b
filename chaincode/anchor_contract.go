package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

const anchorEvent = "AnchorRecorded"

// LedgerAnchor is the on-chain record of one batch event fingerprint.
type LedgerAnchor struct {
	BatchCode   string `json:"batchCode"`
	EventType   string `json:"eventType"`
	Fingerprint string `json:"fingerprint"`
	TxID        string `json:"txId"`
	Timestamp   string `json:"timestamp"`
}

// AnchorContract stores provenance fingerprints. Each (batch code, event
// type) pair is written once.
type AnchorContract struct {
	contractapi.Contract
}

func anchorKey(batchCode, eventType string) string {
	return "ANCHOR_" + batchCode + "_" + eventType
}

// RecordAnchor stores the fingerprint and returns the transaction id. A
// repeat call with the same fingerprint returns the original transaction id;
// a different fingerprint is refused.
func (c *AnchorContract) RecordAnchor(ctx contractapi.TransactionContextInterface, batchCode, eventType, fingerprint string) (string, error) {
	if batchCode == "" || eventType == "" || fingerprint == "" {
		return "", fmt.Errorf("batchCode, eventType and fingerprint are required")
	}
	existing, err := c.readAnchor(ctx, batchCode, eventType)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if existing.Fingerprint != fingerprint {
			return "", fmt.Errorf("anchor %s/%s already recorded with a different fingerprint", batchCode, eventType)
		}
		return existing.TxID, nil
	}

	stub := ctx.GetStub()
	a := LedgerAnchor{
		BatchCode:   batchCode,
		EventType:   eventType,
		Fingerprint: fingerprint,
		TxID:        stub.GetTxID(),
	}
	if ts, err := stub.GetTxTimestamp(); err == nil && ts != nil {
		a.Timestamp = ts.AsTime().UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to marshal anchor: %v", err)
	}
	if err := stub.PutState(anchorKey(batchCode, eventType), b); err != nil {
		return "", fmt.Errorf("failed to put anchor: %v", err)
	}
	if err := stub.SetEvent(anchorEvent, b); err != nil {
		return "", fmt.Errorf("failed to emit event: %v", err)
	}
	return a.TxID, nil
}

// ReadAnchor returns the anchor for a pair.
func (c *AnchorContract) ReadAnchor(ctx contractapi.TransactionContextInterface, batchCode, eventType string) (*LedgerAnchor, error) {
	a, err := c.readAnchor(ctx, batchCode, eventType)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("anchor %s/%s does not exist", batchCode, eventType)
	}
	return a, nil
}

// ListAnchors returns every anchor recorded for a batch.
func (c *AnchorContract) ListAnchors(ctx contractapi.TransactionContextInterface, batchCode string) ([]*LedgerAnchor, error) {
	prefix := "ANCHOR_" + batchCode + "_"
	it, err := ctx.GetStub().GetStateByRange(prefix, prefix+"~")
	if err != nil {
		return nil, fmt.Errorf("failed to read anchors: %v", err)
	}
	defer it.Close()

	out := []*LedgerAnchor{}
	for it.HasNext() {
		kv, err := it.Next()
		if err != nil {
			return nil, err
		}
		var a LedgerAnchor
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal anchor %s: %v", kv.Key, err)
		}
		if a.BatchCode == batchCode {
			out = append(out, &a)
		}
	}
	return out, nil
}

func (c *AnchorContract) readAnchor(ctx contractapi.TransactionContextInterface, batchCode, eventType string) (*LedgerAnchor, error) {
	b, err := ctx.GetStub().GetState(anchorKey(batchCode, eventType))
	if err != nil {
		return nil, fmt.Errorf("failed to read anchor: %v", err)
	}
	if b == nil {
		return nil, nil
	}
	var a LedgerAnchor
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal anchor: %v", err)
	}
	return &a, nil
}

func main() {
	chaincode, err := contractapi.NewChaincode(&AnchorContract{})
	if err != nil {
		fmt.Printf("Error creating chaincode: %v\n", err)
		return
	}
	chaincode.Info.Title = "herbtrace-anchor"
	chaincode.Info.Version = "1.0.0"

	if err := chaincode.Start(); err != nil {
		fmt.Printf("Error starting chaincode: %v\n", err)
	}
}
