package storage

import (
	"fmt"
	"strings"
	"sync"
)

// ObjectPurpose captures high-level intent for storage layout decisions.
type ObjectPurpose string

const (
	PurposePickupEvidence   ObjectPurpose = "pickup-evidence"
	PurposeDeliveryEvidence ObjectPurpose = "delivery-evidence"
	PurposeGiftCardEvidence ObjectPurpose = "giftcard-evidence"
	PurposeSettlementExport ObjectPurpose = "settlement-export"
)

// PathParams provide required identifiers to compose storage object keys.
type PathParams struct {
	OrderID            string
	GiftCardDeliveryID string
	UploadID           string
	ReportDate         string
	FileName           string
}

// PathBuilder composes the object path for a given purpose.
type PathBuilder func(PathParams) (string, error)

var (
	pathBuilders = map[ObjectPurpose]PathBuilder{
		PurposePickupEvidence:   buildPickupEvidencePath,
		PurposeDeliveryEvidence: buildDeliveryEvidencePath,
		PurposeGiftCardEvidence: buildGiftCardEvidencePath,
		PurposeSettlementExport: buildSettlementExportPath,
	}
	pathBuildersMu sync.RWMutex
)

// RegisterPathBuilder overrides or registers a builder for a specific purpose.
func RegisterPathBuilder(purpose ObjectPurpose, builder PathBuilder) {
	pathBuildersMu.Lock()
	defer pathBuildersMu.Unlock()
	if builder == nil {
		delete(pathBuilders, purpose)
		return
	}
	pathBuilders[purpose] = builder
}

// BuildObjectPath resolves the storage object path for the given purpose.
func BuildObjectPath(purpose ObjectPurpose, params PathParams) (string, error) {
	pathBuildersMu.RLock()
	builder, ok := pathBuilders[purpose]
	pathBuildersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("storage: unsupported object purpose %q", purpose)
	}
	return builder(params)
}

func buildPickupEvidencePath(params PathParams) (string, error) {
	return buildOrderEvidencePath("pickup", params)
}

func buildDeliveryEvidencePath(params PathParams) (string, error) {
	return buildOrderEvidencePath("delivery", params)
}

func buildOrderEvidencePath(stage string, params PathParams) (string, error) {
	orderID, err := validateSegment("orderID", params.OrderID)
	if err != nil {
		return "", err
	}
	uploadID, err := validateSegment("uploadID", params.UploadID)
	if err != nil {
		return "", err
	}
	fileName, err := validateFileName(params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("evidence/orders/%s/%s/%s/%s", orderID, stage, uploadID, fileName), nil
}

func buildGiftCardEvidencePath(params PathParams) (string, error) {
	deliveryID, err := validateSegment("giftCardDeliveryID", params.GiftCardDeliveryID)
	if err != nil {
		return "", err
	}
	fileName, err := validateFileName(params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("evidence/gift-cards/%s/%s", deliveryID, fileName), nil
}

func buildSettlementExportPath(params PathParams) (string, error) {
	name := strings.TrimSpace(params.FileName)
	if name == "" && params.ReportDate != "" {
		name = fmt.Sprintf("%s.csv", strings.TrimSpace(params.ReportDate))
	}
	fileName, err := validateFileName(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("exports/settlements/%s", fileName), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func validateFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: fileName is required")
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: fileName contains invalid path characters")
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: fileName contains invalid traversal sequence")
	}
	return value, nil
}
