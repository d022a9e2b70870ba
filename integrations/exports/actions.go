// Package exports renders indexed action history for download.
package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cawnet/integrations/indexer"
)

var csvHeader = []string{
	"batch_id", "layer", "sender_id", "cawonce", "type", "receiver_id",
	"receiver_cawonce", "caw_id", "status", "reason", "created_at",
}

// ActionsCSV builds a CSV export of records and returns the payload with its
// SHA-256 checksum.
func ActionsCSV(records []indexer.ActionRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, record := range records {
		row := []string{
			record.BatchID,
			strconv.FormatUint(uint64(record.Layer), 10),
			strconv.FormatUint(uint64(record.SenderID), 10),
			strconv.FormatUint(uint64(record.Cawonce), 10),
			record.Type,
			strconv.FormatUint(uint64(record.ReceiverID), 10),
			strconv.FormatUint(uint64(record.ReceiverCawonce), 10),
			strconv.FormatUint(record.CawID, 10),
			record.Status,
			record.Reason,
			record.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", fmt.Errorf("exports: csv: %w", err)
	}
	return buffer.Bytes(), checksum(buffer.Bytes()), nil
}

// ActionsJSONL builds a JSON Lines export of records.
func ActionsJSONL(records []indexer.ActionRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			return nil, "", err
		}
	}
	return buffer.Bytes(), checksum(buffer.Bytes()), nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
