/*
Copyright 2025 PurchaseKit Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package files

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/purchasekit/purchasekit/model"
)

// StoreFunc defines the function signature for storing imported receipts.
type StoreFunc func(ctx context.Context, importID string, receipt model.Receipt) error

// ImportReceiptData handles the process of importing a batch of receipts by
// detecting the file type, parsing, and handing each receipt to the store
// callback. Rows that carry no environment column inherit the environment
// argument.
// Returns the generated import ID and the number of receipts stored.
func ImportReceiptData(ctx context.Context, environment string, reader io.Reader, filename string, store StoreFunc) (string, int, error) {
	importID := model.GenerateUUIDWithSuffix("import")

	// Spool the upload to a temp file so the content can be read twice,
	// once for type detection and once for parsing.
	tempFile, err := createAndPopulateTempFile(filename, reader)
	if err != nil {
		return "", 0, err
	}
	defer cleanupTempFile(tempFile)

	fileType, err := detectFileTypeFromTempFile(tempFile, filename)
	if err != nil {
		return "", 0, err
	}

	// Row-level failures come back bundled with the rows that did parse,
	// so callers can keep the partial import.
	total, err := parseAndStoreReceipts(ctx, importID, environment, tempFile, fileType, store)
	return importID, total, err
}

// createAndPopulateTempFile creates a temporary file and writes the uploaded data to it.
func createAndPopulateTempFile(filename string, reader io.Reader) (*os.File, error) {
	tempFile, err := createTempFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error creating temporary file: %w", err)
	}

	if _, err := io.Copy(tempFile, reader); err != nil {
		return nil, fmt.Errorf("error copying upload data: %w", err)
	}

	if _, err := tempFile.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("error seeking temporary file: %w", err)
	}

	return tempFile, nil
}

// detectFileTypeFromTempFile detects the file type by reading the first 512 bytes from the temporary file.
func detectFileTypeFromTempFile(tempFile *os.File, filename string) (string, error) {
	header := make([]byte, 512)
	if _, err := tempFile.Read(header); err != nil && err != io.EOF {
		return "", fmt.Errorf("error reading file header: %w", err)
	}

	fileType, err := DetectFileType(header, filename)
	if err != nil {
		return "", fmt.Errorf("error detecting file type: %w", err)
	}

	if _, err := tempFile.Seek(0, 0); err != nil {
		return "", fmt.Errorf("error seeking temporary file: %w", err)
	}

	return fileType, nil
}

// parseAndStoreReceipts dispatches to the CSV or JSON parser based on the detected file type.
func parseAndStoreReceipts(ctx context.Context, importID, environment string, reader io.Reader, fileType string, store StoreFunc) (int, error) {
	switch fileType {
	case "text/csv", "text/csv; charset=utf-8":
		return ProcessCSV(ctx, importID, environment, reader, store)
	case "application/json":
		return ProcessJSON(ctx, importID, environment, reader, store)
	default:
		return 0, fmt.Errorf("unsupported file type: %s", fileType)
	}
}

// createTempFile creates a new temporary file for storing the uploaded data.
func createTempFile(originalFilename string) (*os.File, error) {
	tempDir := filepath.Join(os.TempDir(), "purchasekit_uploads")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating temporary directory: %w", err)
	}

	prefix := fmt.Sprintf("%s_", filepath.Base(originalFilename))
	tempFile, err := os.CreateTemp(tempDir, prefix)
	if err != nil {
		return nil, fmt.Errorf("error creating temporary file: %w", err)
	}

	return tempFile, nil
}

// cleanupTempFile removes the specified temporary file from the filesystem.
func cleanupTempFile(file *os.File) {
	if file != nil {
		filename := file.Name()
		file.Close()
		if err := os.Remove(filename); err != nil {
			log.Printf("Error removing temporary file %s: %v", filename, err)
		}
	}
}

// DetectFileType attempts to detect the file type based on its extension or content.
// If the file extension can identify the type, it returns that, otherwise, it inspects the content of the file.
func DetectFileType(data []byte, filename string) (string, error) {
	if mimeType := DetectByExtension(filename); mimeType != "" {
		return mimeType, nil
	}
	return DetectByContent(data)
}

// DetectByExtension detects the MIME type by the file extension.
func DetectByExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return mime.TypeByExtension(ext)
}

// DetectByContent detects the MIME type based on the content of the file.
func DetectByContent(data []byte) (string, error) {
	mimeType := http.DetectContentType(data)

	switch mimeType {
	case "application/octet-stream", "text/plain":
		return AnalyzeTextContent(data)
	case "text/csv; charset=utf-8":
		return "text/csv", nil
	default:
		return mimeType, nil
	}
}

// AnalyzeTextContent further inspects text-based content to differentiate between CSV, JSON, or plain text.
func AnalyzeTextContent(data []byte) (string, error) {
	if LooksLikeCSV(data) {
		return "text/csv", nil
	}
	if json.Valid(data) {
		return "application/json", nil
	}
	return "text/plain", nil
}

// LooksLikeCSV checks whether the provided data looks like a CSV file.
func LooksLikeCSV(data []byte) bool {
	lines := bytes.Split(data, []byte("\n"))
	if len(lines) < 2 {
		return false // Require at least two lines for CSV.
	}

	fields := bytes.Count(lines[0], []byte(",")) + 1
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		if bytes.Count(line, []byte(","))+1 != fields {
			return false
		}
	}

	return fields > 1
}

// ProcessCSV reads and processes a CSV file from an io.Reader, parsing each row
// into a receipt and storing it. Rows that fail to parse are collected and
// reported together so a single bad row does not abort the whole import.
func ProcessCSV(ctx context.Context, importID, environment string, reader io.Reader, store StoreFunc) (int, error) {
	csvReader := csv.NewReader(bufio.NewReader(reader))

	headers, err := csvReader.Read()
	if err != nil {
		return 0, fmt.Errorf("error reading CSV headers: %w", err)
	}

	columnMap, err := createColumnMap(headers)
	if err != nil {
		return 0, err
	}

	return processCSVRows(ctx, importID, environment, csvReader, columnMap, store)
}

// processCSVRows reads and processes each row in the CSV file.
func processCSVRows(ctx context.Context, importID, environment string, csvReader *csv.Reader, columnMap map[string]int, store StoreFunc) (int, error) {
	var errs []error
	rowNum := 1 // Row number starts at 1 to account for the header row.
	stored := 0

	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("error reading row %d: %w", rowNum, err))
			continue
		}

		rowNum++

		receipt, err := parseReceiptRow(record, columnMap, environment)
		if err != nil {
			errs = append(errs, fmt.Errorf("error parsing row %d: %w", rowNum, err))
			continue
		}

		if err := store(ctx, importID, receipt); err != nil {
			errs = append(errs, fmt.Errorf("error storing receipt from row %d: %w", rowNum, err))
			continue
		}
		stored++

		// Check for context cancellation every 1000 rows.
		if rowNum%1000 == 0 {
			select {
			case <-ctx.Done():
				return stored, ctx.Err()
			default:
			}
		}
	}

	if len(errs) > 0 {
		return stored, fmt.Errorf("encountered %d errors while processing CSV: %v", len(errs), errs)
	}

	return stored, nil
}

// createColumnMap creates a map of column names to their indices based on the headers row of a CSV file.
func createColumnMap(headers []string) (map[string]int, error) {
	requiredColumns := []string{"product_id", "transaction_id", "payload"}
	columnMap := make(map[string]int)

	for i, header := range headers {
		columnMap[strings.ToLower(strings.TrimSpace(header))] = i
	}

	for _, col := range requiredColumns {
		if _, exists := columnMap[col]; !exists {
			return nil, fmt.Errorf("required column '%s' not found in CSV", col)
		}
	}

	return columnMap, nil
}

// parseReceiptRow parses a row of the CSV file into a Receipt.
func parseReceiptRow(record []string, columnMap map[string]int, environment string) (model.Receipt, error) {
	if len(record) != len(columnMap) {
		return model.Receipt{}, fmt.Errorf("incorrect number of fields in record")
	}

	productID, err := getRequiredField(record, columnMap, "product_id")
	if err != nil {
		return model.Receipt{}, err
	}

	transactionID, err := getRequiredField(record, columnMap, "transaction_id")
	if err != nil {
		return model.Receipt{}, err
	}

	payload, err := getRequiredField(record, columnMap, "payload")
	if err != nil {
		return model.Receipt{}, err
	}

	receipt := model.Receipt{
		ProductID:     productID,
		TransactionID: transactionID,
		Payload:       payload,
		Environment:   environment,
	}

	if idx, ok := columnMap["timestamp"]; ok && idx < len(record) {
		receipt.Timestamp = parseTime(strings.TrimSpace(record[idx]))
	}
	if idx, ok := columnMap["environment"]; ok && idx < len(record) {
		if env := strings.TrimSpace(record[idx]); env != "" {
			receipt.Environment = env
		}
	}

	return receipt, nil
}

// getRequiredField retrieves a field from a CSV record, ensuring it is not empty.
func getRequiredField(record []string, columnMap map[string]int, field string) (string, error) {
	if index, exists := columnMap[field]; exists && index < len(record) {
		value := strings.TrimSpace(record[index])
		if value == "" {
			return "", fmt.Errorf("required field '%s' is empty", field)
		}
		return value, nil
	}
	return "", fmt.Errorf("required field '%s' not found in record", field)
}

// ProcessJSON parses and stores receipts from a JSON array.
func ProcessJSON(ctx context.Context, importID, environment string, reader io.Reader, store StoreFunc) (int, error) {
	decoder := json.NewDecoder(reader)
	var receipts []model.Receipt
	if err := decoder.Decode(&receipts); err != nil {
		return 0, err
	}

	stored := 0
	for _, receipt := range receipts {
		if receipt.Environment == "" {
			receipt.Environment = environment
		}
		if err := store(ctx, importID, receipt); err != nil {
			return stored, err
		}
		stored++
	}

	return stored, nil
}

// parseTime parses a string into a time.Time object in RFC3339 format.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
