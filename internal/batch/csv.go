// Package batch はCSVアップロードの受け付けとジョブ状態の照会を提供します。
package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shubham-635/imageProcessing/internal/jobs"
)

// CSVの列名
const (
	ColumnSerialNo  = "S. No."
	ColumnName      = "Product Name"
	ColumnInputURLs = "Input Image Urls"
)

const utf8BOM = "\ufeff"

// InvalidInputError はアップロードされたCSVを解釈できないことを表します。
type InvalidInputError struct {
	Reason string
	Err    error
}

func (e *InvalidInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid input: %s: %v", e.Reason, e.Err)
	}
	return "invalid input: " + e.Reason
}

func (e *InvalidInputError) Unwrap() error {
	return e.Err
}

// ParseCSV はヘッダー付きCSVを読み、行ごとの処理対象を返します。
//
// 列はヘッダー名で引き当て、存在しない列は空文字として扱います。
// すべての値が空の行は読み飛ばし、Row は読み飛ばし後の0始まりの連番です。
func ParseCSV(r io.Reader) ([]jobs.ItemInput, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &InvalidInputError{Reason: "upload is empty"}
	}
	if err != nil {
		return nil, &InvalidInputError{Reason: "malformed header", Err: err}
	}
	columns := headerIndex(header)

	items := []jobs.ItemInput{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &InvalidInputError{Reason: "malformed row", Err: err}
		}
		if isBlank(record) {
			continue
		}
		items = append(items, jobs.ItemInput{
			Row:       len(items),
			SerialNo:  field(record, columns, ColumnSerialNo),
			Name:      field(record, columns, ColumnName),
			InputURLs: SplitURLs(field(record, columns, ColumnInputURLs)),
		})
	}
	return items, nil
}

// SplitURLs はカンマ区切りのURL列を分割します。空のセルは空のスライスになります。
func SplitURLs(cell string) []string {
	urls := []string{}
	if strings.TrimSpace(cell) == "" {
		return urls
	}
	for _, part := range strings.Split(cell, ",") {
		if u := strings.TrimSpace(part); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// 同名の列が複数ある場合は後ろの列を使う
func headerIndex(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, utf8BOM)
		}
		index[strings.TrimSpace(name)] = i
	}
	return index
}

func field(record []string, columns map[string]int, name string) string {
	i, ok := columns[name]
	if !ok || i >= len(record) {
		return ""
	}
	return record[i]
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
