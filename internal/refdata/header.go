package refdata

import (
	"errors"
	"regexp"
	"strings"
)

// ErrHeaderNotFound 表示表格中找不到包含关键列的表头行。
var ErrHeaderNotFound = errors.New("header row not found")

var keySuffix = regexp.MustCompile(`(?i)\s*\((pk|fk)\)\s*$`)

func normalizeHeader(name string) string {
	name = strings.TrimSpace(strings.TrimPrefix(name, utf8BOM))
	name = keySuffix.ReplaceAllString(name, "")
	return strings.ToLower(strings.TrimSpace(name))
}

// header 是定位后的表头及其后的数据行。
type header struct {
	columns []string
	rows    [][]string
}

// locateHeader 返回第一行包含 key 列（归一化后完全相等）的表头。
func locateHeader(rows [][]string, key string) (header, error) {
	key = normalizeHeader(key)
	for i, row := range rows {
		for _, cell := range row {
			if normalizeHeader(cell) == key {
				columns := make([]string, len(row))
				for j, c := range row {
					columns[j] = normalizeHeader(c)
				}
				return header{columns: columns, rows: rows[i+1:]}, nil
			}
		}
	}
	return header{}, ErrHeaderNotFound
}

// index 先按名称精确匹配，再按包含关系匹配；找不到返回 -1。
func (h header) index(name string) int {
	name = normalizeHeader(name)
	for i, c := range h.columns {
		if c == name {
			return i
		}
	}
	for i, c := range h.columns {
		if c != "" && strings.Contains(c, name) {
			return i
		}
	}
	return -1
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}
