package refdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// CrossSensitivity 是一条交叉敏感记录，缺失字段以空字符串输出。
type CrossSensitivity struct {
	ChemicalID          string `json:"chemical_id"`
	ResponseType        string `json:"response_type"`
	TestConcentration   string `json:"test_concentration"`
	TestConcUnit        string `json:"test_conc_unit"`
	ResponseReading     string `json:"response_reading"`
	ObservedRdgUnit     string `json:"observed_rdg_unit"`
	FilteredRespReading string `json:"filtered_resp_reading"`
	FilteredRdgUnit     string `json:"filtered_rdg_unit"`
	Notes               string `json:"notes"`
}

// Artifact 是 sensor_cross_sens.json 的结构。
type Artifact struct {
	DisplayNameToSensorIDs map[string][]string           `json:"displayNameToSensorIds"`
	BySensorID             map[string][]CrossSensitivity `json:"bySensorId"`
}

// Stats 记录读取与跳过的行数。
type Stats struct {
	SensorRows        int
	SkippedSensorRows int
	CrossRows         int
	SkippedCrossRows  int
}

// SensorsWithCrossSens 返回至少有一条交叉敏感记录的传感器数量。
func (a *Artifact) SensorsWithCrossSens() int {
	return len(a.BySensorID)
}

// DisplayNames 返回已映射的显示名数量。
func (a *Artifact) DisplayNames() int {
	return len(a.DisplayNameToSensorIDs)
}

// TotalCrossRows 返回全部交叉敏感记录条数。
func (a *Artifact) TotalCrossRows() int {
	total := 0
	for _, records := range a.BySensorID {
		total += len(records)
	}
	return total
}

const (
	colSensorID            = "sensor_id"
	colPlainName           = "plain_name"
	colChemicalID          = "chemical_id"
	colResponseType        = "response_type"
	colTestConcentration   = "test_concentration"
	colTestConcUnit        = "test_conc_unit"
	colResponseReading     = "response_reading"
	colObservedRdgUnit     = "observed_rdg_unit"
	colFilteredRespReading = "filtered_resp_reading"
	colFilteredRdgUnit     = "filtered_rdg_unit"
	colNotes               = "notes"
)

// Build 连接两张表生成 Artifact。缺少 sensor_id、plain_name 或 chemical_id 的行被跳过并计数。
func Build(sensors, crossSens [][]string) (*Artifact, Stats, error) {
	var stats Stats
	artifact := &Artifact{
		DisplayNameToSensorIDs: make(map[string][]string),
		BySensorID:             make(map[string][]CrossSensitivity),
	}

	sh, err := locateHeader(sensors, colSensorID)
	if err != nil {
		return nil, stats, fmt.Errorf("sensors: %w", err)
	}
	idxSensor, idxPlain := sh.index(colSensorID), sh.index(colPlainName)
	if idxPlain < 0 {
		return nil, stats, fmt.Errorf("sensors: %w: missing %s column", ErrHeaderNotFound, colPlainName)
	}
	seen := make(map[string]map[string]struct{})
	for _, row := range sh.rows {
		stats.SensorRows++
		sid, plain := cell(row, idxSensor), cell(row, idxPlain)
		if sid == "" || plain == "" {
			stats.SkippedSensorRows++
			continue
		}
		ids, ok := seen[plain]
		if !ok {
			ids = make(map[string]struct{})
			seen[plain] = ids
		}
		if _, dup := ids[sid]; dup {
			continue
		}
		ids[sid] = struct{}{}
		artifact.DisplayNameToSensorIDs[plain] = append(artifact.DisplayNameToSensorIDs[plain], sid)
	}

	ch, err := locateHeader(crossSens, colSensorID)
	if err != nil {
		return nil, stats, fmt.Errorf("cross-sensitivity: %w", err)
	}
	idx := map[string]int{}
	for _, name := range []string{
		colSensorID, colChemicalID, colResponseType, colTestConcentration, colTestConcUnit,
		colResponseReading, colObservedRdgUnit, colFilteredRespReading, colFilteredRdgUnit, colNotes,
	} {
		idx[name] = ch.index(name)
	}
	if idx[colChemicalID] < 0 {
		return nil, stats, fmt.Errorf("cross-sensitivity: %w: missing %s column", ErrHeaderNotFound, colChemicalID)
	}
	for _, row := range ch.rows {
		stats.CrossRows++
		sid, chemical := cell(row, idx[colSensorID]), cell(row, idx[colChemicalID])
		if sid == "" || chemical == "" {
			stats.SkippedCrossRows++
			continue
		}
		artifact.BySensorID[sid] = append(artifact.BySensorID[sid], CrossSensitivity{
			ChemicalID:          chemical,
			ResponseType:        cell(row, idx[colResponseType]),
			TestConcentration:   cell(row, idx[colTestConcentration]),
			TestConcUnit:        cell(row, idx[colTestConcUnit]),
			ResponseReading:     cell(row, idx[colResponseReading]),
			ObservedRdgUnit:     cell(row, idx[colObservedRdgUnit]),
			FilteredRespReading: cell(row, idx[colFilteredRespReading]),
			FilteredRdgUnit:     cell(row, idx[colFilteredRdgUnit]),
			Notes:               cell(row, idx[colNotes]),
		})
	}
	return artifact, stats, nil
}

// BuildFiles 读取两个 CSV 文件并生成 Artifact；任一文件缺失即返回错误。
func BuildFiles(sensorsPath, crossSensPath string) (*Artifact, Stats, error) {
	sensors, err := ReadTableFile(sensorsPath)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("read sensors: %w", err)
	}
	crossSens, err := ReadTableFile(crossSensPath)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("read cross-sensitivity: %w", err)
	}
	return Build(sensors, crossSens)
}

// WriteFile 以两空格缩进写出 JSON，先写临时文件再 rename，失败时不留下部分输出。
func WriteFile(path string, artifact *Artifact) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	data := buf.Bytes()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".refdata-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0o644)
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
