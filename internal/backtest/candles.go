package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Candle 一根K线，时间取开盘时间
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
}

// LoadCandles reads a downloader CSV file.
func LoadCandles(path string) ([]Candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开历史数据文件: %w", err)
	}
	defer file.Close()
	return ReadCandles(file)
}

// ReadCandles parses open_time,open,high,low,close[,...] rows. A header row is
// skipped; malformed rows are an error since a silent gap would skew results.
func ReadCandles(r io.Reader) ([]Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var candles []Candle
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && record[0] == "open_time" {
			continue
		}
		if len(record) < 5 {
			return nil, fmt.Errorf("line %d: want at least 5 columns, got %d", line, len(record))
		}

		ms, err := strconv.ParseInt(record[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: open_time: %w", line, err)
		}
		var ohlc [4]float64
		for i := range ohlc {
			if ohlc[i], err = strconv.ParseFloat(record[i+1], 64); err != nil {
				return nil, fmt.Errorf("line %d: column %d: %w", line, i+1, err)
			}
		}
		candles = append(candles, Candle{
			OpenTime: time.UnixMilli(ms).UTC(),
			Open:     ohlc[0],
			High:     ohlc[1],
			Low:      ohlc[2],
			Close:    ohlc[3],
		})
	}
	if len(candles) == 0 {
		return nil, errors.New("历史数据文件为空或只有表头")
	}
	return candles, nil
}

// SymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BNBUSDT-2025-03-15-2025-06-15.csv" -> "BNBUSDT"
func SymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".csv")
	return strings.SplitN(name, "-", 2)[0]
}
